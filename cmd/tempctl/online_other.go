//go:build !unix

package main

import "os"

var onlineSignals []os.Signal

//go:build unix

package main

import (
	"os"
	"syscall"
)

// onlineSignals tell a running watch that the network is back.
var onlineSignals = []os.Signal{syscall.SIGUSR1}

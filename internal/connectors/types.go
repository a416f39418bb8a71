package connectors

import (
	"fmt"
	"time"
)

// ConnectionState describes the connection manager lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateDiscovering  ConnectionState = "discovering"
	ConnectionStateOpen         ConnectionState = "open"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// Close codes used by the reconnect policy (RFC 6455 section 7.4.1).
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseAbnormal       = 1006
	CloseInternalError  = 1011
	CloseServiceRestart = 1012
)

// DefaultRetryCloseCodes lists the closure codes treated as server-side failures.
var DefaultRetryCloseCodes = []int{CloseAbnormal, CloseInternalError, CloseServiceRestart}

// CloseReason describes why the socket went away.
type CloseReason struct {
	Code int
	Text string
	Err  error
}

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("code %d", r.Code)
	}

	return fmt.Sprintf("code %d: %s", r.Code, r.Text)
}

// Normal reports an intentional closure by either side.
func (r CloseReason) Normal() bool {
	return r.Code == CloseNormal || r.Code == CloseGoingAway
}

// Abnormal reports a closure without a close frame or with a server failure code.
func (r CloseReason) Abnormal() bool {
	return !r.Normal()
}

// ConnectionStatus is a bus event snapshot of the current connection status.
type ConnectionStatus struct {
	State     ConnectionState
	Target    string
	Err       string
	CloseCode int
	Timestamp time.Time
}

// MalformedFrame carries diagnostics for an inbound frame the router dropped.
type MalformedFrame struct {
	Reason string
	Len    int
}

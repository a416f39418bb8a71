package transport

import (
	"context"
	"errors"

	"github.com/JQIamo/temperature-control-app/internal/connectors"
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("transport is closed")

// Conn is one established socket. ReadFrame blocks until a whole frame arrives
// or the socket goes away; the returned error then carries the close reason.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets to a resolved address.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, addr string) (Conn, error)
}

// CloseError reports the end of a socket.
type CloseError struct {
	Reason connectors.CloseReason
}

func (e *CloseError) Error() string {
	return "socket closed: " + e.Reason.String()
}

func (e *CloseError) Unwrap() error {
	return e.Reason.Err
}

// CloseReasonOf extracts the close reason from a ReadFrame error. Errors that
// carry no close frame are reported as an abnormal closure (1006).
func CloseReasonOf(err error) connectors.CloseReason {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Reason
	}

	return connectors.CloseReason{Code: connectors.CloseAbnormal, Err: err}
}

package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/discovery"
	"github.com/JQIamo/temperature-control-app/internal/transport"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	url   string
	err   error
}

func (r *fakeResolver) Resolve(context.Context) (discovery.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.err != nil {
		return discovery.Endpoint{}, r.err
	}

	return discovery.Endpoint{URL: r.url, Fresh: true}, nil
}

func (r *fakeResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls
}

type fakeConn struct {
	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	reason    connectors.CloseReason
	closed    bool
	closeCode int
	written   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()

		return nil, &transport.CloseError{Reason: c.reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.written = append(c.written, payload)

	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	if c.reason.Code == 0 {
		c.reason = connectors.CloseReason{Code: code}
	}
	close(c.done)

	return nil
}

// remoteClose simulates the server ending the socket with code.
func (c *fakeConn) remoteClose(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = connectors.CloseReason{Code: code}
	close(c.done)
}

func (c *fakeConn) localCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeCode
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	addrs []string
	conns []*fakeConn
	errs  []error
}

func (d *fakeDialer) Name() string {
	return "fake"
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.addrs = append(d.addrs, addr)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)

	return conn, nil
}

func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.addrs)
}

func (d *fakeDialer) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatalf("no connection dialed")
	}

	return d.conns[len(d.conns)-1]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true

	return was
}

// fakeScheduler records scheduled calls; tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, timer)

	return timer
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

func (s *fakeScheduler) timer(t *testing.T, i int) *fakeTimer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.timers) {
		t.Fatalf("expected timer #%d, have %d", i, len(s.timers))
	}

	return s.timers[i]
}

// fire runs timer i synchronously, as time.AfterFunc would on expiry.
func (s *fakeScheduler) fire(t *testing.T, i int) {
	t.Helper()
	timer := s.timer(t, i)
	timer.fn()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDialRefused = errors.New("connection refused")

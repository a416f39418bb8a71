package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/JQIamo/temperature-control-app/internal/connectors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 4 << 20
)

// WebSocketDialer opens text-frame WebSocket connections.
type WebSocketDialer struct {
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadLimit:        defaultReadLimit,
	}
}

func (d *WebSocketDialer) Name() string {
	return "websocket"
}

func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	logger := connLogger("websocket", addr)

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("connecting")
	conn, resp, err := websocket.Dial(dialCtx, addr, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	logger.Info("connected")

	return &wsConn{conn: conn, target: addr}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	target string

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		reason := connectors.CloseReason{Code: int(websocket.CloseStatus(err)), Err: err}
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			reason.Text = ce.Reason
		}
		if reason.Code < 0 {
			reason.Code = connectors.CloseAbnormal
		}
		connLogger("websocket", c.target).Debug("read frame failed", "code", reason.Code, "error", err)

		return nil, &CloseError{Reason: reason}
	}

	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		connLogger("websocket", c.target).Warn("write frame failed", "len", len(payload), "error", err)

		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil {
		connLogger("websocket", c.target).Debug("close failed", "code", code, "error", err)

		return err
	}

	return nil
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

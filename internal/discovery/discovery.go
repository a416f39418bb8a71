// Package discovery resolves the socket address the control server wants
// clients to connect to.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultPath    = "websocket"
)

var (
	// ErrTimeout is returned when no reply arrived within the resolver timeout.
	ErrTimeout = errors.New("discovery timed out")
	// ErrNoEndpoint is returned when the reply carries no socket address.
	ErrNoEndpoint = errors.New("discovery reply has no socket address")
)

// TransportError wraps DNS, connection and non-2xx failures.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("discovery transport: unexpected status %d: %v", e.StatusCode, e.Err)
	}

	return fmt.Sprintf("discovery transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Endpoint is a resolved socket address. Fresh is true for a reply obtained by
// the call that returned it.
type Endpoint struct {
	URL   string
	Fresh bool
}

// Resolver issues the discovery request.
type Resolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// Config customizes the HTTP resolver.
type Config struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

// HTTPResolver fetches `{"websocket_addr": "..."}` from a well-known path.
type HTTPResolver struct {
	endpoint  string
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

type reply struct {
	WebsocketAddr string `json:"websocket_addr"`
}

type result struct {
	endpoint Endpoint
	err      error
}

func NewHTTPResolver(cfg Config) (*HTTPResolver, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse discovery base url: %w", err)
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse discovery path: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "discovery")
	}

	return &HTTPResolver{
		endpoint:  base.ResolveReference(ref).String(),
		timeout:   timeout,
		client:    client,
		logger:    logger,
		userAgent: cfg.UserAgent,
	}, nil
}

// Endpoint is the URL the discovery request goes to.
func (r *HTTPResolver) Endpoint() string {
	return r.endpoint
}

// Resolve performs one discovery exchange bounded by the resolver timeout.
// Whichever of reply and timeout comes first wins; the loser is discarded.
func (r *HTTPResolver) Resolve(ctx context.Context) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var settled atomic.Bool
	results := make(chan result, 1)
	go func() {
		ep, err := r.fetch(ctx)
		if !settled.CompareAndSwap(false, true) {
			r.logger.Debug("discarding late discovery reply", "endpoint", r.endpoint, "error", err)

			return
		}
		results <- result{endpoint: ep, err: err}
	}()

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		if settled.CompareAndSwap(false, true) {
			res = result{err: ctx.Err()}
		} else {
			res = <-results
		}
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("discovery timed out", "endpoint", r.endpoint, "timeout", r.timeout)

		return Endpoint{}, ErrTimeout
	}

	return res.endpoint, res.err
}

func (r *HTTPResolver) fetch(ctx context.Context) (Endpoint, error) {
	r.logger.Debug("requesting socket address", "endpoint", r.endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return Endpoint{}, &TransportError{Err: fmt.Errorf("create discovery request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Endpoint{}, &TransportError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return Endpoint{}, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	var payload reply
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Endpoint{}, &TransportError{Err: fmt.Errorf("decode discovery reply: %w", err)}
	}
	addr := strings.TrimSpace(payload.WebsocketAddr)
	if addr == "" {
		return Endpoint{}, ErrNoEndpoint
	}
	r.logger.Info("resolved socket address", "addr", addr)

	return Endpoint{URL: addr, Fresh: true}, nil
}

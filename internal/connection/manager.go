// Package connection owns the socket lifecycle: discovery, handshake, loss
// detection and the reconnect schedule.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/discovery"
	"github.com/JQIamo/temperature-control-app/internal/metrics"
	"github.com/JQIamo/temperature-control-app/internal/transport"
)

var (
	// ErrNotOpen is returned by Send when the frame was dropped.
	ErrNotOpen = errors.New("connection is not open")
	// ErrClosed is returned by EstablishConnection when CloseConnection won the race.
	ErrClosed = errors.New("connection closed while establishing")
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	Resolver     discovery.Resolver
	Dialer       transport.Dialer
	Policy       *ReconnectPolicy
	Bus          bus.MessageBus
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	WriteTimeout time.Duration
	Scheduler    Scheduler
}

// Manager is the single owner of the connection state. Lifecycle listeners and
// the frame handler run outside the internal lock; inbound frames are handed to
// the frame handler in arrival order from one reader goroutine.
type Manager struct {
	resolver     discovery.Resolver
	dialer       transport.Dialer
	policy       *ReconnectPolicy
	bus          bus.MessageBus
	metrics      *metrics.Metrics
	logger       *slog.Logger
	writeTimeout time.Duration
	scheduler    Scheduler

	mu         sync.Mutex
	state      connectors.ConnectionState
	conn       transport.Conn
	stopRead   context.CancelFunc
	dialCancel context.CancelFunc
	timer      Timer
	addr       string
	generation uint64
	// lost is set while the socket is down for reasons other than CloseConnection.
	lost    bool
	dialing bool

	onEstablished []func()
	onLost        []func(connectors.CloseReason)
	frameHandler  func([]byte)
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Policy == nil {
		opts.Policy = NewReconnectPolicy(config.Default().Connection)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "connection")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clockScheduler{}
	}

	return &Manager{
		resolver:     opts.Resolver,
		dialer:       opts.Dialer,
		policy:       opts.Policy,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		scheduler:    opts.Scheduler,
		state:        connectors.ConnectionStateDisconnected,
	}, nil
}

// OnEstablished registers a listener fired after every successful handshake,
// the first one and every reconnect.
func (m *Manager) OnEstablished(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onEstablished = append(m.onEstablished, fn)
}

// OnLost registers a listener fired once per unintentional socket loss.
func (m *Manager) OnLost(fn func(connectors.CloseReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onLost = append(m.onLost, fn)
}

// SetFrameHandler installs the consumer of inbound frames.
func (m *Manager) SetFrameHandler(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameHandler = fn
}

func (m *Manager) State() connectors.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Target returns the last resolved socket address.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addr
}

// EstablishConnection discovers the endpoint and opens the socket. It is a
// no-op unless the manager is Disconnected. Discovery or handshake failures
// leave the manager Disconnected and are not retried automatically.
func (m *Manager) EstablishConnection(ctx context.Context) error {
	m.mu.Lock()
	if m.state != connectors.ConnectionStateDisconnected {
		m.mu.Unlock()

		return nil
	}
	m.generation++
	gen := m.generation
	m.lost = false
	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	status := m.transitionLocked(connectors.ConnectionStateDiscovering, connectors.CloseReason{})
	m.mu.Unlock()
	defer cancel()
	m.publish(status)

	endpoint, err := m.resolver.Resolve(dialCtx)
	if err != nil {
		m.metrics.DiscoveryFailed()

		return m.abortEstablish(gen, fmt.Errorf("discover endpoint: %w", err))
	}

	conn, err := m.dialer.Dial(dialCtx, endpoint.URL)
	if err != nil {
		return m.abortEstablish(gen, fmt.Errorf("open socket: %w", err))
	}

	m.mu.Lock()
	if gen != m.generation || m.state != connectors.ConnectionStateDiscovering {
		m.mu.Unlock()
		_ = conn.Close(connectors.CloseNormal, "")

		return ErrClosed
	}
	m.dialCancel = nil
	m.addr = endpoint.URL
	m.policy.Reset()
	opened := m.openLocked(conn)
	m.mu.Unlock()

	m.afterOpen(conn, gen, opened)

	return nil
}

func (m *Manager) abortEstablish(gen uint64, err error) error {
	m.mu.Lock()
	if gen != m.generation || m.state != connectors.ConnectionStateDiscovering {
		m.mu.Unlock()

		return err
	}
	m.dialCancel = nil
	status := m.transitionLocked(connectors.ConnectionStateDisconnected, connectors.CloseReason{Err: err})
	m.mu.Unlock()

	m.logger.Warn("establish connection failed", "error", err)
	m.publish(status)

	return err
}

// CloseConnection shuts the socket down intentionally. No lost listener fires
// and no reconnect is scheduled.
func (m *Manager) CloseConnection() error {
	m.mu.Lock()
	m.generation++
	m.lost = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	conn := m.conn
	stopRead := m.stopRead
	m.conn = nil
	m.stopRead = nil
	var status *connectors.ConnectionStatus
	if m.state != connectors.ConnectionStateDisconnected {
		st := m.transitionLocked(connectors.ConnectionStateDisconnected, connectors.CloseReason{Code: connectors.CloseNormal})
		status = &st
	}
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(connectors.CloseNormal, "client closing")
	}
	if stopRead != nil {
		stopRead()
	}
	if status != nil {
		m.logger.Info("connection closed")
		m.publish(*status)
	}

	return err
}

// Send writes one frame. When the socket is not Open the frame is dropped and
// ErrNotOpen returned; nothing is queued for later.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == connectors.ConnectionStateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.metrics.SendDropped()
		m.logger.Debug("send dropped", "len", len(frame))

		return ErrNotOpen
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := conn.WriteFrame(writeCtx, frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	m.metrics.FrameSent()

	return nil
}

// NotifyOnline signals that the network came back. A socket lost without
// CloseConnection is redialed immediately, whatever its close code was. It
// reports whether an attempt was scheduled.
func (m *Manager) NotifyOnline() bool {
	m.mu.Lock()
	if !m.lost || m.dialing || m.addr == "" {
		m.mu.Unlock()

		return false
	}
	if m.state != connectors.ConnectionStateReconnecting && m.state != connectors.ConnectionStateDisconnected {
		m.mu.Unlock()

		return false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	gen := m.generation
	var status *connectors.ConnectionStatus
	if m.state == connectors.ConnectionStateDisconnected {
		st := m.transitionLocked(connectors.ConnectionStateReconnecting, connectors.CloseReason{})
		status = &st
	}
	m.timer = m.scheduler.AfterFunc(0, func() { m.redial(gen) })
	m.mu.Unlock()

	m.logger.Info("network online, reconnecting now")
	if status != nil {
		m.publish(*status)
	}

	return true
}

type openResult struct {
	status    connectors.ConnectionStatus
	listeners []func()
	readCtx   context.Context
}

func (m *Manager) openLocked(conn transport.Conn) openResult {
	readCtx, stopRead := context.WithCancel(context.Background())
	m.conn = conn
	m.stopRead = stopRead
	m.lost = false

	return openResult{
		status:    m.transitionLocked(connectors.ConnectionStateOpen, connectors.CloseReason{}),
		listeners: slices.Clone(m.onEstablished),
		readCtx:   readCtx,
	}
}

func (m *Manager) afterOpen(conn transport.Conn, gen uint64, opened openResult) {
	m.logger.Info("connection established", "target", opened.status.Target, "transport", m.dialer.Name())
	m.publish(opened.status)
	for _, fn := range opened.listeners {
		fn()
	}

	go m.readLoop(opened.readCtx, conn, gen)
}

func (m *Manager) readLoop(ctx context.Context, conn transport.Conn, gen uint64) {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			m.handleLoss(gen, conn, transport.CloseReasonOf(err))

			return
		}
		m.metrics.FrameReceived()

		m.mu.Lock()
		handler := m.frameHandler
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (m *Manager) handleLoss(gen uint64, conn transport.Conn, reason connectors.CloseReason) {
	m.mu.Lock()
	if gen != m.generation || m.conn != conn {
		m.mu.Unlock()

		return
	}
	stopRead := m.stopRead
	m.conn = nil
	m.stopRead = nil
	m.lost = true
	status := m.transitionLocked(connectors.ConnectionStateReconnecting, reason)
	listeners := slices.Clone(m.onLost)
	m.mu.Unlock()

	_ = conn.Close(connectors.CloseGoingAway, "")
	if stopRead != nil {
		stopRead()
	}

	m.logger.Warn("connection lost", "reason", reason.String(), "error", reason.Err)
	m.publish(status)
	for _, fn := range listeners {
		fn(reason)
	}

	m.scheduleReconnect(gen, reason)
}

func (m *Manager) scheduleReconnect(gen uint64, reason connectors.CloseReason) {
	m.mu.Lock()
	if gen != m.generation || m.state != connectors.ConnectionStateReconnecting {
		m.mu.Unlock()

		return
	}
	delay, retry := m.policy.Next(reason)
	if !retry {
		status := m.transitionLocked(connectors.ConnectionStateDisconnected, reason)
		m.mu.Unlock()

		m.logger.Info("not reconnecting", "code", reason.Code)
		m.publish(status)

		return
	}
	m.timer = m.scheduler.AfterFunc(delay, func() { m.redial(gen) })
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "delay", delay, "code", reason.Code)
}

// redial reuses the last resolved address; discovery is not repeated.
func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != connectors.ConnectionStateReconnecting || m.dialing {
		m.mu.Unlock()

		return
	}
	m.timer = nil
	m.dialing = true
	addr := m.addr
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.metrics.ReconnectAttempt()
	m.logger.Info("reconnecting", "target", addr)
	conn, err := m.dialer.Dial(ctx, addr)

	m.mu.Lock()
	m.dialing = false
	m.dialCancel = nil
	if gen != m.generation || m.state != connectors.ConnectionStateReconnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(connectors.CloseNormal, "")
		}

		return
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("reconnect failed", "error", err)
		m.scheduleReconnect(gen, connectors.CloseReason{Code: connectors.CloseAbnormal, Err: err})

		return
	}
	m.policy.Reset()
	opened := m.openLocked(conn)
	m.mu.Unlock()

	m.afterOpen(conn, gen, opened)
}

func (m *Manager) transitionLocked(state connectors.ConnectionState, reason connectors.CloseReason) connectors.ConnectionStatus {
	m.state = state
	status := connectors.ConnectionStatus{
		State:     state,
		Target:    m.addr,
		CloseCode: reason.Code,
		Timestamp: time.Now(),
	}
	if reason.Err != nil {
		status.Err = reason.Err.Error()
	}

	return status
}

func (m *Manager) publish(status connectors.ConnectionStatus) {
	m.metrics.SetConnectionState(status.State)
	m.logger.Debug("connection state changed", "state", status.State, "target", status.Target)
	if m.bus != nil {
		m.bus.Publish(connectors.TopicConnStatus, status)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/connection"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
	"github.com/JQIamo/temperature-control-app/internal/router"
	"github.com/JQIamo/temperature-control-app/internal/timeseries"
)

// CommandResult is the decoded outcome of a control command.
type CommandResult struct {
	Kind string
	// Name is the program name assigned by the server for run_program.
	Name string
	Err  error
}

type readiness uint8

const (
	readyStatus readiness = 1 << iota
	readyHistory
	readyActions
	readyPrograms
	readyCurrent

	readyAll = readyStatus | readyHistory | readyActions | readyPrograms | readyCurrent
)

type ClientOptions struct {
	Manager *connection.Manager
	Router  *router.Router
	Buffer  *timeseries.Buffer
	Bus     bus.MessageBus
	Logger  *slog.Logger
	Now     func() time.Time
}

// Client drives the control-server session: it re-subscribes and re-requests
// everything after each handshake and feeds telemetry into the buffer.
type Client struct {
	manager *connection.Manager
	router  *router.Router
	buffer  *timeseries.Buffer
	bus     bus.MessageBus
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	status   domain.StatusReport
	hasState bool
	actions  map[string]domain.ActionDefinition
	programs []domain.ProgramSummary
	current  []string

	ready     readiness
	readyCh   chan struct{}
	readyOnce sync.Once
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Manager == nil || opts.Router == nil || opts.Buffer == nil {
		return nil, errors.New("client needs a connection manager, router and buffer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "client")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		manager: opts.Manager,
		router:  opts.Router,
		buffer:  opts.Buffer,
		bus:     opts.Bus,
		logger:  opts.Logger,
		now:     opts.Now,
		readyCh: make(chan struct{}),
	}
	c.manager.SetFrameHandler(c.router.Dispatch)
	c.manager.OnEstablished(c.onEstablished)
	c.manager.OnLost(c.onLost)

	return c, nil
}

// Start discovers the server and opens the session.
func (c *Client) Start(ctx context.Context) error {
	return c.manager.EstablishConnection(ctx)
}

// Close ends the session without reconnecting.
func (c *Client) Close() error {
	return c.manager.CloseConnection()
}

// NotifyOnline forwards a network-online signal to the connection manager.
func (c *Client) NotifyOnline() bool {
	return c.manager.NotifyOnline()
}

func (c *Client) State() connectors.ConnectionState {
	return c.manager.State()
}

func (c *Client) Buffer() *timeseries.Buffer {
	return c.buffer
}

// Ready is closed once the first status, history and control info responses
// have arrived.
func (c *Client) Ready() <-chan struct{} {
	return c.readyCh
}

// WaitReady blocks until Ready or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initial data: %w", ctx.Err())
	}
}

func (c *Client) LatestStatus() (domain.StatusReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.status, c.hasState
}

func (c *Client) Actions() map[string]domain.ActionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.ActionDefinition, len(c.actions))
	for name, action := range c.actions {
		out[name] = action
	}

	return out
}

func (c *Client) Programs() []domain.ProgramSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]domain.ProgramSummary(nil), c.programs...)
}

func (c *Client) CurrentPrograms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]string(nil), c.current...)
}

func (c *Client) RunPredefinedProgram(ctx context.Context, name string) <-chan CommandResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return failed(domain.KindRunPredefinedProgram, errors.New("program name is required"))
	}

	return c.command(ctx, domain.KindRunPredefinedProgram, map[string]string{"program": name})
}

func (c *Client) AbortProgram(ctx context.Context, name string) <-chan CommandResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return failed(domain.KindAbortProgram, errors.New("program name is required"))
	}

	return c.command(ctx, domain.KindAbortProgram, map[string]string{"program": name})
}

// RunProgram submits an ad-hoc program. The server names it when Name is empty.
func (c *Client) RunProgram(ctx context.Context, program domain.Program) <-chan CommandResult {
	if err := program.Validate(); err != nil {
		return failed(domain.KindRunProgram, err)
	}

	return c.command(ctx, domain.KindRunProgram, program)
}

func (c *Client) StandbyDevice(ctx context.Context, device string) <-chan CommandResult {
	device = strings.TrimSpace(device)
	if device == "" {
		return failed(domain.KindStandbyDevice, errors.New("device name is required"))
	}

	return c.command(ctx, domain.KindStandbyDevice, map[string]string{"device": device})
}

// Await waits for a command result or ctx.
func Await(ctx context.Context, results <-chan CommandResult) (CommandResult, error) {
	select {
	case res := <-results:
		return res, res.Err
	case <-ctx.Done():
		return CommandResult{}, fmt.Errorf("waiting for command result: %w", ctx.Err())
	}
}

// command sends one request. Without request ids a newer command of the same
// kind replaces this one's handler and its channel never delivers; callers
// should wait with a deadline.
func (c *Client) command(ctx context.Context, kind string, payload any) <-chan CommandResult {
	resCh := make(chan CommandResult, 1)
	var once sync.Once
	deliver := func(res CommandResult) {
		once.Do(func() {
			resCh <- res
			close(resCh)
			if c.bus != nil {
				c.bus.Publish(connectors.TopicCommandResult, res)
			}
		})
	}

	err := c.router.Request(ctx, kind, payload, func(msg router.Message) {
		var reply domain.RunProgramResult
		if err := msg.Decode(&reply); err != nil {
			deliver(CommandResult{Kind: kind, Err: err})

			return
		}
		deliver(CommandResult{Kind: kind, Name: reply.Name, Err: reply.Err(kind)})
	})
	if err != nil {
		deliver(CommandResult{Kind: kind, Err: fmt.Errorf("send %s: %w", kind, err)})
	}

	return resCh
}

func failed(kind string, err error) <-chan CommandResult {
	resCh := make(chan CommandResult, 1)
	resCh <- CommandResult{Kind: kind, Err: err}
	close(resCh)

	return resCh
}

func (c *Client) onEstablished() {
	ctx := context.Background()
	c.logger.Info("session established, requesting state", "target", c.manager.Target())

	c.subscribe(ctx, domain.KindStatusAvailable, c.handleStatusEvent)
	c.subscribe(ctx, domain.KindControlChanged, c.handleControlChanged)
	c.requestControlInfo(ctx)
	c.requestInfo(ctx)
}

func (c *Client) onLost(reason connectors.CloseReason) {
	c.logger.Warn("session lost", "reason", reason.String())
}

func (c *Client) subscribe(ctx context.Context, kind string, handler router.Handler) {
	if err := c.router.Subscribe(ctx, kind, handler); err != nil {
		c.logger.Debug("subscribe not sent", "kind", kind, "error", err)
	}
}

func (c *Client) request(ctx context.Context, kind string, handler router.Handler) {
	if err := c.router.Request(ctx, kind, nil, handler); err != nil {
		c.logger.Debug("request not sent", "kind", kind, "error", err)
	}
}

func (c *Client) requestInfo(ctx context.Context) {
	c.request(ctx, domain.KindRequestStatus, c.handleStatusResponse)
	c.request(ctx, domain.KindFetchHistory, c.handleHistoryResponse)
}

func (c *Client) requestControlInfo(ctx context.Context) {
	c.request(ctx, domain.KindListActions, c.handleActions)
	c.request(ctx, domain.KindListPrograms, c.handlePrograms)
	c.request(ctx, domain.KindCurrentPrograms, c.handleCurrentPrograms)
}

// decodeReply decodes a response and checks its outcome, logging failures.
func (c *Client) decodeReply(msg router.Message, v interface{ Err(string) error }) bool {
	if err := msg.Decode(v); err != nil {
		c.logger.Warn("undecodable response", "kind", msg.Kind, "error", err)

		return false
	}
	if err := v.Err(msg.Kind); err != nil {
		c.logger.Warn("server returned an error", "kind", msg.Kind, "error", err)

		return false
	}

	return true
}

func (c *Client) handleStatusResponse(msg router.Message) {
	// Failed responses count too; readiness means "answered".
	defer c.markReady(readyStatus)

	var report domain.StatusReport
	if !c.decodeReply(msg, &report) {
		return
	}
	report.ReceivedAt = c.now()

	// The response repeats the server's cached reading; only track the series.
	c.buffer.InitSeries(report.DeviceNames()...)
	c.setStatus(report)
}

func (c *Client) handleStatusEvent(msg router.Message) {
	var report domain.StatusReport
	if err := msg.Decode(&report); err != nil {
		c.logger.Warn("undecodable status event", "error", err)

		return
	}
	report.ReceivedAt = c.now()

	c.buffer.AppendSamples(report.ReceivedAt, report.Temperatures())
	c.setStatus(report)
}

func (c *Client) setStatus(report domain.StatusReport) {
	c.mu.Lock()
	c.status = report
	c.hasState = true
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(connectors.TopicDeviceStatus, report)
	}
}

func (c *Client) handleHistoryResponse(msg router.Message) {
	defer c.markReady(readyHistory)

	var dump domain.HistoryDump
	if !c.decodeReply(msg, &dump) {
		return
	}

	history := make(map[string]timeseries.Series, len(dump.Data))
	for device, data := range dump.Data {
		history[device] = timeseries.Series{Times: data.Timestamps(), Values: data.Temperature}
	}
	if err := c.buffer.SetHistory(history); err != nil {
		c.logger.Warn("skipping inconsistent history series", "error", err)
	}
	if c.bus != nil {
		c.bus.Publish(connectors.TopicHistory, dump)
	}
}

func (c *Client) handleControlChanged(router.Message) {
	if c.bus != nil {
		c.bus.Publish(connectors.TopicControlChanged, domain.ControlChanged{At: c.now()})
	}
	c.requestControlInfo(context.Background())
}

func (c *Client) handleActions(msg router.Message) {
	defer c.markReady(readyActions)

	var list domain.ActionList
	if !c.decodeReply(msg, &list) {
		return
	}

	c.mu.Lock()
	c.actions = list.Actions
	c.mu.Unlock()
}

func (c *Client) handlePrograms(msg router.Message) {
	defer c.markReady(readyPrograms)

	var list domain.ProgramList
	if !c.decodeReply(msg, &list) {
		return
	}

	c.mu.Lock()
	c.programs = list.Programs
	c.mu.Unlock()
}

func (c *Client) handleCurrentPrograms(msg router.Message) {
	defer c.markReady(readyCurrent)

	var current domain.CurrentPrograms
	if !c.decodeReply(msg, &current) {
		return
	}

	c.mu.Lock()
	c.current = current.CurrentPrograms
	c.mu.Unlock()
}

func (c *Client) markReady(flag readiness) {
	c.mu.Lock()
	c.ready |= flag
	done := c.ready == readyAll
	c.mu.Unlock()

	if done {
		c.readyOnce.Do(func() { close(c.readyCh) })
	}
}

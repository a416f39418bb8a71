// Package router multiplexes one socket into durable event subscriptions and
// one-shot request/response exchanges.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/metrics"
)

// Handler receives a decoded frame. Interpreting the outcome field inside the
// payload is the handler's job.
type Handler func(Message)

// Sender writes one outbound frame.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

type Options struct {
	Sender  Sender
	Bus     bus.MessageBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// RequestIDs tags every request with a generated id so same-kind requests
	// can be outstanding together.
	RequestIDs bool
	NewID      func() string
}

type pendingRequest struct {
	id      string
	handler Handler
}

// Router correlates responses with requests by kind. Without request ids at
// most one request per kind is outstanding: a second request of the same kind
// silently replaces the first handler, which is then never called.
type Router struct {
	sender     Sender
	bus        bus.MessageBus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	requestIDs bool
	newID      func() string

	mu            sync.Mutex
	subscriptions map[string]Handler
	pending       map[string][]pendingRequest
}

func New(opts Options) (*Router, error) {
	if opts.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "router")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Router{
		sender:        opts.Sender,
		bus:           opts.Bus,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		requestIDs:    opts.RequestIDs,
		newID:         opts.NewID,
		subscriptions: make(map[string]Handler),
		pending:       make(map[string][]pendingRequest),
	}, nil
}

// Subscribe records a durable handler for kind, replacing any previous one,
// and asks the server to push that event. Subscriptions are not replayed after
// a reconnect.
func (r *Router) Subscribe(ctx context.Context, kind string, handler Handler) error {
	if kind == "" || handler == nil {
		return errors.New("subscribe: kind and handler are required")
	}

	r.mu.Lock()
	_, replaced := r.subscriptions[kind]
	r.subscriptions[kind] = handler
	r.mu.Unlock()
	if replaced {
		r.logger.Debug("subscription replaced", "kind", kind)
	}

	frame, err := EncodeFrame(KindSubscribe, map[string]string{SubscribeToField: kind})
	if err != nil {
		return err
	}

	return r.sender.Send(ctx, frame)
}

// Request records a one-shot handler for kind and sends kind merged with
// payload.
func (r *Router) Request(ctx context.Context, kind string, payload any, handler Handler) error {
	if kind == "" || handler == nil {
		return errors.New("request: kind and handler are required")
	}

	var id string
	if r.requestIDs {
		id = r.newID()
	}
	frame, err := encodeFrame(kind, id, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	replaced := false
	if r.requestIDs {
		r.pending[kind] = append(r.pending[kind], pendingRequest{id: id, handler: handler})
	} else {
		replaced = len(r.pending[kind]) > 0
		r.pending[kind] = []pendingRequest{{handler: handler}}
	}
	r.mu.Unlock()
	if replaced {
		r.logger.Warn("pending request replaced by a newer one of the same kind", "kind", kind)
		r.metrics.PendingReplaced(kind)
	}

	if err := r.sender.Send(ctx, frame); err != nil {
		// A tagged request that never left would otherwise absorb the next
		// untagged response of its kind.
		if r.requestIDs {
			r.dropPending(kind, id)
		}

		return err
	}

	return nil
}

// Dispatch routes one inbound frame. A matching pending request is consumed
// first; a matching subscription fires independently. Malformed frames are
// reported and dropped.
func (r *Router) Dispatch(data []byte) {
	msg, err := DecodeFrame(data)
	if err != nil {
		r.logger.Warn("dropping inbound frame", "error", err, "len", len(data))
		r.metrics.MalformedFrame()
		if r.bus != nil {
			r.bus.Publish(connectors.TopicMalformedFrame, connectors.MalformedFrame{Reason: err.Error(), Len: len(data)})
		}

		return
	}

	r.mu.Lock()
	pending := r.takePendingLocked(msg)
	subscription := r.subscriptions[msg.Kind]
	r.mu.Unlock()

	if pending == nil && subscription == nil {
		r.logger.Debug("no handler for frame", "kind", msg.Kind)

		return
	}
	if pending != nil {
		pending(msg)
	}
	if subscription != nil {
		subscription(msg)
	}
}

// Pending returns the number of outstanding requests of kind.
func (r *Router) Pending(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending[kind])
}

func (r *Router) takePendingLocked(msg Message) Handler {
	queue := r.pending[msg.Kind]
	if len(queue) == 0 {
		return nil
	}

	idx := 0
	if msg.RequestID != "" && r.requestIDs {
		idx = -1
		for i, p := range queue {
			if p.id == msg.RequestID {
				idx = i

				break
			}
		}
		if idx < 0 {
			return nil
		}
	}

	handler := queue[idx].handler
	queue = append(queue[:idx:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(r.pending, msg.Kind)
	} else {
		r.pending[msg.Kind] = queue
	}

	return handler
}

func (r *Router) dropPending(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[kind]
	for i, p := range queue {
		if p.id == id {
			queue = append(queue[:i:i], queue[i+1:]...)

			break
		}
	}
	if len(queue) == 0 {
		delete(r.pending, kind)
	} else {
		r.pending[kind] = queue
	}
}

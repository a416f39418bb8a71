package bus

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/cskr/pubsub"
)

const defaultCapacity = 128

type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus fans telemetry and lifecycle events out to in-process consumers.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	return NewWithCapacity(logger, defaultCapacity)
}

func NewWithCapacity(logger *slog.Logger, capacity int) *PubSubBus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}

	return &PubSubBus{
		ps:     pubsub.New(capacity),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)

	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")

		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

// Consume subscribes to topics and hands every message to handle on a
// dedicated goroutine until ctx ends or the bus shuts down. Messages keep
// their publish order across all the given topics.
func Consume(ctx context.Context, b MessageBus, handle func(msg any), topics ...string) {
	sub := b.Subscribe(topics...)
	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(sub, topics...)

				return
			case msg, ok := <-sub:
				if !ok {
					// Shut down: the subscription is already gone.
					return
				}
				handle(msg)
			}
		}
	}()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}

	return reflect.TypeOf(v).String()
}

package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestPubSubBus_DeliversToEverySubscribedTopic(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	sub := b.Subscribe("a", "b")
	defer b.Unsubscribe(sub)

	b.Publish("a", 1)
	b.Publish("b", "two")
	b.Publish("c", 3.0)

	got := make([]any, 0, 2)
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-sub:
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("expected two messages, got %v", got)
		}
	}
	if got[0] != 1 || got[1] != "two" {
		t.Fatalf("unexpected delivery order: %v", got)
	}

	select {
	case msg := <-sub:
		t.Fatalf("unexpected message from unsubscribed topic: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPayloadType(t *testing.T) {
	if got := payloadType(nil); got != "<nil>" {
		t.Fatalf("expected <nil>, got %q", got)
	}
	if got := payloadType(struct{}{}); got != "struct {}" {
		t.Fatalf("expected struct {}, got %q", got)
	}
}

func TestConsume_OrderedAcrossTopicsAndStopsWithContext(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan any, 8)
	Consume(ctx, b, func(msg any) { got <- msg }, "conn", "telemetry")

	b.Publish("telemetry", 1)
	b.Publish("conn", 2)
	b.Publish("telemetry", 3)

	for _, want := range []any{1, 2, 3} {
		select {
		case msg := <-got:
			if msg != want {
				t.Fatalf("expected %v, got %v", want, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	b.Publish("conn", 4)
	select {
	case msg := <-got:
		t.Fatalf("unexpected message after cancel: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

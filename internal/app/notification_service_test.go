package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
	"github.com/JQIamo/temperature-control-app/internal/notifications"
)

func enabledNotificationConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Notifications.Enabled = true

	return cfg
}

func TestNotificationServiceConnectionLostAndRestored(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	target := "ws://lab:8000/ws"
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateOpen, Target: target})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateReconnecting, Target: target, CloseCode: 1012})
	// A failed redial must not notify a second time.
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateReconnecting, Target: target, CloseCode: 1006})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateOpen, Target: target})

	got := sender.waitForCount(t, 2)
	if got[0].Title != notificationTitleLost {
		t.Fatalf("expected lost title, got %q", got[0].Title)
	}
	if got[0].Content != "ws://lab:8000/ws (close code 1012)" {
		t.Fatalf("unexpected lost content %q", got[0].Content)
	}
	if got[1].Title != notificationTitleRestored {
		t.Fatalf("expected restored title, got %q", got[1].Title)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(sender.snapshot()); n != 2 {
		t.Fatalf("expected exactly 2 notifications, got %d", n)
	}
}

func TestNotificationServiceIgnoresInitialOpen(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateDiscovering})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateOpen})
	messageBus.Publish(connectors.TopicDeviceStatus, domain.StatusReport{Status: map[string]domain.DeviceStatus{
		"oven": {Name: "oven", ErrorMsg: "sensor unplugged"},
	}})

	got := sender.waitForCount(t, 1)
	if got[0].Title != "oven reports an error" {
		t.Fatalf("expected only the device error, got %+v", got)
	}
}

func TestNotificationServiceDeviceErrorTransitions(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	report := func(errText string) domain.StatusReport {
		return domain.StatusReport{Status: map[string]domain.DeviceStatus{
			"oven":  {Name: "oven", ErrorMsg: errText},
			"stage": {Name: "stage"},
		}}
	}
	messageBus.Publish(connectors.TopicDeviceStatus, report("timeout"))
	messageBus.Publish(connectors.TopicDeviceStatus, report("timeout"))
	messageBus.Publish(connectors.TopicDeviceStatus, report(""))
	messageBus.Publish(connectors.TopicDeviceStatus, report("timeout"))

	got := sender.waitForCount(t, 2)
	for _, n := range got {
		if n.Title != "oven reports an error" || n.Content != "timeout" || !n.Urgent {
			t.Fatalf("unexpected notification %+v", n)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.snapshot()); n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}
}

func TestNotificationServiceRespectsPreferences(t *testing.T) {
	messageBus := newTestMessageBus(t)
	var mu sync.Mutex
	cfg := config.Default()
	current := func() config.AppConfig {
		mu.Lock()
		defer mu.Unlock()

		return cfg
	}
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, current, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(connectors.TopicDeviceStatus, domain.StatusReport{Status: map[string]domain.DeviceStatus{
		"oven": {Name: "oven", ErrorMsg: "first"},
	}})
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.snapshot()); n != 0 {
		t.Fatalf("expected no notifications while disabled, got %d", n)
	}

	mu.Lock()
	cfg.Notifications.Enabled = true
	cfg.Notifications.DeviceErrors = false
	mu.Unlock()
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateOpen})
	messageBus.Publish(connectors.TopicDeviceStatus, domain.StatusReport{Status: map[string]domain.DeviceStatus{
		"oven": {Name: "oven", ErrorMsg: "second"},
	}})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{State: connectors.ConnectionStateDisconnected, CloseCode: 1000})

	got := sender.waitForCount(t, 1)
	if got[0].Title != notificationTitleLost {
		t.Fatalf("expected only the connection notification, got %+v", got)
	}
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

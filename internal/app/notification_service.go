package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
	"github.com/JQIamo/temperature-control-app/internal/notifications"
)

const (
	notificationTitleLost     = "Temperature server unreachable"
	notificationTitleRestored = "Temperature server reconnected"
)

// NotificationService listens to bus events and emits desktop notifications
// for lost and restored sessions and for devices entering an error state.
type NotificationService struct {
	bus           bus.MessageBus
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	mu           sync.Mutex
	wasOpen      bool
	lostNotified bool
	deviceErrors map[string]string
}

func NewNotificationService(
	messageBus bus.MessageBus,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
		deviceErrors:  map[string]string{},
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	bus.Consume(ctx, s.bus, func(raw any) {
		switch msg := raw.(type) {
		case connectors.ConnectionStatus:
			s.handleConnectionStatus(msg)
		case domain.StatusReport:
			s.handleStatusReport(msg)
		}
	}, connectors.TopicConnStatus, connectors.TopicDeviceStatus)
}

// handleConnectionStatus notifies once when an open session goes away and
// once when it comes back.
func (s *NotificationService) handleConnectionStatus(status connectors.ConnectionStatus) {
	s.mu.Lock()
	var payload *notifications.Payload
	switch status.State {
	case connectors.ConnectionStateOpen:
		if s.lostNotified {
			payload = &notifications.Payload{
				Title:   notificationTitleRestored,
				Content: connectionDetails(status),
			}
		}
		s.wasOpen = true
		s.lostNotified = false
	case connectors.ConnectionStateReconnecting, connectors.ConnectionStateDisconnected:
		if s.wasOpen && !s.lostNotified {
			payload = &notifications.Payload{
				Title:   notificationTitleLost,
				Content: connectionDetails(status),
			}
			s.lostNotified = true
		}
		s.wasOpen = false
	}
	s.mu.Unlock()

	prefs := s.notificationPrefs()
	if payload == nil || !prefs.Enabled || !prefs.ConnectionStatus {
		return
	}
	s.send(*payload)
}

// handleStatusReport notifies when a device starts reporting an error or its
// error message changes.
func (s *NotificationService) handleStatusReport(report domain.StatusReport) {
	var fresh []notifications.Payload

	s.mu.Lock()
	for _, name := range report.DeviceNames() {
		errText := strings.TrimSpace(report.Status[name].ErrorMsg)
		previous, had := s.deviceErrors[name]
		if errText == "" {
			delete(s.deviceErrors, name)

			continue
		}
		s.deviceErrors[name] = errText
		if had && previous == errText {
			continue
		}
		fresh = append(fresh, notifications.Payload{
			Title:   fmt.Sprintf("%s reports an error", name),
			Content: errText,
			Urgent:  true,
		})
	}
	s.mu.Unlock()

	prefs := s.notificationPrefs()
	if !prefs.Enabled || !prefs.DeviceErrors {
		return
	}
	for _, payload := range fresh {
		s.send(payload)
	}
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
		Urgent:  notification.Urgent,
	})
}

func connectionDetails(status connectors.ConnectionStatus) string {
	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if status.CloseCode != 0 {
		details = fmt.Sprintf("%s (close code %d)", details, status.CloseCode)
	}
	if errText := strings.TrimSpace(status.Err); errText != "" {
		details = fmt.Sprintf("%s: %s", details, errText)
	}

	return details
}

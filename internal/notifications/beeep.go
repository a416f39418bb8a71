package notifications

import (
	"context"
	"log/slog"

	"github.com/gen2brain/beeep"
)

// BeeepSender shows desktop notifications through the OS notification daemon.
type BeeepSender struct {
	logger *slog.Logger
	notify func(title, message string) error
	alert  func(title, message string) error
}

func NewBeeepSender(logger *slog.Logger) *BeeepSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &BeeepSender{
		logger: logger,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		alert: func(title, message string) error {
			return beeep.Alert(title, message, "")
		},
	}
}

func (s *BeeepSender) Send(payload Payload) {
	deliver := s.notify
	if payload.Urgent {
		deliver = s.alert
	}
	if err := deliver(payload.Title, payload.Content); err != nil {
		s.logger.Warn("desktop notification failed", "title", payload.Title, "urgent", payload.Urgent, "error", err)
	}
}

// LogSender writes notifications to the log, for headless hosts.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(payload Payload) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if payload.Urgent {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "notification", "title", payload.Title, "content", payload.Content)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
	"github.com/JQIamo/temperature-control-app/internal/persistence"
)

type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)

	return len(p), nil
}

func TestPrintEventsReleasesSubscription(t *testing.T) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()

	topics := []string{connectors.TopicControlChanged}
	sub := b.Subscribe(topics...)
	out := make(lineWriter, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- printEvents(ctx, b, sub, out, topics...) }()

	b.Publish(connectors.TopicControlChanged, domain.ControlChanged{At: time.Unix(100, 0)})
	select {
	case line := <-out:
		if !strings.Contains(line, "control changed") {
			t.Fatalf("unexpected line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not printed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("print events: %v", err)
	}
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected the subscription to be closed, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription was not released")
	}
}

func TestForwardOnlineNotifiesPerSignal(t *testing.T) {
	signals := make(chan os.Signal)
	var calls atomic.Int32
	notify := func() bool {
		calls.Add(1)

		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		forwardOnline(ctx, signals, notify, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	signals <- os.Interrupt
	signals <- os.Interrupt
	cancel()
	<-done

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 redial requests, got %d", got)
	}
}

func TestConfigSetPersistsOneKey(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.json")

	var out bytes.Buffer
	args := []string{"--data-dir", root, "--window", "5", "config", "set", "connection.retry_close_codes", "[]"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("config set: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected the config path in the output, got %q", out.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Connection.RetryCloseCodes == nil || len(cfg.Connection.RetryCloseCodes) != 0 {
		t.Fatalf("expected an empty retry list on disk, got %#v", cfg.Connection.RetryCloseCodes)
	}
	if cfg.History.Window != config.DefaultHistoryWindow {
		t.Fatalf("flags must not be persisted, got window %d", cfg.History.Window)
	}

	err = run(context.Background(), []string{"--data-dir", root, "config", "set", "server.base_url", "ftp://lab"}, io.Discard)
	if err == nil {
		t.Fatalf("expected invalid value to be rejected")
	}
	err = run(context.Background(), []string{"--data-dir", root, "config", "set", "server.port", "80"}, io.Discard)
	if !errors.Is(err, config.ErrUnknownKey) {
		t.Fatalf("expected unknown key error, got %v", err)
	}

	cfg, err = config.Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.Server.BaseURL != config.DefaultBaseURL {
		t.Fatalf("rejected set must leave the file alone, got %q", cfg.Server.BaseURL)
	}
}

func TestArchiveListAndClear(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	db, err := persistence.Open(ctx, filepath.Join(root, "samples.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	temp := 42.5
	now := time.Now()
	samples := []persistence.Sample{
		{Device: "oven", At: now.Add(-48 * time.Hour), Temperature: &temp, Status: "stale"},
		{Device: "oven", At: now.Add(-time.Minute), Temperature: &temp, ControlEnabled: true, Status: "holding"},
		{Device: "stage", At: now.Add(-time.Minute), Status: "idle"},
	}
	if err := persistence.NewSampleRepo(db).Insert(ctx, samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, []string{"--data-dir", root, "--since", "1h", "archive", "list", "oven"}, &out); err != nil {
		t.Fatalf("archive list: %v", err)
	}
	listed := out.String()
	if !strings.Contains(listed, "42.50") || !strings.Contains(listed, "holding") {
		t.Fatalf("expected the recent oven sample, got:\n%s", listed)
	}
	if strings.Contains(listed, "stale") || strings.Contains(listed, "idle") {
		t.Fatalf("old or foreign samples must not be listed:\n%s", listed)
	}

	out.Reset()
	if err := run(ctx, []string{"--data-dir", root, "archive", "clear"}, &out); err != nil {
		t.Fatalf("archive clear: %v", err)
	}
	out.Reset()
	if err := run(ctx, []string{"--data-dir", root, "archive", "list", "oven"}, &out); err != nil {
		t.Fatalf("archive list after clear: %v", err)
	}
	if !strings.Contains(out.String(), "no samples for oven") {
		t.Fatalf("expected an empty archive, got:\n%s", out.String())
	}

	if err := run(ctx, []string{"--data-dir", root, "archive", "drop"}, io.Discard); err == nil {
		t.Fatalf("expected usage error")
	}
}

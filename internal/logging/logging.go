package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JQIamo/temperature-control-app/internal/config"
)

// Manager owns the root logger and the optional log file. The level is shared
// by every logger it handed out, so a reconfigure changes verbosity for
// component loggers created earlier too.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger
	level  *slog.LevelVar
	file   *os.File
	stdout io.Writer
}

func NewManager() *Manager {
	return NewManagerTo(os.Stderr)
}

// NewManagerTo builds a manager whose console output goes to w.
func NewManagerTo(w io.Writer) *Manager {
	m := &Manager{stdout: w, level: new(slog.LevelVar)}
	m.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: m.level}))

	return m
}

func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
	m.level.Set(level)

	writer := m.stdout
	if cfg.LogToFile {
		cleanPath := filepath.Clean(filePath)
		// #nosec G304 -- path is resolved by the app and points to the user config dir.
		file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		m.file = file
		writer = newFanoutWriter(m.stdout, file)
	}

	opts := &slog.HandlerOptions{Level: m.level}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		h = slog.NewJSONHandler(writer, opts)
	case "text", "":
		h = slog.NewTextHandler(writer, opts)
	default:
		return fmt.Errorf("unsupported log format: %q", cfg.Format)
	}
	m.logger = slog.New(h)
	slog.SetDefault(m.logger)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.logger.With("component", component)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return err
		}
		m.file = nil
	}

	return nil
}

// Level reports the active minimum level.
func (m *Manager) Level() slog.Level {
	return m.level.Level()
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level: %q", raw)
	}
}

type fanoutWriter struct {
	writers []io.Writer
}

func newFanoutWriter(writers ...io.Writer) io.Writer {
	filtered := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			filtered = append(filtered, w)
		}
	}

	return &fanoutWriter{writers: filtered}
}

// Write succeeds if at least one destination took the whole record.
func (w *fanoutWriter) Write(p []byte) (int, error) {
	var (
		wroteAny bool
		firstErr error
	)

	for _, dst := range w.writers {
		n, err := dst.Write(p)
		if err == nil && n != len(p) {
			err = io.ErrShortWrite
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}
		wroteAny = true
	}

	if wroteAny || firstErr == nil {
		return len(p), nil
	}

	return 0, firstErr
}

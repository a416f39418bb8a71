package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs database writes one at a time off the caller's goroutine.
type WriterQueue struct {
	logger  *slog.Logger
	queue   chan writeCmd
	pending sync.WaitGroup
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default().With("component", "persistence")
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
	}
}

// Enqueue schedules fn. When the queue is full the write is dropped; live
// samples keep coming and the archive tolerates gaps.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) bool {
	w.pending.Add(1)
	select {
	case w.queue <- writeCmd{name: name, fn: fn}:
		return true
	default:
		w.pending.Done()
		w.logger.Warn("db write queue full, dropping write", "cmd", name)

		return false
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				w.drain()

				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
				w.pending.Done()
			}
		}
	}()
}

// Wait blocks until every accepted write has run or been discarded.
func (w *WriterQueue) Wait() {
	w.pending.Wait()
}

func (w *WriterQueue) drain() {
	for {
		select {
		case cmd := <-w.queue:
			w.logger.Debug("discarding queued write on shutdown", "cmd", cmd.name)
			w.pending.Done()
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := cmd.fn(ctx)
		if err == nil {
			return
		}
		w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
}

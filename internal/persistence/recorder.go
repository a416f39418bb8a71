package persistence

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
)

const pruneInterval = time.Hour

// Recorder archives every status report seen on the bus. The archive is only
// read back on demand through Repo; it never feeds the live buffer.
type Recorder struct {
	db        *sql.DB
	repo      *SampleRepo
	writer    *WriterQueue
	bus       bus.MessageBus
	logger    *slog.Logger
	retention time.Duration
}

// NewRecorder builds a recorder. A positive retention prunes older samples
// hourly.
func NewRecorder(db *sql.DB, b bus.MessageBus, logger *slog.Logger, retention time.Duration) *Recorder {
	if logger == nil {
		logger = slog.Default().With("component", "recorder")
	}

	return &Recorder{
		db:        db,
		repo:      NewSampleRepo(db),
		writer:    NewWriterQueue(logger, 0),
		bus:       b,
		logger:    logger,
		retention: retention,
	}
}

func (r *Recorder) Repo() *SampleRepo {
	return r.repo
}

func (r *Recorder) Start(ctx context.Context) {
	r.writer.Start(ctx)

	sub := r.bus.Subscribe(connectors.TopicDeviceStatus)
	go func() {
		defer r.bus.Unsubscribe(sub, connectors.TopicDeviceStatus)

		var prune <-chan time.Time
		if r.retention > 0 {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			prune = ticker.C
			r.enqueuePrune()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-prune:
				r.enqueuePrune()
			case msg, ok := <-sub:
				if !ok {
					return
				}
				report, ok := msg.(domain.StatusReport)
				if !ok {
					continue
				}
				samples := SamplesFromReport(report)
				r.writer.Enqueue("insert_samples", func(ctx context.Context) error {
					return r.repo.Insert(ctx, samples)
				})
			}
		}
	}()
}

// Flush waits for queued writes to finish.
func (r *Recorder) Flush() {
	r.writer.Wait()
}

func (r *Recorder) enqueuePrune() {
	cutoff := time.Now().Add(-r.retention)
	r.writer.Enqueue("prune_samples", func(ctx context.Context) error {
		n, err := PruneBefore(ctx, r.db, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			r.logger.Info("pruned archived samples", "count", n, "before", cutoff)
		}

		return nil
	})
}

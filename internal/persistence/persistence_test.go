package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/bus"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
	"github.com/JQIamo/temperature-control-app/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "samples.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func ptr(v float64) *float64 {
	return &v
}

func TestOpen_MigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "samples.db")

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = db.Close()

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()

	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}
}

func TestSampleRepo_InsertAndListSince(t *testing.T) {
	ctx := context.Background()
	repo := NewSampleRepo(openTestDB(t))
	base := time.UnixMilli(1_700_000_000_000)

	err := repo.Insert(ctx, []Sample{
		{Device: "oven", At: base, Temperature: ptr(20.5), Setpoint: ptr(80), ControlEnabled: true, Program: "bake", Action: "SOAK", Status: "ok"},
		{Device: "oven", At: base.Add(time.Minute), Temperature: ptr(21)},
		{Device: "chiller", At: base, Status: "error"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	samples, err := repo.ListSince(ctx, "oven", base)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 oven samples, got %d", len(samples))
	}
	first := samples[0]
	if first.Temperature == nil || *first.Temperature != 20.5 {
		t.Fatalf("expected temperature to roundtrip, got %v", first.Temperature)
	}
	if !first.ControlEnabled || first.Program != "bake" || first.Action != "SOAK" {
		t.Fatalf("unexpected first sample %+v", first)
	}
	if !first.At.Equal(base) {
		t.Fatalf("expected %v, got %v", base, first.At)
	}
	if samples[1].Setpoint != nil {
		t.Fatalf("expected missing setpoint to stay nil")
	}

	later, err := repo.ListSince(ctx, "oven", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("list later: %v", err)
	}
	if len(later) != 1 {
		t.Fatalf("expected one later sample, got %d", len(later))
	}
}

func TestPruneAndClear(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSampleRepo(db)
	base := time.UnixMilli(1_700_000_000_000)

	if err := repo.Insert(ctx, []Sample{
		{Device: "oven", At: base},
		{Device: "oven", At: base.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := PruneBefore(ctx, db, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned sample, got %d", n)
	}

	if err := ClearDatabase(ctx, db); err != nil {
		t.Fatalf("clear: %v", err)
	}
	left, err := repo.ListSince(ctx, "oven", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty archive, got %d", len(left))
	}
}

func TestRecorderArchivesStatusReports(t *testing.T) {
	db := openTestDB(t)
	b := bus.New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewRecorder(db, b, nil, 0)
	rec.Start(ctx)

	at := time.UnixMilli(1_700_000_000_000)
	b.Publish(connectors.TopicDeviceStatus, domain.StatusReport{
		ReceivedAt: at,
		Status: map[string]domain.DeviceStatus{
			"oven":    {Name: "oven", Temperature: ptr(25), Status: "ok"},
			"chiller": {Name: "chiller", Temperature: ptr(4), Status: "ok"},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.Flush()
		samples, err := rec.Repo().ListSince(context.Background(), "chiller", at)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(samples) == 1 {
			if *samples[0].Temperature != 4 {
				t.Fatalf("unexpected temperature %v", *samples[0].Temperature)
			}

			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for archived sample")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriterQueueRetriesAndDrops(t *testing.T) {
	w := NewWriterQueue(nil, 1)

	attempts := 0
	if !w.Enqueue("flaky", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return sql.ErrConnDone
		}

		return nil
	}) {
		t.Fatalf("expected first write to be accepted")
	}
	if w.Enqueue("overflow", func(context.Context) error { return nil }) {
		t.Fatalf("expected write to be dropped when the queue is full")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Wait()

	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
}

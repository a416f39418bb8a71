package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JQIamo/temperature-control-app/internal/domain"
)

// Sample is one archived device reading.
type Sample struct {
	Device         string
	At             time.Time
	Temperature    *float64
	Setpoint       *float64
	ControlEnabled bool
	Program        string
	Action         string
	Status         string
}

// SamplesFromReport flattens a status report into one sample per device.
func SamplesFromReport(report domain.StatusReport) []Sample {
	at := report.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	out := make([]Sample, 0, len(report.Status))
	for _, name := range report.DeviceNames() {
		status := report.Status[name]
		out = append(out, Sample{
			Device:         name,
			At:             at,
			Temperature:    status.Temperature,
			Setpoint:       status.Setpoint,
			ControlEnabled: status.ControlEnabled,
			Program:        status.CurrentProgram,
			Action:         status.CurrentAction,
			Status:         status.Status,
		})
	}

	return out
}

type SampleRepo struct {
	db *sql.DB
}

func NewSampleRepo(db *sql.DB) *SampleRepo {
	return &SampleRepo{db: db}
}

// Insert stores samples in one transaction.
func (r *SampleRepo) Insert(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert samples tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples(device, recorded_at, temperature, setpoint, control_enabled, current_program, current_action, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert sample: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range samples {
		controlEnabled := int64(0)
		if s.ControlEnabled {
			controlEnabled = 1
		}
		if _, err := stmt.ExecContext(ctx, s.Device, unixMillis(s.At), s.Temperature, s.Setpoint, controlEnabled,
			nullableString(s.Program), nullableString(s.Action), nullableString(s.Status)); err != nil {
			return fmt.Errorf("insert sample for %s: %w", s.Device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert samples tx: %w", err)
	}

	return nil
}

// ListSince returns a device's samples recorded at or after since, oldest first.
func (r *SampleRepo) ListSince(ctx context.Context, device string, since time.Time) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device, recorded_at, temperature, setpoint, control_enabled, current_program, current_action, status
		FROM samples
		WHERE device = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC, id ASC
	`, device, unixMillis(since))
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			s              Sample
			atMs           int64
			temperature    sql.NullFloat64
			setpoint       sql.NullFloat64
			controlEnabled int64
			program        sql.NullString
			action         sql.NullString
			status         sql.NullString
		)
		if err := rows.Scan(&s.Device, &atMs, &temperature, &setpoint, &controlEnabled, &program, &action, &status); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		s.At = timeFromMillis(atMs)
		if temperature.Valid {
			v := temperature.Float64
			s.Temperature = &v
		}
		if setpoint.Valid {
			v := setpoint.Float64
			s.Setpoint = &v
		}
		s.ControlEnabled = controlEnabled != 0
		s.Program = program.String
		s.Action = action.String
		s.Status = status.String
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}

	return out, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}

// unixMillis maps the zero time to 0 so "since the beginning" queries match
// every row.
func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func timeFromMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}

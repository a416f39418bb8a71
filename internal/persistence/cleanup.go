package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PruneBefore deletes samples recorded before cutoff and returns how many went.
func PruneBefore(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database is not initialized")
	}

	res, err := db.ExecContext(ctx, `DELETE FROM samples WHERE recorded_at < ?;`, unixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned samples: %w", err)
	}

	return n, nil
}

// ClearDatabase removes every archived sample.
func ClearDatabase(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	//goland:noinspection SqlWithoutWhere
	if _, err := db.ExecContext(ctx, `DELETE FROM samples;`); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}

	return nil
}

// Package postgres persists statistics records in a Postgres table,
// upserting on (series_id, period_start) so overlapping batches are safe
// to re-publish.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"waterflux/internal/statistics"
)

const defaultTable = "waterflux_statistics"

// Store is a Postgres implementation of the statistics store.
type Store struct {
	db    *sql.DB
	table string
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore creates a store using the default table name.
func NewStore(db *sql.DB, opts ...Option) *Store {
	store := &Store{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// EnsureSchema creates the statistics table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	series_id      TEXT NOT NULL,
	series_name    TEXT NOT NULL,
	unit           TEXT NOT NULL,
	has_sum        BOOLEAN NOT NULL,
	period_start   TIMESTAMPTZ NOT NULL,
	state          DOUBLE PRECISION NOT NULL,
	cumulative_sum DOUBLE PRECISION NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (series_id, period_start)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres statistics: ensure schema: %w", err)
	}
	return nil
}

// Publish upserts the batch inside one transaction.
func (s *Store) Publish(ctx context.Context, meta statistics.SeriesMeta, records []statistics.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres statistics: begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
INSERT INTO %s (series_id, series_name, unit, has_sum, period_start, state, cumulative_sum, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (series_id, period_start) DO UPDATE SET
	series_name = EXCLUDED.series_name,
	unit = EXCLUDED.unit,
	has_sum = EXCLUDED.has_sum,
	state = EXCLUDED.state,
	cumulative_sum = EXCLUDED.cumulative_sum,
	updated_at = now()`, s.table)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres statistics: prepare: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx,
			meta.SeriesID, meta.Name, meta.Unit, meta.HasSum,
			record.Start, record.State, record.Sum,
		); err != nil {
			return fmt.Errorf("postgres statistics: upsert %s@%s: %w", meta.SeriesID, record.Start, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres statistics: commit: %w", err)
	}
	return nil
}

// LatestSum returns the newest cumulative sum stored for a series, or
// false when the series has no records yet.
func (s *Store) LatestSum(ctx context.Context, seriesID string) (float64, bool, error) {
	query := fmt.Sprintf(`
SELECT cumulative_sum
FROM %s
WHERE series_id = $1
ORDER BY period_start DESC
LIMIT 1`, s.table)

	var sum float64
	err := s.db.QueryRowContext(ctx, query, seriesID).Scan(&sum)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres statistics: latest sum: %w", err)
	}
	return sum, true, nil
}

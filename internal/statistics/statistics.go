// Package statistics publishes usage series to long-term statistics
// stores. The publisher only computes correct cumulative sums within the
// batch it sends; overlapping-range deduplication is the store's job.
package statistics

import (
	"context"
	"errors"
	"log"
	"time"
)

// CubicMetres is the unit every water usage series is published in.
const CubicMetres = "m³"

// SeriesMeta identifies and describes one statistics series.
type SeriesMeta struct {
	SeriesID string
	Name     string
	Unit     string
	HasSum   bool
}

// Record is one published point: the discrete per-period state plus the
// running cumulative sum across the batch it was sent in.
type Record struct {
	Start time.Time
	State float64
	Sum   float64
}

// Point is a raw (timestamp, value) pair before cumulative sums are
// attached.
type Point struct {
	Start time.Time
	State float64
}

// Store accepts published statistics records. Implementations must
// tolerate being called repeatedly with overlapping timestamp ranges.
type Store interface {
	Publish(ctx context.Context, meta SeriesMeta, records []Record) error
}

// MultiStore fans a publish out to several stores. All stores are
// attempted; errors are joined.
type MultiStore struct {
	stores []Store
}

// NewMultiStore constructs a MultiStore.
func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Publish sends the batch to every configured store.
func (m *MultiStore) Publish(ctx context.Context, meta SeriesMeta, records []Record) error {
	var errs []error
	for _, store := range m.stores {
		if err := store.Publish(ctx, meta, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggingStore logs published batches instead of persisting them. Used
// for dry runs when no store backend is configured.
type LoggingStore struct {
	logger *log.Logger
}

// NewLoggingStore constructs a LoggingStore.
func NewLoggingStore(logger *log.Logger) *LoggingStore {
	return &LoggingStore{logger: logger}
}

// Publish logs the batch summary.
func (s *LoggingStore) Publish(_ context.Context, meta SeriesMeta, records []Record) error {
	if s.logger == nil || len(records) == 0 {
		return nil
	}
	last := records[len(records)-1]
	s.logger.Printf("statistics: %s publish records=%d last_start=%s last_sum=%.3f",
		meta.SeriesID, len(records), last.Start.Format(time.RFC3339), last.Sum)
	return nil
}

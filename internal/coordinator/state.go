package coordinator

import (
	"time"

	"waterflux/internal/calendar"
	"waterflux/internal/estimate"
	"waterflux/internal/reading"
)

// Status is the outcome of the most recent update cycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// FetchState tracks update progress for one account. It is created at
// coordinator start and mutated only between cycles; a date enters
// MissingDates on failure and leaves only after a successful fetch for
// that exact date.
type FetchState struct {
	LastSuccessfulUpdate time.Time
	MissingDates         []time.Time
	Status               Status
}

// Clone returns a deep copy safe to hand to readers.
func (s FetchState) Clone() FetchState {
	out := s
	out.MissingDates = append([]time.Time(nil), s.MissingDates...)
	return out
}

// MissingDateKeys returns the pending dates as YYYY-MM-DD strings.
func (s FetchState) MissingDateKeys() []string {
	keys := make([]string, 0, len(s.MissingDates))
	for _, d := range s.MissingDates {
		keys = append(keys, d.Format(calendar.DayKey))
	}
	return keys
}

func (s *FetchState) addMissing(date time.Time) {
	date = calendar.DateOf(date)
	for _, d := range s.MissingDates {
		if d.Equal(date) {
			return
		}
	}
	s.MissingDates = append(s.MissingDates, date)
}

func (s *FetchState) removeMissing(date time.Time) {
	date = calendar.DateOf(date)
	kept := s.MissingDates[:0]
	for _, d := range s.MissingDates {
		if !d.Equal(date) {
			kept = append(kept, d)
		}
	}
	s.MissingDates = kept
}

// Snapshot is the per-account result of one update cycle. Pointer fields
// are nil when the underlying data was absent, never zero-valued. A
// failed cycle leaves the previous snapshot in place.
type Snapshot struct {
	Account string
	MeterID string

	YesterdayDate  time.Time
	YesterdayUsage *float64

	WeekToDate   reading.WeeklyTotal
	PreviousWeek reading.WeeklyTotal
	MonthToDate  *reading.MonthlyTotal

	TrailingTotal   float64
	TrailingAverage float64
	TrailingDays    int

	OvernightUsage *float64

	Estimate      *estimate.Reading
	ManualReading *reading.ManualReading

	Daily []reading.DailyTotal

	State     FetchState
	UpdatedAt time.Time
}

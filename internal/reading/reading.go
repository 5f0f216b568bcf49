package reading

import "time"

// Granularity is the sampling resolution of an interval reading.
type Granularity string

const (
	GranularityHour  Granularity = "HOUR"
	GranularityDay   Granularity = "DAY"
	GranularityWeek  Granularity = "WEEK"
	GranularityMonth Granularity = "MONTH"
)

// IsValid checks if the granularity is one of the supported values.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	default:
		return false
	}
}

// IntervalReading is a single smart-meter usage measurement.
// Immutable once produced by the account data source.
type IntervalReading struct {
	Start       time.Time
	Value       float64
	Unit        string
	Granularity Granularity
}

// ManualReading is an authoritative meter reading taken by the utility
// or submitted by the customer. Value is the absolute cumulative meter
// value, not a usage delta.
type ManualReading struct {
	MeterID string
	Value   float64
	Date    time.Time
	Source  string
}

// DailyTotal is the summed usage for one calendar date.
type DailyTotal struct {
	Date  time.Time
	Value float64
}

// WeeklyTotal is the summed usage for one Monday-Sunday week.
// DaysIncluded records how many daily buckets contributed; partial
// weeks are allowed.
type WeeklyTotal struct {
	WeekStart    time.Time
	WeekEnd      time.Time
	Value        float64
	DaysIncluded int
}

// MonthlyTotal is the usage for one calendar month. EndDate is zero for
// the current, still-open month.
type MonthlyTotal struct {
	Month     string
	StartDate time.Time
	EndDate   time.Time
	Value     float64
}

// IsOpen tells if the month has no end date yet.
func (m MonthlyTotal) IsOpen() bool { return m.EndDate.IsZero() }

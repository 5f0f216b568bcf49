// Package estimate reconciles the latest official meter reading with
// interval-derived usage to produce a best-effort current meter value.
package estimate

import (
	"errors"
	"math"
	"time"

	"waterflux/internal/calendar"
	"waterflux/internal/reading"
)

// ErrNoOfficialReading is returned when no manual reading exists to base
// an estimate on. The caller reports the estimate as unavailable, never
// as zero.
var ErrNoOfficialReading = errors.New("estimate: no official reading")

// Reading is an estimated current meter value.
type Reading struct {
	Value              float64
	BasisValue         float64
	BasisDate          time.Time
	BasisSource        string
	UsageSinceOfficial float64
	DaysSinceOfficial  int
}

// Calculate combines the official reading with usage strictly after it.
//
// Daily totals contribute every bucket strictly after the official date.
// Monthly totals contribute under the no-double-count rule: when the
// official reading falls on the first of its month, months starting on or
// after that date are counted; otherwise the partial first month is
// covered exclusively by the daily buckets and only months strictly after
// the official month's first day are counted. Any single calendar day is
// therefore counted by at most one source.
func Calculate(manual *reading.ManualReading, daily []reading.DailyTotal, monthly []reading.MonthlyTotal, now time.Time) (Reading, error) {
	if manual == nil {
		return Reading{}, ErrNoOfficialReading
	}

	officialDate := calendar.DateOf(manual.Date)
	officialMonthStart := calendar.MonthStart(officialDate)
	firstOfMonth := officialDate.Equal(officialMonthStart)

	var usageMonthly float64
	covered := make(map[string]bool, len(monthly))
	for _, mt := range monthly {
		start := calendar.DateOf(mt.StartDate)
		counted := false
		if firstOfMonth {
			counted = !start.Before(officialDate)
		} else {
			counted = start.After(officialMonthStart)
		}
		if counted {
			usageMonthly += mt.Value
			covered[start.Format(calendar.MonthKey)] = true
		}
	}

	// A day already covered by a counted monthly bucket must not be
	// counted again from the daily buckets.
	var usageDaily float64
	for _, dt := range daily {
		date := calendar.DateOf(dt.Date)
		if !date.After(officialDate) {
			continue
		}
		if covered[date.Format(calendar.MonthKey)] {
			continue
		}
		usageDaily += dt.Value
	}

	usage := usageDaily + usageMonthly

	return Reading{
		Value:              round3(manual.Value + usage),
		BasisValue:         manual.Value,
		BasisDate:          officialDate,
		BasisSource:        manual.Source,
		UsageSinceOfficial: round3(usage),
		DaysSinceOfficial:  daysBetween(officialDate, calendar.DateOf(now)),
	}, nil
}

// daysBetween counts calendar days from a to b. The two dates may carry
// different locations; subtracting them directly would shift the count
// by the zone offset.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au).Hours() / 24)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

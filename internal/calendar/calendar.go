// Package calendar groups interval readings into day, ISO-week and month
// buckets and computes the rolling windows the sensors report. All week
// arithmetic uses Monday as the week start; every caller goes through
// WeekStart/MonthStart so the boundary rule exists in exactly one place.
package calendar

import (
	"sort"
	"time"

	"waterflux/internal/reading"
)

// DayKey is the canonical map key for a calendar date.
const DayKey = "2006-01-02"

// MonthKey is the canonical key for a calendar month.
const MonthKey = "2006-01"

// DateOf truncates a timestamp to its calendar date.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// WeekStart returns the Monday of t's ISO week.
func WeekStart(t time.Time) time.Time {
	d := DateOf(t)
	// time.Weekday has Sunday=0; ISO weeks start on Monday.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// DailyTotals groups HOUR and DAY granularity readings by the date
// portion of their start and sums values. Duplicate starts are resolved
// last-wins before summing, so re-fetching an overlapping range always
// reproduces the same totals.
func DailyTotals(intervals []reading.IntervalReading) map[string]reading.DailyTotal {
	// Last write per start timestamp wins.
	byStart := make(map[time.Time]reading.IntervalReading, len(intervals))
	for _, iv := range intervals {
		if iv.Granularity != reading.GranularityHour && iv.Granularity != reading.GranularityDay {
			continue
		}
		byStart[iv.Start] = iv
	}

	totals := make(map[string]reading.DailyTotal)
	for start, iv := range byStart {
		key := start.Format(DayKey)
		bucket := totals[key]
		if bucket.Date.IsZero() {
			bucket.Date = DateOf(start)
		}
		bucket.Value += iv.Value
		totals[key] = bucket
	}
	return totals
}

// SortedDaily returns the daily totals in ascending date order.
func SortedDaily(totals map[string]reading.DailyTotal) []reading.DailyTotal {
	out := make([]reading.DailyTotal, 0, len(totals))
	for _, dt := range totals {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Yesterday looks up the bucket for now's date minus one calendar day.
// The date is always today-1 in local time, independent of the most
// recent data point the source actually returned. The second return is
// false when no data exists for that date.
func Yesterday(totals map[string]reading.DailyTotal, now time.Time) (reading.DailyTotal, bool) {
	date := DateOf(now).AddDate(0, 0, -1)
	dt, ok := totals[date.Format(DayKey)]
	if !ok {
		return reading.DailyTotal{Date: date}, false
	}
	return dt, true
}

// WeekToDate sums the daily buckets from Monday of the current week
// through now's date inclusive. DaysIncluded counts the buckets found
// and may be less than seven.
func WeekToDate(totals map[string]reading.DailyTotal, now time.Time) reading.WeeklyTotal {
	start := WeekStart(now)
	return sumWeek(totals, start, DateOf(now))
}

// PreviousWeek sums the full Monday-Sunday week immediately before the
// current one, regardless of now's weekday.
func PreviousWeek(totals map[string]reading.DailyTotal, now time.Time) reading.WeeklyTotal {
	start := WeekStart(now).AddDate(0, 0, -7)
	return sumWeek(totals, start, start.AddDate(0, 0, 6))
}

func sumWeek(totals map[string]reading.DailyTotal, start, end time.Time) reading.WeeklyTotal {
	week := reading.WeeklyTotal{
		WeekStart: start,
		WeekEnd:   start.AddDate(0, 0, 6),
	}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if dt, ok := totals[d.Format(DayKey)]; ok {
			week.Value += dt.Value
			week.DaysIncluded++
		}
	}
	return week
}

// WeeklyTotals groups daily buckets into Monday-Sunday weeks, ascending
// by week start.
func WeeklyTotals(totals map[string]reading.DailyTotal) []reading.WeeklyTotal {
	byWeek := make(map[time.Time]*reading.WeeklyTotal)
	for _, dt := range totals {
		start := WeekStart(dt.Date)
		week, ok := byWeek[start]
		if !ok {
			week = &reading.WeeklyTotal{WeekStart: start, WeekEnd: start.AddDate(0, 0, 6)}
			byWeek[start] = week
		}
		week.Value += dt.Value
		week.DaysIncluded++
	}

	out := make([]reading.WeeklyTotal, 0, len(byWeek))
	for _, week := range byWeek {
		out = append(out, *week)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out
}

// MonthlyFromIntervals converts MONTH granularity readings into monthly
// totals, deduplicated by year-month (last wins) and sorted by start.
// The month containing now stays open (no end date).
func MonthlyFromIntervals(intervals []reading.IntervalReading, now time.Time) []reading.MonthlyTotal {
	byMonth := make(map[string]reading.MonthlyTotal)
	for _, iv := range intervals {
		if iv.Granularity != reading.GranularityMonth {
			continue
		}
		start := DateOf(iv.Start)
		byMonth[start.Format(MonthKey)] = reading.MonthlyTotal{
			Month:     start.Format(MonthKey),
			StartDate: start,
			Value:     iv.Value,
		}
	}

	out := make([]reading.MonthlyTotal, 0, len(byMonth))
	for _, mt := range byMonth {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })

	currentMonth := now.Format(MonthKey)
	for i := range out {
		if out[i].Month != currentMonth {
			out[i].EndDate = out[i].StartDate.AddDate(0, 1, -1)
		}
	}
	return out
}

// MonthToDate returns the monthly total whose month matches now's
// year-month. The second return is false when the source has no bucket
// for the current month.
func MonthToDate(monthly []reading.MonthlyTotal, now time.Time) (reading.MonthlyTotal, bool) {
	key := now.Format(MonthKey)
	for _, mt := range monthly {
		if mt.Month == key {
			return mt, true
		}
	}
	return reading.MonthlyTotal{Month: key, StartDate: MonthStart(now)}, false
}

// TrailingTotal sums the daily buckets in the window ending at end
// (inclusive) spanning the given number of days, and reports the daily
// average over the buckets actually present.
func TrailingTotal(totals map[string]reading.DailyTotal, end time.Time, days int) (total float64, avg float64, count int) {
	if days <= 0 {
		return 0, 0, 0
	}
	endDate := DateOf(end)
	for d := endDate.AddDate(0, 0, -(days - 1)); !d.After(endDate); d = d.AddDate(0, 0, 1) {
		if dt, ok := totals[d.Format(DayKey)]; ok {
			total += dt.Value
			count++
		}
	}
	if count > 0 {
		avg = total / float64(count)
	}
	return total, avg, count
}

// OvernightUsage sums hourly readings with a start hour in [2,5) on the
// given date. The second return is false when no hourly buckets fall in
// that window, distinguishing "no data" from confirmed zero usage.
func OvernightUsage(hourly []reading.IntervalReading, date time.Time) (float64, bool) {
	day := DateOf(date)
	var sum float64
	found := false
	for _, iv := range hourly {
		if iv.Granularity != reading.GranularityHour {
			continue
		}
		if !DateOf(iv.Start).Equal(day) {
			continue
		}
		if h := iv.Start.Hour(); h >= 2 && h < 5 {
			sum += iv.Value
			found = true
		}
	}
	return sum, found
}

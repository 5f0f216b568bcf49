package statistics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"waterflux/internal/calendar"
	"waterflux/internal/reading"
)

// seriesSource prefixes every series id this module publishes.
const seriesSource = "waterflux"

// SeriesID builds the stable per-account, per-granularity series id.
func SeriesID(account, granularity string) string {
	return fmt.Sprintf("%s:%s:%s_usage", seriesSource, account, granularity)
}

// Publisher emits usage series for one account to a statistics store.
// Cumulative sums are re-derived from zero for every batch rather than
// trusting prior state.
type Publisher struct {
	store   Store
	account string
	logger  *log.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(store Store, account string, logger *log.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("statistics: nil store")
	}
	if account == "" {
		return nil, errors.New("statistics: empty account")
	}
	return &Publisher{store: store, account: account, logger: logger}, nil
}

// PublishSeries sorts the points ascending, attaches in-batch cumulative
// sums and sends them under the account's series id for the granularity.
func (p *Publisher) PublishSeries(ctx context.Context, granularity, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	records := make([]Record, 0, len(sorted))
	var sum float64
	for _, pt := range sorted {
		sum += pt.State
		records = append(records, Record{Start: pt.Start, State: pt.State, Sum: sum})
	}

	meta := SeriesMeta{
		SeriesID: SeriesID(p.account, granularity),
		Name:     name,
		Unit:     CubicMetres,
		HasSum:   true,
	}
	if err := p.store.Publish(ctx, meta, records); err != nil {
		return fmt.Errorf("statistics: publish %s: %w", meta.SeriesID, err)
	}
	if p.logger != nil {
		p.logger.Printf("statistics: published %d %s records for account %s", len(records), granularity, p.account)
	}
	return nil
}

// PublishHourly publishes hourly interval readings as they are.
func (p *Publisher) PublishHourly(ctx context.Context, intervals []reading.IntervalReading) error {
	points := make([]Point, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Granularity != reading.GranularityHour {
			continue
		}
		points = append(points, Point{Start: iv.Start, State: iv.Value})
	}
	return p.PublishSeries(ctx, "hourly", "Water Hourly Usage", points)
}

// PublishDaily publishes daily totals at midnight of their date.
func (p *Publisher) PublishDaily(ctx context.Context, totals map[string]reading.DailyTotal) error {
	points := make([]Point, 0, len(totals))
	for _, dt := range calendar.SortedDaily(totals) {
		points = append(points, Point{Start: dt.Date, State: dt.Value})
	}
	return p.PublishSeries(ctx, "daily", "Water Daily Usage", points)
}

// PublishWeekly groups the daily totals into Monday-Sunday weeks and
// publishes each week's total on its Sunday.
func (p *Publisher) PublishWeekly(ctx context.Context, totals map[string]reading.DailyTotal) error {
	weeks := calendar.WeeklyTotals(totals)
	points := make([]Point, 0, len(weeks))
	for _, week := range weeks {
		points = append(points, Point{Start: week.WeekEnd, State: round3(week.Value)})
	}
	return p.PublishSeries(ctx, "weekly", "Water Weekly Usage", points)
}

// PublishMonthly publishes monthly totals on their end date; the open
// current month is published on its start date.
func (p *Publisher) PublishMonthly(ctx context.Context, monthly []reading.MonthlyTotal) error {
	points := make([]Point, 0, len(monthly))
	for _, mt := range monthly {
		start := mt.EndDate
		if mt.IsOpen() {
			start = mt.StartDate
		}
		points = append(points, Point{Start: start, State: mt.Value})
	}
	return p.PublishSeries(ctx, "monthly", "Water Monthly Usage", points)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

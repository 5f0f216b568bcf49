// Package coordinator drives the periodic update cycle for one account:
// fetch interval and manual readings, aggregate them on calendar
// boundaries, publish statistics and refresh the account snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"waterflux/internal/calendar"
	"waterflux/internal/estimate"
	"waterflux/internal/notify"
	"waterflux/internal/observability/metrics"
	"waterflux/internal/reading"
	"waterflux/internal/statistics"
)

// Fetch windows. The daily window trails two weeks so late-arriving
// buckets get re-published; backfill windows are wider.
const (
	dailyWindowDays     = 14
	monthlyWindowMonths = 12

	backfillHourlyDays = 7
	backfillDailyDays  = 60

	defaultCycleTimeout = 2 * time.Minute
)

// DataSource is the account data source consumed by the coordinator.
// *kraken.Client satisfies it.
type DataSource interface {
	Authenticate(ctx context.Context) error
	FetchMeterIdentifiers(ctx context.Context) error
	FetchIntervalReadings(ctx context.Context, start, end time.Time, granularity reading.Granularity) ([]reading.RawMeasurement, error)
	FetchManualReadings(ctx context.Context) ([]reading.ManualReading, error)
	MeterID() string
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Coordinator owns the fetch state and latest snapshot for one account.
// runMu serializes RunCycle and Backfill; mu guards state and snapshot
// only, so the admin surface can read while a cycle is mid-fetch.
type Coordinator struct {
	account      string
	source       DataSource
	normalizer   *reading.Normalizer
	publisher    *statistics.Publisher
	channel      notify.Channel
	clock        Clock
	logger       *log.Logger
	cycleTimeout time.Duration

	runMu sync.Mutex

	mu       sync.Mutex
	state    FetchState
	snapshot *Snapshot
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithNotifier sets the failure notification channel.
func WithNotifier(channel notify.Channel) Option {
	return func(c *Coordinator) {
		if channel != nil {
			c.channel = channel
		}
	}
}

// WithCycleTimeout overrides the per-cycle deadline.
func WithCycleTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.cycleTimeout = timeout
		}
	}
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(account string, source DataSource, publisher *statistics.Publisher, logger *log.Logger, opts ...Option) (*Coordinator, error) {
	if account == "" {
		return nil, ErrEmptyAccount
	}
	if source == nil {
		return nil, ErrNilSource
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	c := &Coordinator{
		account:      account,
		source:       source,
		normalizer:   reading.NewNormalizer(logger),
		publisher:    publisher,
		channel:      notify.NopChannel{},
		clock:        SystemClock{},
		logger:       logger,
		cycleTimeout: defaultCycleTimeout,
		state:        FetchState{Status: StatusPending},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Account returns the account number.
func (c *Coordinator) Account() string { return c.account }

// State returns a copy of the current fetch state.
func (c *Coordinator) State() FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Snapshot returns the latest snapshot, nil before the first successful
// computation.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	out := *c.snapshot
	out.State = c.snapshot.State.Clone()
	return &out
}

// PendingRetries reports how many dates await a retry fetch.
func (c *Coordinator) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state.MissingDates)
}

// cycleData holds the raw material of one cycle. Granularities that
// failed to fetch stay nil and are skipped downstream.
type cycleData struct {
	hourly  []reading.IntervalReading
	daily   []reading.IntervalReading
	monthly []reading.IntervalReading
	manual  []reading.ManualReading

	// Daily buckets between a stale official reading and its month
	// end, fetched only when the regular window starts after them.
	sinceOfficial []reading.IntervalReading

	hourlyOK  bool
	monthlyOK bool
	manualOK  bool
}

// RunCycle executes one update cycle. The fetch date is the oldest
// pending missing date if any, otherwise yesterday. A transport failure
// keeps the previous snapshot; an empty daily window still refreshes the
// snapshot but marks the cycle failed and queues the date for retry.
func (c *Coordinator) RunCycle(ctx context.Context) (*Snapshot, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	started := c.clock.Now()
	fetchDate := calendar.DateOf(started.AddDate(0, 0, -1))
	c.mu.Lock()
	if len(c.state.MissingDates) > 0 {
		fetchDate = c.state.MissingDates[0]
	}
	c.state.Status = StatusPending
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()

	if err := c.authenticate(ctx); err != nil {
		return c.failCycle(ctx, fetchDate, started, fmt.Errorf("authenticate: %w", err))
	}
	if err := c.source.FetchMeterIdentifiers(ctx); err != nil {
		return c.failCycle(ctx, fetchDate, started, fmt.Errorf("meter identifiers: %w", err))
	}

	data, dailyErr := c.fetchAll(ctx, started, fetchDate, dailyWindowDays, 1)
	if dailyErr != nil {
		return c.failCycle(ctx, fetchDate, started, fmt.Errorf("daily fetch: %w", dailyErr))
	}

	dailyTotals := calendar.DailyTotals(data.daily)
	c.publishAll(ctx, data, dailyTotals)

	snapshot := c.buildSnapshot(started, fetchDate, data, dailyTotals)

	if _, ok := dailyTotals[fetchDate.Format(calendar.DayKey)]; !ok {
		c.mu.Lock()
		c.state.Status = StatusFailed
		c.state.addMissing(fetchDate)
		snapshot.State = c.state.Clone()
		c.snapshot = snapshot
		c.mu.Unlock()
		c.finishCycle(ctx, fetchDate, started, ErrNoDailyData)
		return snapshot, fmt.Errorf("%w for %s", ErrNoDailyData, fetchDate.Format(calendar.DayKey))
	}

	c.mu.Lock()
	c.state.Status = StatusSuccess
	c.state.removeMissing(fetchDate)
	c.state.LastSuccessfulUpdate = fetchDate
	snapshot.State = c.state.Clone()
	c.snapshot = snapshot
	c.mu.Unlock()
	c.finishCycle(ctx, fetchDate, started, nil)
	return snapshot, nil
}

// Backfill re-fetches a wide window across all granularities, republishes
// the statistics and forces a snapshot recomputation. Missing dates are
// cleared for any day the wider window produced data for.
func (c *Coordinator) Backfill(ctx context.Context) (*Snapshot, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	started := c.clock.Now()
	fetchDate := calendar.DateOf(started.AddDate(0, 0, -1))

	ctx, cancel := context.WithTimeout(ctx, 3*c.cycleTimeout)
	defer cancel()

	if err := c.authenticate(ctx); err != nil {
		metrics.ObserveBackfill(c.account, metrics.ResultError, time.Since(started))
		return c.Snapshot(), fmt.Errorf("authenticate: %w", err)
	}
	if err := c.source.FetchMeterIdentifiers(ctx); err != nil {
		metrics.ObserveBackfill(c.account, metrics.ResultError, time.Since(started))
		return c.Snapshot(), fmt.Errorf("meter identifiers: %w", err)
	}

	data, dailyErr := c.fetchAll(ctx, started, fetchDate, backfillDailyDays, backfillHourlyDays)
	if dailyErr != nil {
		metrics.ObserveBackfill(c.account, metrics.ResultError, time.Since(started))
		return c.Snapshot(), fmt.Errorf("daily fetch: %w", dailyErr)
	}

	dailyTotals := calendar.DailyTotals(data.daily)
	c.publishAll(ctx, data, dailyTotals)

	snapshot := c.buildSnapshot(started, fetchDate, data, dailyTotals)

	c.mu.Lock()
	// removeMissing compacts the list in place, so range over a copy.
	for _, d := range c.state.Clone().MissingDates {
		if _, ok := dailyTotals[d.Format(calendar.DayKey)]; ok {
			c.state.removeMissing(d)
			if d.After(c.state.LastSuccessfulUpdate) {
				c.state.LastSuccessfulUpdate = d
			}
		}
	}
	metrics.SetMissingDates(c.account, len(c.state.MissingDates))
	snapshot.State = c.state.Clone()
	c.snapshot = snapshot
	c.mu.Unlock()
	metrics.ObserveBackfill(c.account, metrics.ResultSuccess, time.Since(started))
	if c.logger != nil {
		c.logger.Printf("coordinator: backfill complete account=%s days=%d", c.account, len(dailyTotals))
	}
	return snapshot, nil
}

// authenticate retries once; an expired token and a transient network
// error look the same from here.
func (c *Coordinator) authenticate(ctx context.Context) error {
	err := c.source.Authenticate(ctx)
	if err == nil {
		return nil
	}
	if c.logger != nil {
		c.logger.Printf("coordinator: auth failed account=%s, retrying: %v", c.account, err)
	}
	return c.source.Authenticate(ctx)
}

// fetchAll runs the four fetches sequentially. Only a daily failure is
// fatal to the cycle; the others degrade to absent data.
func (c *Coordinator) fetchAll(ctx context.Context, now, fetchDate time.Time, dailyDays, hourlyDays int) (cycleData, error) {
	var data cycleData

	dayAfter := fetchDate.AddDate(0, 0, 1)

	rawHourly, err := c.source.FetchIntervalReadings(ctx, fetchDate.AddDate(0, 0, -(hourlyDays-1)), dayAfter, reading.GranularityHour)
	if err != nil {
		metrics.IncFetch(c.account, string(reading.GranularityHour), metrics.ResultError)
		if c.logger != nil {
			c.logger.Printf("coordinator: hourly fetch failed account=%s: %v", c.account, err)
		}
	} else {
		metrics.IncFetch(c.account, string(reading.GranularityHour), metrics.ResultSuccess)
		data.hourly = c.normalizer.Normalize(rawHourly, reading.GranularityHour)
		data.hourlyOK = true
	}

	rawDaily, err := c.source.FetchIntervalReadings(ctx, fetchDate.AddDate(0, 0, -(dailyDays-1)), dayAfter, reading.GranularityDay)
	if err != nil {
		metrics.IncFetch(c.account, string(reading.GranularityDay), metrics.ResultError)
		return data, err
	}
	metrics.IncFetch(c.account, string(reading.GranularityDay), metrics.ResultSuccess)
	data.daily = c.normalizer.Normalize(rawDaily, reading.GranularityDay)

	monthStart := calendar.MonthStart(now).AddDate(0, -monthlyWindowMonths, 0)
	rawMonthly, err := c.source.FetchIntervalReadings(ctx, monthStart, dayAfter, reading.GranularityMonth)
	if err != nil {
		metrics.IncFetch(c.account, string(reading.GranularityMonth), metrics.ResultError)
		if c.logger != nil {
			c.logger.Printf("coordinator: monthly fetch failed account=%s: %v", c.account, err)
		}
	} else {
		metrics.IncFetch(c.account, string(reading.GranularityMonth), metrics.ResultSuccess)
		data.monthly = c.normalizer.Normalize(rawMonthly, reading.GranularityMonth)
		data.monthlyOK = true
	}

	manual, err := c.source.FetchManualReadings(ctx)
	if err != nil {
		metrics.IncFetch(c.account, "MANUAL", metrics.ResultError)
		if c.logger != nil {
			c.logger.Printf("coordinator: manual readings fetch failed account=%s: %v", c.account, err)
		}
	} else {
		metrics.IncFetch(c.account, "MANUAL", metrics.ResultSuccess)
		data.manual = manual
		data.manualOK = true
	}

	if data.manualOK && len(data.manual) > 0 {
		data.sinceOfficial = c.fetchSinceOfficial(ctx, data.manual[0], fetchDate, dailyDays)
	}

	return data, nil
}

// fetchSinceOfficial closes the gap left by a mid-month official
// reading older than the daily window: the reading's own month is
// excluded from the monthly totals, so the days between the reading and
// month end must come from daily buckets the regular window no longer
// covers. Failure degrades to an absent stretch, as with the other
// optional fetches.
func (c *Coordinator) fetchSinceOfficial(ctx context.Context, manual reading.ManualReading, fetchDate time.Time, dailyDays int) []reading.IntervalReading {
	official := calendar.DateOf(manual.Date)
	if official.Equal(calendar.MonthStart(official)) {
		return nil
	}
	windowStart := calendar.DateOf(fetchDate.AddDate(0, 0, -(dailyDays - 1)))
	if !official.Before(windowStart) {
		return nil
	}

	monthEnd := calendar.MonthStart(official).AddDate(0, 1, 0)
	raw, err := c.source.FetchIntervalReadings(ctx, official, monthEnd, reading.GranularityDay)
	if err != nil {
		metrics.IncFetch(c.account, string(reading.GranularityDay), metrics.ResultError)
		if c.logger != nil {
			c.logger.Printf("coordinator: daily fetch since official reading failed account=%s: %v", c.account, err)
		}
		return nil
	}
	metrics.IncFetch(c.account, string(reading.GranularityDay), metrics.ResultSuccess)
	return c.normalizer.Normalize(raw, reading.GranularityDay)
}

// publishAll sends each successfully fetched granularity to the stores.
// Publish errors are logged; the cycle's data remains usable locally.
func (c *Coordinator) publishAll(ctx context.Context, data cycleData, dailyTotals map[string]reading.DailyTotal) {
	if data.hourlyOK {
		if err := c.publisher.PublishHourly(ctx, data.hourly); err != nil {
			c.logPublishError("hourly", err)
		} else {
			metrics.AddRecordsPublished(c.account, "hourly", len(data.hourly))
		}
	}
	if err := c.publisher.PublishDaily(ctx, dailyTotals); err != nil {
		c.logPublishError("daily", err)
	} else {
		metrics.AddRecordsPublished(c.account, "daily", len(dailyTotals))
	}
	if err := c.publisher.PublishWeekly(ctx, dailyTotals); err != nil {
		c.logPublishError("weekly", err)
	}
	if data.monthlyOK {
		if err := c.publisher.PublishMonthly(ctx, calendar.MonthlyFromIntervals(data.monthly, c.clock.Now())); err != nil {
			c.logPublishError("monthly", err)
		} else {
			metrics.AddRecordsPublished(c.account, "monthly", len(data.monthly))
		}
	}
}

func (c *Coordinator) logPublishError(granularity string, err error) {
	if c.logger != nil {
		c.logger.Printf("coordinator: publish %s failed account=%s: %v", granularity, c.account, err)
	}
}

func (c *Coordinator) buildSnapshot(now, fetchDate time.Time, data cycleData, dailyTotals map[string]reading.DailyTotal) *Snapshot {
	snapshot := &Snapshot{
		Account:       c.account,
		MeterID:       c.source.MeterID(),
		YesterdayDate: calendar.DateOf(now.AddDate(0, 0, -1)),
		Daily:         calendar.SortedDaily(dailyTotals),
		UpdatedAt:     now,
	}

	if y, ok := calendar.Yesterday(dailyTotals, now); ok {
		value := y.Value
		snapshot.YesterdayUsage = &value
	}
	snapshot.WeekToDate = calendar.WeekToDate(dailyTotals, now)
	snapshot.PreviousWeek = calendar.PreviousWeek(dailyTotals, now)
	// Trailing window ends on the last complete day.
	total, avg, count := calendar.TrailingTotal(dailyTotals, now.AddDate(0, 0, -1), 7)
	snapshot.TrailingTotal = total
	snapshot.TrailingAverage = avg
	snapshot.TrailingDays = count

	if data.hourlyOK {
		if usage, ok := calendar.OvernightUsage(data.hourly, fetchDate); ok {
			snapshot.OvernightUsage = &usage
		}
	}

	var monthly []reading.MonthlyTotal
	if data.monthlyOK {
		monthly = calendar.MonthlyFromIntervals(data.monthly, now)
		if mtd, ok := calendar.MonthToDate(monthly, now); ok {
			m := mtd
			snapshot.MonthToDate = &m
		}
	}

	if data.manualOK && len(data.manual) > 0 {
		manual := data.manual[0]
		snapshot.ManualReading = &manual
		estTotals := dailyTotals
		if len(data.sinceOfficial) > 0 {
			// Regular-window buckets win where the two fetches overlap.
			merged := append(append([]reading.IntervalReading(nil), data.sinceOfficial...), data.daily...)
			estTotals = calendar.DailyTotals(merged)
		}
		est, err := estimate.Calculate(&manual, calendar.SortedDaily(estTotals), monthly, now)
		switch {
		case err == nil:
			snapshot.Estimate = &est
		case errors.Is(err, estimate.ErrNoOfficialReading):
			// estimate stays nil
		default:
			if c.logger != nil {
				c.logger.Printf("coordinator: estimate failed account=%s: %v", c.account, err)
			}
		}
	}

	return snapshot
}

// failCycle records a transport-level failure: the fetch date joins the
// retry queue and the previous snapshot stays visible.
func (c *Coordinator) failCycle(ctx context.Context, fetchDate, started time.Time, err error) (*Snapshot, error) {
	c.mu.Lock()
	c.state.Status = StatusFailed
	c.state.addMissing(fetchDate)
	if c.snapshot != nil {
		c.snapshot.State = c.state.Clone()
	}
	previous := c.snapshot
	c.mu.Unlock()
	c.finishCycle(ctx, fetchDate, started, err)
	return previous, fmt.Errorf("coordinator: cycle failed account=%s: %w", c.account, err)
}

// finishCycle emits metrics, logs and the failure notification. Called
// without mu held.
func (c *Coordinator) finishCycle(ctx context.Context, fetchDate, started time.Time, err error) {
	elapsed := time.Since(started)
	state := c.State()
	metrics.SetMissingDates(c.account, len(state.MissingDates))
	if err == nil {
		metrics.ObserveCycle(c.account, metrics.ResultSuccess, elapsed)
		if c.logger != nil {
			c.logger.Printf("coordinator: cycle ok account=%s date=%s", c.account, fetchDate.Format(calendar.DayKey))
		}
		return
	}

	metrics.ObserveCycle(c.account, metrics.ResultError, elapsed)
	if c.logger != nil {
		c.logger.Printf("coordinator: cycle failed account=%s date=%s: %v", c.account, fetchDate.Format(calendar.DayKey), err)
	}
	event := notify.FailureEvent{
		Account:      c.account,
		FetchDate:    fetchDate.Format(calendar.DayKey),
		Reason:       err.Error(),
		MissingDates: state.MissingDateKeys(),
	}
	// The cycle context may already be past its deadline.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if sendErr := c.channel.Send(notifyCtx, event); sendErr != nil && c.logger != nil {
		c.logger.Printf("coordinator: failure notification not delivered account=%s: %v", c.account, sendErr)
	}
}

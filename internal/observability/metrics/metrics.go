package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "waterflux_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec

	fetchTotal *prometheus.CounterVec

	recordsPublished *prometheus.CounterVec

	missingDates *prometheus.GaugeVec

	backfillTotal   *prometheus.CounterVec
	backfillLatency *prometheus.HistogramVec

	reportExportTotal *prometheus.CounterVec
)

// Init registers the module's metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "update_cycles_total",
				Help: "Total update cycles by account and result",
			},
			[]string{"account", "result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "update_cycle_latency_seconds",
				Help:    "Update cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"account", "result"},
		)

		fetchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetches_total",
				Help: "Total data source fetches by granularity and result",
			},
			[]string{"account", "granularity", "result"},
		)

		recordsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statistics_records_published_total",
				Help: "Total statistic records published by granularity",
			},
			[]string{"account", "granularity"},
		)

		missingDates = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "missing_dates",
				Help: "Dates pending retry per account",
			},
			[]string{"account"},
		)

		backfillTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "backfills_total",
				Help: "Total backfill runs by account and result",
			},
			[]string{"account", "result"},
		)
		backfillLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "backfill_latency_seconds",
				Help:    "Backfill latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"account", "result"},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_exports_total",
				Help: "Total usage report exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			fetchTotal,
			recordsPublished,
			missingDates,
			backfillTotal,
			backfillLatency,
			reportExportTotal,
		)
	})
}

// ObserveCycle records one update cycle's duration and result.
func ObserveCycle(account, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(account, result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(account, result).Observe(duration.Seconds())
	}
}

// IncFetch counts one granularity fetch.
func IncFetch(account, granularity, result string) {
	if result == "" {
		result = resultSuccess
	}
	if fetchTotal != nil {
		fetchTotal.WithLabelValues(account, granularity, result).Inc()
	}
}

// AddRecordsPublished counts statistic records sent to the stores.
func AddRecordsPublished(account, granularity string, count int) {
	if count <= 0 {
		return
	}
	if recordsPublished != nil {
		recordsPublished.WithLabelValues(account, granularity).Add(float64(count))
	}
}

// SetMissingDates sets the pending-retry gauge for an account.
func SetMissingDates(account string, count int) {
	if missingDates != nil {
		missingDates.WithLabelValues(account).Set(float64(count))
	}
}

// ObserveBackfill records one backfill run.
func ObserveBackfill(account, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if backfillTotal != nil {
		backfillTotal.WithLabelValues(account, result).Inc()
	}
	if backfillLatency != nil {
		backfillLatency.WithLabelValues(account, result).Observe(duration.Seconds())
	}
}

// IncReportExport counts one usage report export.
func IncReportExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

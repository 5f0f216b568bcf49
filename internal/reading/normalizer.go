package reading

import (
	"log"
	"strconv"
	"time"
)

// RawMeasurement is one measurement node as returned by the account data
// source, before any validation. Value may be in scientific notation.
type RawMeasurement struct {
	StartAt string
	Value   string
	Unit    string
}

// Normalizer converts raw measurement nodes into typed interval readings.
// Malformed values are coerced to 0.0 with a warning; records without a
// usable start timestamp are dropped. It never fails a whole batch.
type Normalizer struct {
	logger *log.Logger
}

// NewNormalizer constructs a Normalizer. A nil logger disables warnings.
func NewNormalizer(logger *log.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts raw nodes to interval readings at the given
// granularity. Deduplication is left to the calendar aggregator.
func (n *Normalizer) Normalize(raw []RawMeasurement, granularity Granularity) []IntervalReading {
	readings := make([]IntervalReading, 0, len(raw))
	for _, node := range raw {
		start, ok := parseStart(node.StartAt)
		if !ok {
			n.warnf("dropping measurement without usable start timestamp: %q", node.StartAt)
			continue
		}

		value, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			n.warnf("invalid measurement value %q, using 0.0: %v", node.Value, err)
			value = 0.0
		}

		readings = append(readings, IntervalReading{
			Start:       start,
			Value:       value,
			Unit:        node.Unit,
			Granularity: granularity,
		})
	}
	return readings
}

func (n *Normalizer) warnf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf("normalizer: "+format, args...)
	}
}

var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseStart(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range startLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

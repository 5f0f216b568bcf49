package reading

import (
	"testing"
	"time"
)

func TestNormalizeParsesValues(t *testing.T) {
	n := NewNormalizer(nil)

	raw := []RawMeasurement{
		{StartAt: "2024-03-16T00:00:00Z", Value: "1.234", Unit: "m³"},
		{StartAt: "2024-03-17T00:00:00Z", Value: "8.5e-1", Unit: "m³"},
	}

	readings := n.Normalize(raw, GranularityDay)
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].Value != 1.234 {
		t.Errorf("expected 1.234, got %v", readings[0].Value)
	}
	if readings[1].Value != 0.85 {
		t.Errorf("expected scientific notation parsed to 0.85, got %v", readings[1].Value)
	}
	want := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	if !readings[0].Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, readings[0].Start)
	}
	if readings[0].Granularity != GranularityDay {
		t.Errorf("expected DAY granularity, got %s", readings[0].Granularity)
	}
}

func TestNormalizeMalformedValueBecomesZero(t *testing.T) {
	n := NewNormalizer(nil)

	raw := []RawMeasurement{
		{StartAt: "2024-03-16T00:00:00Z", Value: "not-a-number"},
		{StartAt: "2024-03-17T00:00:00Z", Value: ""},
	}

	readings := n.Normalize(raw, GranularityDay)
	if len(readings) != 2 {
		t.Fatalf("malformed values must not drop records: got %d readings", len(readings))
	}
	for i, r := range readings {
		if r.Value != 0.0 {
			t.Errorf("reading %d: expected 0.0 substitute, got %v", i, r.Value)
		}
	}
}

func TestNormalizeDropsMissingStart(t *testing.T) {
	n := NewNormalizer(nil)

	raw := []RawMeasurement{
		{StartAt: "", Value: "1.0"},
		{StartAt: "garbage", Value: "2.0"},
		{StartAt: "2024-03-16", Value: "3.0"},
	}

	readings := n.Normalize(raw, GranularityDay)
	if len(readings) != 1 {
		t.Fatalf("expected only the date-only record to survive, got %d", len(readings))
	}
	if readings[0].Value != 3.0 {
		t.Errorf("expected 3.0, got %v", readings[0].Value)
	}
}

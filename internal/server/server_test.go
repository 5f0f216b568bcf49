package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"waterflux/internal/calendar"
	"waterflux/internal/coordinator"
	"waterflux/internal/reading"
	"waterflux/internal/statistics"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeSource struct {
	dailyValues map[string]float64
}

func (s *fakeSource) Authenticate(context.Context) error { return nil }

func (s *fakeSource) FetchMeterIdentifiers(context.Context) error { return nil }

func (s *fakeSource) MeterID() string { return "msp-1_dev-1" }

func (s *fakeSource) FetchIntervalReadings(_ context.Context, start, end time.Time, granularity reading.Granularity) ([]reading.RawMeasurement, error) {
	if granularity != reading.GranularityDay {
		return nil, nil
	}
	var out []reading.RawMeasurement
	for d := calendar.DateOf(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		if v, ok := s.dailyValues[d.Format(calendar.DayKey)]; ok {
			out = append(out, reading.RawMeasurement{
				StartAt: d.Format(calendar.DayKey) + "T00:00:00Z",
				Value:   strconv.FormatFloat(v, 'f', -1, 64),
				Unit:    "m3",
			})
		}
	}
	return out, nil
}

func (s *fakeSource) FetchManualReadings(context.Context) ([]reading.ManualReading, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) (*Handler, *coordinator.Coordinator) {
	t.Helper()
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	values := make(map[string]float64)
	for d := now.AddDate(0, 0, -30); d.Before(now); d = d.AddDate(0, 0, 1) {
		values[d.Format(calendar.DayKey)] = 0.5
	}

	logger := log.New(io.Discard, "", 0)
	publisher, err := statistics.NewPublisher(statistics.NewLoggingStore(logger), "A-0001", logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	c, err := coordinator.NewCoordinator("A-0001", &fakeSource{dailyValues: values}, publisher, logger,
		coordinator.WithClock(fixedClock{now}))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	handler, err := NewHandler([]*coordinator.Coordinator{c}, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler, c
}

func TestStatusEndpoint(t *testing.T) {
	handler, c := newTestHandler(t)
	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out []accountStatusDTO
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].Account != "A-0001" {
		t.Fatalf("response = %+v", out)
	}
	if out[0].State.Status != "success" {
		t.Fatalf("fetch status = %s", out[0].State.Status)
	}
	if out[0].State.LastSuccessfulUpdate != "2024-05-01" {
		t.Fatalf("last successful update = %s", out[0].State.LastSuccessfulUpdate)
	}
	if out[0].Snapshot == nil || out[0].Snapshot.YesterdayUsage == nil {
		t.Fatal("snapshot missing from status")
	}
}

func TestStatusBeforeFirstCycle(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out []accountStatusDTO
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out[0].Snapshot != nil {
		t.Fatal("expected nil snapshot before first cycle")
	}
	if out[0].State.Status != "pending" {
		t.Fatalf("fetch status = %s", out[0].State.Status)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	handler, c := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/backfill?account=A-0001", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out []backfillResultDTO
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].Result != "ok" {
		t.Fatalf("response = %+v", out)
	}
	if c.Snapshot() == nil {
		t.Fatal("backfill did not produce a snapshot")
	}
}

func TestBackfillUnknownAccount(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/backfill?account=A-9999", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBackfillRequiresPost(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/backfill", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReportEndpoint(t *testing.T) {
	handler, c := newTestHandler(t)
	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/report?format=pdf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF") {
		t.Fatal("body is not a PDF")
	}
}

func TestReportBeforeFirstCycle(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/report", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// Package server exposes the admin HTTP surface: fetch status, operator
// backfill and usage report export. Metrics are mounted separately in
// main.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"waterflux/internal/calendar"
	"waterflux/internal/coordinator"
	"waterflux/internal/export"
	"waterflux/internal/observability/metrics"
)

// Handler provides the /admin endpoints.
type Handler struct {
	coordinators []*coordinator.Coordinator
	logger       *log.Logger
}

// NewHandler constructs a Handler.
func NewHandler(coordinators []*coordinator.Coordinator, logger *log.Logger) (*Handler, error) {
	if len(coordinators) == 0 {
		return nil, errors.New("admin handler: no coordinators")
	}
	return &Handler{coordinators: coordinators, logger: logger}, nil
}

// ServeHTTP handles /admin subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/admin/status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStatus(w, r)
	case "/admin/backfill":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleBackfill(w, r)
	case "/admin/report":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReport(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fetchStateDTO struct {
	Status               string   `json:"status"`
	LastSuccessfulUpdate string   `json:"last_successful_update,omitempty"`
	MissingDates         []string `json:"missing_dates"`
}

type snapshotDTO struct {
	MeterID         string   `json:"meter_id,omitempty"`
	YesterdayDate   string   `json:"yesterday_date"`
	YesterdayUsage  *float64 `json:"yesterday_usage"`
	WeekToDate      float64  `json:"week_to_date"`
	PreviousWeek    float64  `json:"previous_week"`
	MonthToDate     *float64 `json:"month_to_date"`
	TrailingTotal   float64  `json:"last_7_days_total"`
	TrailingAverage float64  `json:"last_7_days_average"`
	OvernightUsage  *float64 `json:"overnight_usage"`
	EstimatedValue  *float64 `json:"estimated_meter_reading"`
	UpdatedAt       string   `json:"updated_at"`
}

type accountStatusDTO struct {
	Account  string        `json:"account"`
	State    fetchStateDTO `json:"fetch_state"`
	Snapshot *snapshotDTO  `json:"snapshot"`
}

func stateDTO(state coordinator.FetchState) fetchStateDTO {
	dto := fetchStateDTO{
		Status:       string(state.Status),
		MissingDates: state.MissingDateKeys(),
	}
	if dto.MissingDates == nil {
		dto.MissingDates = []string{}
	}
	if !state.LastSuccessfulUpdate.IsZero() {
		dto.LastSuccessfulUpdate = state.LastSuccessfulUpdate.Format(calendar.DayKey)
	}
	return dto
}

func snapshotToDTO(s *coordinator.Snapshot) *snapshotDTO {
	if s == nil {
		return nil
	}
	dto := &snapshotDTO{
		MeterID:         s.MeterID,
		YesterdayDate:   s.YesterdayDate.Format(calendar.DayKey),
		YesterdayUsage:  s.YesterdayUsage,
		WeekToDate:      s.WeekToDate.Value,
		PreviousWeek:    s.PreviousWeek.Value,
		TrailingTotal:   s.TrailingTotal,
		TrailingAverage: s.TrailingAverage,
		OvernightUsage:  s.OvernightUsage,
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
	if s.MonthToDate != nil {
		value := s.MonthToDate.Value
		dto.MonthToDate = &value
	}
	if s.Estimate != nil {
		value := s.Estimate.Value
		dto.EstimatedValue = &value
	}
	return dto
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make([]accountStatusDTO, 0, len(h.coordinators))
	for _, c := range h.coordinators {
		out = append(out, accountStatusDTO{
			Account:  c.Account(),
			State:    stateDTO(c.State()),
			Snapshot: snapshotToDTO(c.Snapshot()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type backfillResultDTO struct {
	Account string `json:"account"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	targets := h.selectCoordinators(account)
	if len(targets) == 0 {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}

	out := make([]backfillResultDTO, 0, len(targets))
	for _, c := range targets {
		result := backfillResultDTO{Account: c.Account(), Result: "ok"}
		if _, err := c.Backfill(r.Context()); err != nil {
			// Backfill errors are reported, never fatal.
			result.Result = "error"
			result.Error = err.Error()
			if h.logger != nil {
				h.logger.Printf("admin: backfill failed account=%s: %v", c.Account(), err)
			}
		}
		out = append(out, result)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}

	account := r.URL.Query().Get("account")
	targets := h.selectCoordinators(account)
	if len(targets) == 0 {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}
	c := targets[0]

	snapshot := c.Snapshot()
	if snapshot == nil {
		http.Error(w, "no snapshot available yet", http.StatusConflict)
		return
	}

	report := export.UsageReport{Snapshot: snapshot, Daily: snapshot.Daily}
	out, contentType, err := report.Build(format)
	if err != nil {
		metrics.IncReportExport(string(format), metrics.ResultError)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.IncReportExport(string(format), metrics.ResultSuccess)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="usage-report.`+string(format)+`"`)
	_, _ = w.Write(out)
}

func (h *Handler) selectCoordinators(account string) []*coordinator.Coordinator {
	if account == "" {
		return h.coordinators
	}
	for _, c := range h.coordinators {
		if c.Account() == account {
			return []*coordinator.Coordinator{c}
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

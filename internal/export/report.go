// Package export renders usage reports from an account snapshot.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"waterflux/internal/calendar"
	"waterflux/internal/coordinator"
	"waterflux/internal/reading"
)

// Format selects the report output format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// ErrNilSnapshot is returned when no snapshot is available yet.
var ErrNilSnapshot = errors.New("export: no snapshot available")

// UsageReport is the material of one rendered report.
type UsageReport struct {
	Snapshot *coordinator.Snapshot
	Daily    []reading.DailyTotal
}

// Build renders the report in the requested format.
func (r UsageReport) Build(format Format) ([]byte, string, error) {
	if r.Snapshot == nil {
		return nil, "", ErrNilSnapshot
	}
	switch format {
	case FormatPDF:
		out, err := r.buildPDF()
		return out, "application/pdf", err
	case FormatXLSX:
		out, err := r.buildXLSX()
		return out, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", err
	default:
		return nil, "", fmt.Errorf("export: unsupported format %q", format)
	}
}

func formatOptional(value *float64) string {
	if value == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *value)
}

func (r UsageReport) buildPDF() ([]byte, error) {
	s := r.Snapshot

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Water Usage Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Account: %s", s.Account))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Meter: %s", s.MeterID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", s.UpdatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Yesterday (%s): %s m3", s.YesterdayDate.Format(calendar.DayKey), formatOptional(s.YesterdayUsage)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Week to date: %.3f m3", s.WeekToDate.Value))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Previous week: %.3f m3", s.PreviousWeek.Value))
	pdf.Ln(5)
	if s.MonthToDate != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Month to date (%s): %.3f m3", s.MonthToDate.Month, s.MonthToDate.Value))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Last 7 days: %.3f m3 (avg %.3f/day over %d days)", s.TrailingTotal, s.TrailingAverage, s.TrailingDays))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Overnight usage: %s m3", formatOptional(s.OvernightUsage)))
	pdf.Ln(5)
	if s.Estimate != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Estimated meter reading: %.3f m3 (%d days since official)", s.Estimate.Value, s.Estimate.DaysSinceOfficial))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Day", "1", 0, "C", false, 0, "")
	pdf.CellFormat(60, 6, "Usage (m3)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, day := range r.Daily {
		pdf.CellFormat(60, 6, day.Date.Format(calendar.DayKey), "1", 0, "C", false, 0, "")
		pdf.CellFormat(60, 6, fmt.Sprintf("%.3f", day.Value), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r UsageReport) buildXLSX() ([]byte, error) {
	s := r.Snapshot

	f := excelize.NewFile()
	summarySheet := "summary"
	dailySheet := "daily"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(dailySheet)

	_ = f.SetCellValue(summarySheet, "A1", "Water Usage Report")
	_ = f.SetCellValue(summarySheet, "A3", "Account")
	_ = f.SetCellValue(summarySheet, "B3", s.Account)
	_ = f.SetCellValue(summarySheet, "A4", "Meter")
	_ = f.SetCellValue(summarySheet, "B4", s.MeterID)
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", s.UpdatedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Yesterday (m3)")
	_ = f.SetCellValue(summarySheet, "B6", formatOptional(s.YesterdayUsage))
	_ = f.SetCellValue(summarySheet, "A7", "Week to date (m3)")
	_ = f.SetCellValue(summarySheet, "B7", s.WeekToDate.Value)
	_ = f.SetCellValue(summarySheet, "A8", "Previous week (m3)")
	_ = f.SetCellValue(summarySheet, "B8", s.PreviousWeek.Value)
	if s.MonthToDate != nil {
		_ = f.SetCellValue(summarySheet, "A9", fmt.Sprintf("Month to date %s (m3)", s.MonthToDate.Month))
		_ = f.SetCellValue(summarySheet, "B9", s.MonthToDate.Value)
	}
	_ = f.SetCellValue(summarySheet, "A10", "Last 7 days (m3)")
	_ = f.SetCellValue(summarySheet, "B10", s.TrailingTotal)
	_ = f.SetCellValue(summarySheet, "A11", "Overnight (m3)")
	_ = f.SetCellValue(summarySheet, "B11", formatOptional(s.OvernightUsage))
	if s.Estimate != nil {
		_ = f.SetCellValue(summarySheet, "A12", "Estimated meter reading (m3)")
		_ = f.SetCellValue(summarySheet, "B12", s.Estimate.Value)
	}

	_ = f.SetCellValue(dailySheet, "A1", "Day")
	_ = f.SetCellValue(dailySheet, "B1", "Usage (m3)")
	for i, day := range r.Daily {
		row := i + 2
		_ = f.SetCellValue(dailySheet, fmt.Sprintf("A%d", row), day.Date.Format(calendar.DayKey))
		_ = f.SetCellValue(dailySheet, fmt.Sprintf("B%d", row), day.Value)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

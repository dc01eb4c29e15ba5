package analytics

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"tickettriage/internal/domain"
)

const (
	sheetSummary   = "Summary"
	sheetIntents   = "Intents"
	sheetConfusion = "Confusion Matrix"
)

// WriteXLSX writes the summary, intent distribution and confusion matrix of
// the session as a workbook.
func (d *DashboardSession) WriteXLSX(ctx context.Context, w io.Writer) error {
	sum, err := d.Summary(ctx)
	if err != nil {
		return err
	}
	cls, err := d.Classifications(ctx)
	if err != nil {
		return err
	}
	fb, err := d.Corrections(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{sheetIntents, sheetConfusion} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	window := "all time"
	if d.Days > 0 {
		window = fmt.Sprintf("last %d days", d.Days)
	}
	rows := [][]any{
		{"Metric", "Value"},
		{"Window", window},
		{"Total classifications", sum.TotalClassifications},
		{"Successful classifications", sum.SuccessfulClassifications},
		{"Error rate (%)", sum.ErrorRate},
		{"Average confidence", optional(sum.AvgConfidence)},
		{"Average processing time (s)", optional(sum.AvgProcessingTimeSeconds)},
		{"Accuracy rate", sum.AccuracyRate},
		{"Total corrections", sum.TotalCorrections},
		{"Templates used", sum.TemplatesUsed},
	}
	if err := writeRows(f, sheetSummary, rows); err != nil {
		return err
	}

	rows = [][]any{{"Intent", "Count", "Percentage"}}
	for _, ic := range cls.IntentDistribution {
		rows = append(rows, []any{string(ic.Intent), ic.Count, ic.Percentage})
	}
	if err := writeRows(f, sheetIntents, rows); err != nil {
		return err
	}

	// Rows are the AI intent, columns the agent's correction.
	header := []any{"Original \\ Corrected"}
	for _, in := range domain.Intents {
		header = append(header, string(in))
	}
	rows = [][]any{header}
	for _, orig := range domain.Intents {
		row := []any{string(orig)}
		for _, corr := range domain.Intents {
			row = append(row, fb.ConfusionMatrix[orig][corr])
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, sheetConfusion, rows); err != nil {
		return err
	}

	for _, sheet := range []string{sheetSummary, sheetIntents, sheetConfusion} {
		if err := f.SetCellStyle(sheet, "A1", "J1", bold); err != nil {
			return fmt.Errorf("style %s header: %w", sheet, err)
		}
		if err := f.SetColWidth(sheet, "A", "A", 30); err != nil {
			return fmt.Errorf("size %s columns: %w", sheet, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func optional(v *float64) any {
	if v == nil {
		return "n/a"
	}
	return *v
}

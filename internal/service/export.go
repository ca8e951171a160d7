package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

const (
	exportSheet    = "History"
	exportPageSize = 100
	maxCellText    = 2000
)

// HistoryExporter writes an owner's confirmed history to an XLSX workbook.
type HistoryExporter struct {
	store HistoryStore
}

// NewHistoryExporter creates an exporter reading from store.
func NewHistoryExporter(store HistoryStore) *HistoryExporter {
	return &HistoryExporter{store: store}
}

// ExportXLSX returns the workbook bytes for every entry the store holds for ownerID.
func (e *HistoryExporter) ExportXLSX(ctx context.Context, ownerID string) ([]byte, error) {
	start := time.Now()

	var entries []domain.HistoryEntry
	for page := 1; ; page++ {
		pg, err := e.store.List(ctx, ownerID, page, exportPageSize)
		if err != nil {
			return nil, fmt.Errorf("list history page %d: %w", page, err)
		}
		entries = append(entries, pg.Items...)
		if len(pg.Items) < exportPageSize || page >= pg.TotalPages {
			break
		}
	}

	f := excelize.NewFile()
	defer f.Close()
	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"Completed At", "Kind", "Job ID", "Entry ID", "Result"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for n, entry := range entries {
		row := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}
		completed := entry.CreatedAt
		if entry.CompletedAt != nil {
			completed = *entry.CompletedAt
		}
		write(1, completed.UTC().Format(time.RFC3339))
		write(2, string(entry.Kind))
		write(3, entry.JobID)
		write(4, entry.ID)
		job := domain.Job{ResultPayload: entry.Result}
		write(5, truncate(job.ResultText(), maxCellText))
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 22)
	_ = f.SetColWidth(exportSheet, "B", "B", 14)
	_ = f.SetColWidth(exportSheet, "C", "D", 38)
	_ = f.SetColWidth(exportSheet, "E", "E", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldCount:      len(entries),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info(ctx, "History exported")
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

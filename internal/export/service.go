package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
	"github.com/joseph-ayodele/underwriting-pipeline/internal/ledger"
)

// Service produces downloadable snapshots of the ledger and silver tables.
type Service struct {
	ledger ledger.Ledger
	store  *lake.Store
	logger *slog.Logger
}

func NewService(l ledger.Ledger, store *lake.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, store: store, logger: logger}
}

// LedgerXLSX returns the ledger as an XLSX workbook, optionally filtered by status.
func (s *Service) LedgerXLSX(ctx context.Context, status *constants.LedgerStatus) ([]byte, error) {
	start := time.Now()

	var (
		entries []ledger.Entry
		err     error
	)
	if status != nil {
		entries, err = s.ledger.ListByStatus(ctx, *status)
	} else {
		entries, err = s.ledger.List(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Ledger"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Email",
		"Request ID",
		"Status",
		"Payload Hash",
		"Sent At (UTC)",
		"Scored At (UTC)",
		"Score",
		"Limit",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, e := range entries {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, e.Email)
		write(2, e.RequestID)
		write(3, string(e.Status))
		write(4, deref(e.PayloadHash))
		write(5, formatTime(e.SentAt))
		write(6, formatTime(e.ScoredAt))
		write(7, formatFloat(e.Score))
		write(8, formatFloat(e.Limit))
	}

	_ = f.SetColWidth(sheet, "A", "A", 32) // email
	_ = f.SetColWidth(sheet, "B", "C", 16)
	_ = f.SetColWidth(sheet, "D", "D", 66) // sha256 hex
	_ = f.SetColWidth(sheet, "E", "F", 22)
	_ = f.SetColWidth(sheet, "G", "H", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.ledger_xlsx.ok",
		"rows", len(entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

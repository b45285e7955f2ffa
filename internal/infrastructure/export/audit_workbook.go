// Package export renders withdrawal audit trails to spreadsheets.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/port"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

const (
	sheetName  = "Audit"
	tableStart = 10
)

var tableHeader = []string{"#", "Timestamp (UTC)", "From", "To", "Action", "Actor", "Comment", "Transition ID"}

// AuditWorkbookExporter implements port.AuditExporter with excelize
type AuditWorkbookExporter struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditWorkbookExporter writes workbooks into dir
func NewAuditWorkbookExporter(dir string, logger *zap.Logger) *AuditWorkbookExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditWorkbookExporter{
		dir:    dir,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ExportTransitions writes the withdrawal summary and its transitions, returning the file path
func (e *AuditWorkbookExporter) ExportTransitions(ctx context.Context, w *entity.Withdrawal, transitions []*entity.WithdrawalTransition) (string, error) {
	if w == nil {
		return "", fmt.Errorf("withdrawal is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return "", fmt.Errorf("failed to name sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("failed to create style: %w", err)
	}

	generated := e.now()
	summary := [][2]string{
		{"Withdrawal", w.TransactionID},
		{"Chama", w.ChamaID},
		{"Member", w.MemberID},
		{"Amount", w.Amount.String()},
		{"State", w.State.String()},
		{"Payment method", w.PaymentMethod},
		{"Confirmation", w.Confirmation},
		{"Generated at", generated.Format(time.RFC3339)},
	}
	for i, row := range summary {
		r := i + 1
		e.setCell(f, cell(1, r), row[0])
		e.setCell(f, cell(2, r), row[1])
	}
	_ = f.SetCellStyle(sheetName, cell(1, 1), cell(1, len(summary)), bold)

	for c, title := range tableHeader {
		e.setCell(f, cell(c+1, tableStart), title)
	}
	_ = f.SetCellStyle(sheetName, cell(1, tableStart), cell(len(tableHeader), tableStart), bold)

	for i, t := range transitions {
		r := tableStart + 1 + i
		values := []interface{}{
			t.Sequence,
			t.Timestamp.UTC().Format(time.RFC3339),
			t.From.String(),
			t.To.String(),
			t.Action,
			t.ActorUserID,
			t.Comment,
			t.ID,
		}
		for c, v := range values {
			e.setCell(f, cell(c+1, r), v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 16)
	_ = f.SetColWidth(sheetName, "B", "B", 24)
	_ = f.SetColWidth(sheetName, "C", "F", 18)
	_ = f.SetColWidth(sheetName, "G", "H", 38)

	name := fmt.Sprintf("withdrawal_%s_%s.xlsx", sanitizeFilename(w.TransactionID), generated.Format("20060102T150405"))
	outputPath := filepath.Join(e.dir, name)
	if err := f.SaveAs(outputPath); err != nil {
		return "", fmt.Errorf("failed to save Excel file: %w", err)
	}

	e.logger.Info("Audit workbook exported",
		zap.String("transaction_id", w.TransactionID),
		zap.Int("transitions", len(transitions)),
		zap.String("output_path", outputPath))
	return outputPath, nil
}

func (e *AuditWorkbookExporter) setCell(f *excelize.File, ref string, value interface{}) {
	if err := f.SetCellValue(sheetName, ref, value); err != nil {
		e.logger.Warn("Failed to set cell value",
			zap.String("cell", ref),
			zap.Error(err))
	}
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func sanitizeFilename(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Verify interface compliance
var _ port.AuditExporter = (*AuditWorkbookExporter)(nil)

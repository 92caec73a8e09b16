package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"intake/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Outbox"

var headers = []string{
	"ID", "Type", "Booking Ref", "Status", "Retries", "Last Error",
	"Customer", "Email", "Service", "Failed Step", "Created", "Processed",
}

// WriteOutbox saves tasks as an xlsx workbook at path. Times are rendered
// in loc.
func WriteOutbox(path string, tasks []models.NotificationTask, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating export directory: %w", err)
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	style, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(sheetName, "A1", last, style)

	for i, task := range tasks {
		row := make([]any, 0, len(headers))
		row = append(row, task.ID, task.TaskType, task.BookingRef, task.Status, task.RetryCount, deref(task.LastError))
		row = append(row, payloadColumns(task.Payload)...)
		row = append(row, task.CreatedAt.In(loc).Format(time.DateTime), formatTime(task.ProcessedAt, loc))

		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("error writing row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "B", 14)
	_ = f.SetColWidth(sheetName, "C", "L", 22)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("error saving file: %w", err)
	}
	return nil
}

// payloadColumns extracts customer, email, service and failed step. An
// unreadable payload leaves them blank.
func payloadColumns(raw string) []any {
	var p models.NotificationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return []any{"", "", "", ""}
	}
	failed := ""
	if p.Result != nil {
		failed = p.Result.FailedStep
	}
	return []any{p.Request.Customer.FullName(), p.Request.Customer.Email, p.Request.Service.Type, failed}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(time.DateTime)
}

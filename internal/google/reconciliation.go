package google

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"intake/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// ReconciliationLog appends one row per partial booking so ops can finish
// or clean up the CRM records by hand.
type ReconciliationLog struct {
	service       *sheets.Service
	spreadsheetID string
	sheet         string
}

func NewReconciliationLog(ctx context.Context, credentialsFile, spreadsheetID, sheet string) (*ReconciliationLog, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return NewReconciliationLogWithService(srv, spreadsheetID, sheet), nil
}

func NewReconciliationLogWithService(srv *sheets.Service, spreadsheetID, sheet string) *ReconciliationLog {
	if sheet == "" {
		sheet = "Reconciliation"
	}
	return &ReconciliationLog{service: srv, spreadsheetID: spreadsheetID, sheet: sheet}
}

// Header is the column layout of the reconciliation sheet.
var Header = []interface{}{
	"Logged At", "Ref", "Source", "Service", "Customer", "Phone", "Email",
	"Failed Step", "Customer ID", "Estimate ID", "Calendar Task ID", "Error",
}

// Append writes the row for a partial booking.
func (l *ReconciliationLog) Append(ctx context.Context, bookingRef string, p models.NotificationPayload, at time.Time) error {
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{RowValues(bookingRef, p, at)},
	}

	_, err := l.service.Spreadsheets.Values.Append(l.spreadsheetID, l.sheet+"!A:A", valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append reconciliation row: %w", err)
	}
	return nil
}

// RowValues renders one sheet row in Header order.
func RowValues(bookingRef string, p models.NotificationPayload, at time.Time) []interface{} {
	req := p.Request
	row := []interface{}{
		at.UTC().Format("2006-01-02 15:04:05"),
		bookingRef,
		req.Source,
		req.Service.Type,
		strings.TrimSpace(req.Customer.FirstName + " " + req.Customer.LastName),
		req.Customer.Phone,
		req.Customer.Email,
	}

	var failedStep, errMsg string
	var customerID, estimateID, taskID *models.ID
	if r := p.Result; r != nil {
		failedStep, errMsg = r.FailedStep, r.Error
		customerID, estimateID, taskID = r.CustomerID, r.EstimateID, r.CalendarTaskID
	}
	return append(row, failedStep, idCell(customerID), idCell(estimateID), idCell(taskID), errMsg)
}

func idCell(id *models.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

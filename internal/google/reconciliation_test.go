package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intake/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func partialPayload() models.NotificationPayload {
	customerID := models.NumberID(42)
	return models.NotificationPayload{
		Request: models.BookingRequest{
			Source:   models.SourceThumbtack,
			Customer: models.Customer{FirstName: "Grace", LastName: "Hopper", Phone: "555-0100", Email: "grace@example.com"},
			Service:  models.Service{Type: "ev-charger-install"},
		},
		Result: &models.PipelineResult{
			Status:     models.ResultError,
			CustomerID: &customerID,
			FailedStep: models.StepEstimate,
			Error:      "crm request failed: 500",
		},
	}
}

func TestRowValues(t *testing.T) {
	at := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	row := RowValues("cus-42", partialPayload(), at)

	require.Len(t, row, len(Header))
	assert.Equal(t, "2026-03-01 15:04:05", row[0])
	assert.Equal(t, "cus-42", row[1])
	assert.Equal(t, "Grace Hopper", row[4])
	assert.Equal(t, models.StepEstimate, row[7])
	assert.Equal(t, "42", row[8])
	assert.Equal(t, "", row[9])
	assert.Equal(t, "", row[10])
}

func TestRowValuesWithoutResult(t *testing.T) {
	p := partialPayload()
	p.Result = nil
	row := RowValues("", p, time.Now())
	require.Len(t, row, len(Header))
	assert.Equal(t, "", row[7])
}

func TestReconciliationLogAppend(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	var got sheets.ValueRange
	var query string
	mux.HandleFunc("/v4/spreadsheets/recon_tid/values/Reconciliation!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{
			Updates: &sheets.UpdateValuesResponse{UpdatedRange: "Reconciliation!A2:L2"},
		})
	})

	srv, err := sheets.NewService(ctx, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	log := NewReconciliationLogWithService(srv, "recon_tid", "")

	require.NoError(t, log.Append(ctx, "cus-42", partialPayload(), time.Now()))
	require.Len(t, got.Values, 1)
	assert.Equal(t, "cus-42", got.Values[0][1])
	assert.Contains(t, query, "valueInputOption=RAW")
}

func TestReconciliationLogAppendError(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"denied"}}`))
	}))
	defer server.Close()

	srv, err := sheets.NewService(ctx, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	err = NewReconciliationLogWithService(srv, "recon_tid", "Recon").Append(ctx, "x", partialPayload(), time.Now())
	assert.Error(t, err)
}

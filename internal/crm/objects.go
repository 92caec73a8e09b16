package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"intake/internal/domain"
	"intake/internal/models"
)

// DateTimeLayout is the CRM's wall-clock datetime format.
const DateTimeLayout = "2006-01-02 15:04:05"

type CustomerPayload struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"address_line_1,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Source       string `json:"source"`
	Notes        string `json:"notes,omitempty"`
}

type EstimatePayload struct {
	CustomerID             any            `json:"customers_id"`
	Description            string         `json:"description"`
	Notes                  string         `json:"notes,omitempty"`
	Source                 string         `json:"source"`
	Metadata               map[string]any `json:"metadata"`
	StartDate              string         `json:"start_date,omitempty"`
	TimeFramePromisedStart string         `json:"time_frame_promised_start,omitempty"`
	TimeFramePromisedEnd   string         `json:"time_frame_promised_end,omitempty"`
	DurationSeconds        int64          `json:"duration,omitempty"`
}

type CalendarTaskPayload struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Description string `json:"description"`
	CustomerID  any    `json:"customers_id"`
	EstimateID  any    `json:"estimates_id,omitempty"`
	JobID       any    `json:"jobs_id"`
	Type        string `json:"type"`
	UserID      any    `json:"users_id,omitempty"`
}

// CalendarTask is the subset of a CRM calendar task used for availability.
type CalendarTask struct {
	ID        *models.ID `json:"id,omitempty"`
	StartDate string     `json:"start_date"`
	EndDate   string     `json:"end_date"`
	UsersID   any        `json:"users_id,omitempty"`
}

// Technician returns the assigned user when the CRM reports a scalar id.
func (t CalendarTask) Technician() (models.ID, bool) {
	return models.IDFromValue(t.UsersID)
}

// TaskQuery selects calendar tasks starting on one business day.
type TaskQuery struct {
	Date         string
	TechnicianID string
	Limit        int
}

func (q TaskQuery) params() map[string]any {
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	p := map[string]any{
		"limit":                     limit,
		"filters[start_date][from]": q.Date + " 00:00:00",
		"filters[start_date][to]":   q.Date + " 23:59:59",
	}
	if q.TechnicianID != "" {
		p["filters[users_id]"] = q.TechnicianID
	}
	return p
}

func (c *Client) create(ctx context.Context, kind ObjectKind, payload any) (models.ID, error) {
	var record map[string]any
	if err := c.Do(ctx, http.MethodPost, kind.Endpoint, RequestOptions{JSON: payload}, &record); err != nil {
		return models.ID{}, fmt.Errorf("create %s: %w", kind.Name, err)
	}
	if record == nil {
		return models.ID{}, domain.ContractViolation("%s response was empty", kind.Name)
	}
	return kind.RequireID(unwrapRecord(record))
}

func (c *Client) CreateCustomer(ctx context.Context, p CustomerPayload) (models.ID, error) {
	return c.create(ctx, KindCustomer, p)
}

func (c *Client) CreateEstimate(ctx context.Context, p EstimatePayload) (models.ID, error) {
	return c.create(ctx, KindEstimate, p)
}

func (c *Client) CreateCalendarTask(ctx context.Context, p CalendarTaskPayload) (models.ID, error) {
	return c.create(ctx, KindCalendarTask, p)
}

// ListCalendarTasks fetches tasks for a day. The CRM answers with either a
// bare array or an object wrapping it under data, results or items.
func (c *Client) ListCalendarTasks(ctx context.Context, q TaskQuery) ([]CalendarTask, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodGet, KindCalendarTask.Endpoint, RequestOptions{Query: q.params()}, &raw); err != nil {
		return nil, fmt.Errorf("list calendar tasks: %w", err)
	}
	return decodeTaskList(raw)
}

func decodeTaskList(raw json.RawMessage) ([]CalendarTask, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var tasks []CalendarTask
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, domain.ContractViolation("decode calendar tasks: %v", err)
		}
		return tasks, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, domain.ContractViolation("decode calendar tasks: %v", err)
	}
	for _, key := range []string{"data", "results", "items"} {
		inner := bytes.TrimSpace(wrapper[key])
		if len(inner) > 0 && inner[0] == '[' {
			var tasks []CalendarTask
			if err := json.Unmarshal(inner, &tasks); err != nil {
				return nil, domain.ContractViolation("decode calendar tasks: %v", err)
			}
			return tasks, nil
		}
	}
	return nil, nil
}

// unwrapRecord accepts both {"id": ...} and {"data": {"id": ...}} bodies.
func unwrapRecord(record map[string]any) map[string]any {
	if inner, ok := record["data"].(map[string]any); ok {
		return inner
	}
	return record
}

// FormatDateTime renders t as CRM wall-clock time in loc.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateTimeLayout)
}

// ParseDateTime reads a CRM timestamp. Values without an offset are taken as
// wall-clock time in loc.
func ParseDateTime(s string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range []string{DateTimeLayout, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

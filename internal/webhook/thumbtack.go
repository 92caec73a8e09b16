package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"intake/internal/booking"
	"intake/internal/domain"
	"intake/internal/metrics"
	"intake/internal/models"
	"intake/internal/validation"

	"github.com/rs/zerolog"
)

// ThumbtackSignatureHeaders are checked in order; the first non-empty value
// is used.
var ThumbtackSignatureHeaders = []string{"X-Thumbtack-Signature", "Thumbtack-Signature"}

// ThumbtackSignature returns the signature header value, or "".
func ThumbtackSignature(h http.Header) string {
	for _, name := range ThumbtackSignatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// VerifyThumbtackSignature checks a hex HMAC-SHA256 of body, optionally
// prefixed with "sha256=".
func VerifyThumbtackSignature(secret string, body []byte, signature string) bool {
	if signature == "" || secret == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	received, err := hex.DecodeString(signature)
	if err != nil {
		received = []byte(signature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), received)
}

// Envelope is the outer shape of every Thumbtack webhook.
type Envelope struct {
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data"`
}

// ParseEnvelope decodes body and requires a data object.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, validation.Errorf("body", "Thumbtack webhook payload must be an object")
	}
	data, ok := raw["data"].(map[string]any)
	if !ok {
		return nil, validation.Errorf("data", "Thumbtack webhook payload missing data")
	}
	env := &Envelope{Data: data}
	if event, ok := raw["event"].(string); ok {
		env.Event = event
	}
	return env, nil
}

// LeadMapper turns a Thumbtack lead into a BookingRequest. Leads without a
// usable time window get a placeholder slot on the next day.
type LeadMapper struct {
	Location            *time.Location
	WorkdayStartHour    int
	PlaceholderDuration time.Duration
	Now                 func() time.Time
}

func (m LeadMapper) Map(env *Envelope) models.BookingRequest {
	lead := env.Data
	if nested, ok := env.Data["lead"].(map[string]any); ok {
		lead = nested
	}
	contact := firstObject(lead, "contact", "customer")
	address := firstObject(contact, "address")
	if len(address) == 0 {
		address = firstObject(lead, "address")
	}

	fullName := firstString("Thumbtack Lead", str(contact, "name"), str(lead, "customerName"), str(lead, "name"))
	first, last := splitName(fullName)

	leadID := lead["id"]
	if leadID == nil {
		leadID = contact["id"]
	}

	req := models.BookingRequest{
		Source: models.SourceThumbtack,
		Customer: models.Customer{
			FirstName:    first,
			LastName:     last,
			Email:        firstString("", str(contact, "email"), str(lead, "email")),
			Phone:        firstString("", str(contact, "phone"), str(lead, "phone")),
			AddressLine1: firstString("", str(address, "line1"), str(address, "addressLine1")),
			City:         str(address, "city"),
			State:        str(address, "state"),
			PostalCode:   firstString("", str(address, "postal_code"), str(address, "zip")),
		},
		Service: models.Service{
			Type:  firstString("thumbtack-lead", str(lead, "jobType"), str(lead, "category")),
			Notes: firstString("Thumbtack lead", str(lead, "description"), str(lead, "details"), str(lead, "message")),
			Options: map[string]any{
				models.OptionThumbtackLeadID: leadID,
				models.OptionRaw:             lead,
			},
		},
	}

	if sched, ok := m.leadSchedule(lead); ok {
		req.Schedule = sched
		req.Service.Options[models.OptionScheduleConfirmed] = true
	} else {
		req.Schedule = m.placeholder()
		req.Service.Options[models.OptionSchedulePlaceholder] = true
		req.Service.Options[models.OptionScheduleConfirmed] = false
	}
	return req
}

func (m LeadMapper) leadSchedule(lead map[string]any) (*models.Schedule, bool) {
	start, okStart := validation.ParseInstant(firstString("", str(lead, "requestedStart"), str(lead, "start_time"), str(lead, "startDate")))
	end, okEnd := validation.ParseInstant(firstString("", str(lead, "requestedEnd"), str(lead, "end_time"), str(lead, "endDate")))
	if !okStart || !okEnd || !end.After(start) {
		return nil, false
	}
	return &models.Schedule{Start: start.UTC(), End: end.UTC()}, true
}

// placeholder is tomorrow at the workday start in the business zone.
func (m LeadMapper) placeholder() *models.Schedule {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	d := m.PlaceholderDuration
	if d <= 0 {
		d = 120 * time.Minute
	}

	local := now().In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day()+1, m.WorkdayStartHour, 0, 0, 0, loc)
	return &models.Schedule{Start: start.UTC(), End: start.Add(d).UTC()}
}

// Thumbtack verifies and books partner leads.
type Thumbtack struct {
	secret    string
	mapper    LeadMapper
	validator *validation.Validator
	runner    domain.BookingRunner
	followUps *booking.FollowUps
	logger    *zerolog.Logger
}

func NewThumbtack(secret string, mapper LeadMapper, v *validation.Validator, runner domain.BookingRunner, followUps *booking.FollowUps, logger *zerolog.Logger) *Thumbtack {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Thumbtack{secret: secret, mapper: mapper, validator: v, runner: runner, followUps: followUps, logger: logger}
}

// Handle authenticates the raw body before parsing it. A pipeline failure
// returns the partial result together with the error.
func (t *Thumbtack) Handle(ctx context.Context, header http.Header, body []byte) (*models.PipelineResult, error) {
	if !VerifyThumbtackSignature(t.secret, body, ThumbtackSignature(header)) {
		metrics.IncWebhook("thumbtack", "unauthorized")
		return nil, fmt.Errorf("invalid Thumbtack signature: %w", domain.ErrAuthentication)
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		metrics.IncWebhook("thumbtack", "invalid")
		return nil, err
	}

	req := t.mapper.Map(env)
	if err := t.validator.BookingRequest(&req, false); err != nil {
		metrics.IncWebhook("thumbtack", "invalid")
		return nil, err
	}

	var opts domain.RunOptions
	if id := req.Service.Options[models.OptionThumbtackLeadID]; id != nil {
		opts.IdempotencyKey = fmt.Sprintf("thumbtack:%v", id)
	}

	t.logger.Info().Str("event", env.Event).Str("idempotency_key", opts.IdempotencyKey).Msg("Thumbtack lead received")
	res, runErr := t.runner.Run(ctx, req, opts)
	t.followUps.AfterRun(ctx, req, res, runErr, nil)
	if runErr != nil {
		metrics.IncWebhook("thumbtack", "failed")
	} else {
		metrics.IncWebhook("thumbtack", "processed")
	}
	return res, runErr
}

func firstObject(obj map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := obj[k].(map[string]any); ok {
			return v
		}
	}
	return map[string]any{}
}

func str(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return ""
}

func firstString(fallback string, values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return fallback
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	first, last := "Thumbtack", "Lead"
	if len(parts) > 0 {
		first = parts[0]
	}
	if len(parts) > 1 {
		last = strings.Join(parts[1:], " ")
	}
	return first, last
}

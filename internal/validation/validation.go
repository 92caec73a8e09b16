package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"intake/internal/availability"
	"intake/internal/domain"
	"intake/internal/models"

	"github.com/go-playground/validator/v10"
)

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every rejected field of one request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Errorf builds a single field validation error.
func Errorf(field, format string, args ...any) error {
	e := &ValidationError{}
	e.add(field, fmt.Sprintf(format, args...))
	return e
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validator wraps a configured go-playground validator. It is safe for
// concurrent use.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// BookingRequest checks required fields and, when present, the schedule
// ordering. requireSchedule is set by intake paths that create calendar tasks.
func (v *Validator) BookingRequest(req *models.BookingRequest, requireSchedule bool) error {
	verr := &ValidationError{}
	if req == nil {
		verr.add("body", "is required")
		return verr
	}

	trimRequest(req)

	if err := v.v.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate booking request: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe), describe(fe))
		}
	}

	switch {
	case req.Schedule == nil && requireSchedule:
		verr.add("schedule", "is required")
	case req.Schedule != nil:
		if req.Schedule.Start.IsZero() {
			verr.add("schedule.start", "is required")
		}
		if req.Schedule.End.IsZero() {
			verr.add("schedule.end", "is required")
		}
		if !req.Schedule.Start.IsZero() && !req.Schedule.End.IsZero() && !req.Schedule.End.After(req.Schedule.Start) {
			verr.add("schedule.end", "must be after schedule.start")
		}
	}

	return verr.orNil()
}

// AvailabilityQuery is the parsed form of an availability request.
type AvailabilityQuery struct {
	Date            string
	DurationMinutes int
	TechnicianID    string
}

// ParseAvailabilityQuery validates raw query values. A missing duration
// falls back to defaultDuration.
func ParseAvailabilityQuery(date, duration, technician string, defaultDuration int) (AvailabilityQuery, error) {
	verr := &ValidationError{}
	q := AvailabilityQuery{
		Date:            strings.TrimSpace(date),
		DurationMinutes: defaultDuration,
		TechnicianID:    strings.TrimSpace(technician),
	}

	if q.Date == "" {
		verr.add("date", "is required")
	} else if _, err := time.Parse(availability.DateLayout, q.Date); err != nil {
		verr.add("date", "must be YYYY-MM-DD")
	}

	if d := strings.TrimSpace(duration); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 {
			verr.add("durationMinutes", "must be a positive integer")
		} else {
			q.DurationMinutes = n
		}
	}

	return q, verr.orNil()
}

// ParseInstant accepts RFC 3339 timestamps with or without fractional seconds.
func ParseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func trimRequest(req *models.BookingRequest) {
	req.Source = strings.TrimSpace(req.Source)
	c := &req.Customer
	for _, f := range []*string{&c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.AddressLine1, &c.City, &c.State, &c.PostalCode} {
		*f = strings.TrimSpace(*f)
	}
	req.Service.Type = strings.TrimSpace(req.Service.Type)
	req.Service.Notes = strings.TrimSpace(req.Service.Notes)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "gte":
		return "must be at least " + fe.Param()
	}
	return "is invalid (" + fe.Tag() + ")"
}

package models

import "time"

// Source values for BookingRequest.Source.
const (
	SourceWebsite   = "website"
	SourceThumbtack = "thumbtack"
	SourceStripe    = "stripe"
)

// Option keys written into Service.Options by the adapters.
const (
	OptionEstimateStatus      = "estimateStatus"
	OptionDepositPaid         = "depositPaid"
	OptionDepositAmount       = "depositAmount"
	OptionPaymentPreference   = "paymentPreference"
	OptionThumbtackLeadID     = "thumbtackLeadId"
	OptionRaw                 = "raw"
	OptionSchedulePlaceholder = "schedulePlaceholder"
	OptionScheduleConfirmed   = "scheduleConfirmed"
	OptionStripeSessionID     = "stripeSessionId"
	OptionPhotos              = "photos"
	OptionPhotoRefs           = "photoRefs"
)

// BookingRequest is the canonical intake shape shared by every entry point.
type BookingRequest struct {
	Source   string    `json:"source" validate:"required"`
	Customer Customer  `json:"customer"`
	Service  Service   `json:"service"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

type Customer struct {
	FirstName    string `json:"firstName" validate:"required"`
	LastName     string `json:"lastName" validate:"required"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postalCode,omitempty"`
}

func (c Customer) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Service struct {
	Type           string         `json:"type" validate:"required"`
	Notes          string         `json:"notes,omitempty"`
	EstimatedPrice *float64       `json:"estimatedPrice,omitempty" validate:"omitempty,gte=0"`
	Options        map[string]any `json:"options,omitempty"`
}

// Schedule is a requested appointment window. End is strictly after Start
// once the request has passed validation.
type Schedule struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s Schedule) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// WithOptions returns a copy of the request whose service options are the
// existing options overlaid with extra. The receiver is not modified.
func (r BookingRequest) WithOptions(extra map[string]any) BookingRequest {
	merged := make(map[string]any, len(r.Service.Options)+len(extra))
	for k, v := range r.Service.Options {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	r.Service.Options = merged
	if r.Schedule != nil {
		sched := *r.Schedule
		r.Schedule = &sched
	}
	return r
}

// Option returns a service option value or nil.
func (r BookingRequest) Option(key string) any {
	if r.Service.Options == nil {
		return nil
	}
	return r.Service.Options[key]
}

// OptionString returns a string option, or "" when absent or not a string.
func (r BookingRequest) OptionString(key string) string {
	if s, ok := r.Option(key).(string); ok {
		return s
	}
	return ""
}

// OptionBool reports whether a boolean option is set to true.
func (r BookingRequest) OptionBool(key string) bool {
	b, ok := r.Option(key).(bool)
	return ok && b
}

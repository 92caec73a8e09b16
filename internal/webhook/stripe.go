package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"intake/internal/booking"
	"intake/internal/domain"
	"intake/internal/metrics"
	"intake/internal/models"
	"intake/internal/validation"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	estimateStatusWon  = "Estimate Won"
	metadataBookingID  = "bookingId"
	stripeKeyPrefix    = "stripe:"
	stripeProviderName = "stripe"
)

// StripeOutcome is what the payment webhook reports back to Stripe.
type StripeOutcome struct {
	Received bool                   `json:"received"`
	Ignored  bool                   `json:"ignored,omitempty"`
	Status   string                 `json:"status,omitempty"`
	Result   *models.PipelineResult `json:"-"`
}

// Stripe turns paid checkout sessions into CRM bookings.
type Stripe struct {
	secret    string
	pending   domain.PendingStore
	validator *validation.Validator
	runner    domain.BookingRunner
	followUps *booking.FollowUps
	logger    *zerolog.Logger
}

func NewStripe(secret string, pending domain.PendingStore, v *validation.Validator, runner domain.BookingRunner, followUps *booking.FollowUps, logger *zerolog.Logger) *Stripe {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Stripe{secret: secret, pending: pending, validator: v, runner: runner, followUps: followUps, logger: logger}
}

func (s *Stripe) Handle(ctx context.Context, payload []byte, signature string) (StripeOutcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.IncWebhook(stripeProviderName, "unauthorized")
		return StripeOutcome{}, fmt.Errorf("invalid Stripe signature: %v: %w", err, domain.ErrAuthentication)
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		metrics.IncWebhook(stripeProviderName, "ignored")
		return StripeOutcome{Received: true, Ignored: true}, nil
	}

	var session stripe.CheckoutSession
	if event.Data == nil {
		return StripeOutcome{}, validation.Errorf("data", "event has no object")
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return StripeOutcome{}, validation.Errorf("data.object", "not a checkout session: %v", err)
	}

	log := s.logger.With().Str("event_id", event.ID).Str("session_id", session.ID).Logger()

	bookingID := session.Metadata[metadataBookingID]
	if bookingID == "" {
		metrics.IncWebhook(stripeProviderName, "invalid")
		return StripeOutcome{}, validation.Errorf("metadata.bookingId", "is missing from the checkout session")
	}

	stored, err := s.pending.GetPending(ctx, bookingID)
	if err != nil {
		metrics.IncWebhook(stripeProviderName, "failed")
		return StripeOutcome{}, fmt.Errorf("load pending booking %s: %w", bookingID, err)
	}
	if stored == nil {
		metrics.IncWebhook(stripeProviderName, "invalid")
		return StripeOutcome{}, fmt.Errorf("pending booking %s: %w", bookingID, domain.ErrNotFound)
	}

	extra := map[string]any{
		models.OptionDepositPaid:     true,
		models.OptionEstimateStatus:  estimateStatusWon,
		models.OptionStripeSessionID: session.ID,
	}
	if session.AmountTotal > 0 {
		extra[models.OptionDepositAmount] = float64(session.AmountTotal) / 100
	}
	req := stored.WithOptions(extra)
	if err := s.validator.BookingRequest(&req, false); err != nil {
		metrics.IncWebhook(stripeProviderName, "invalid")
		return StripeOutcome{}, err
	}

	res, runErr := s.runner.Run(ctx, req, domain.RunOptions{IdempotencyKey: stripeKeyPrefix + session.ID})
	s.followUps.AfterRun(ctx, req, res, runErr, req.PhotoRefs())

	out := StripeOutcome{Received: true, Result: res}
	if res != nil {
		out.Status = res.Status
	}
	var stepErr *domain.StepError
	if runErr != nil && !errors.As(runErr, &stepErr) {
		metrics.IncWebhook(stripeProviderName, "failed")
		return out, runErr
	}
	if runErr != nil {
		// Acknowledged: partial records go to reconciliation, not redelivery.
		log.Warn().Err(runErr).Str("booking_id", bookingID).Msg("Paid booking only partially created in CRM")
		metrics.IncWebhook(stripeProviderName, "partial")
		return out, nil
	}

	log.Info().Str("booking_id", bookingID).Msg("Paid booking created")
	metrics.IncWebhook(stripeProviderName, "processed")
	return out, nil
}

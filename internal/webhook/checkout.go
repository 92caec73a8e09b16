package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"intake/internal/booking"
	"intake/internal/config"
	"intake/internal/domain"
	"intake/internal/models"
	"intake/internal/photos"
	"intake/internal/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
)

// SessionAPI is the subset of the Stripe checkout session client in use.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewSessionClient returns the live Stripe checkout session client.
func NewSessionClient(secretKey string) session.Client {
	return session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

// PhotoSaver uploads site photos for a booking.
type PhotoSaver interface {
	Save(ctx context.Context, bookingID string, inputs []photos.Input) ([]models.PhotoRef, error)
}

// Checkout stores a booking until its deposit is paid and opens the Stripe
// Checkout Session for it.
type Checkout struct {
	sessions  SessionAPI
	pending   domain.PendingStore
	validator *validation.Validator
	photos    PhotoSaver
	followUps *booking.FollowUps
	cfg       config.StripeConfig
	ttl       time.Duration
	newID     func() string
	logger    *zerolog.Logger
}

type CheckoutOption func(*Checkout)

func WithPhotoSaver(p PhotoSaver) CheckoutOption {
	return func(c *Checkout) { c.photos = p }
}

func WithFollowUps(f *booking.FollowUps) CheckoutOption {
	return func(c *Checkout) { c.followUps = f }
}

func WithIDGenerator(fn func() string) CheckoutOption {
	return func(c *Checkout) { c.newID = fn }
}

func WithCheckoutLogger(logger *zerolog.Logger) CheckoutOption {
	return func(c *Checkout) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewCheckout(sessions SessionAPI, pending domain.PendingStore, v *validation.Validator, cfg config.StripeConfig, ttl time.Duration, opts ...CheckoutOption) *Checkout {
	nop := zerolog.Nop()
	c := &Checkout{
		sessions:  sessions,
		pending:   pending,
		validator: v,
		cfg:       cfg,
		ttl:       ttl,
		newID:     uuid.NewString,
		logger:    &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckoutResult is returned to the estimator page.
type CheckoutResult struct {
	URL       string `json:"url"`
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId"`
}

// Create validates req, stores it as pending and opens a deposit session.
func (c *Checkout) Create(ctx context.Context, req models.BookingRequest, inputs []photos.Input) (*CheckoutResult, error) {
	if !c.cfg.Enabled || c.cfg.DepositPriceID == "" || c.cfg.SuccessURL == "" || c.cfg.CancelURL == "" {
		return nil, fmt.Errorf("stripe checkout: %w", domain.ErrConfig)
	}
	if err := c.validator.BookingRequest(&req, false); err != nil {
		return nil, err
	}

	bookingID := c.newID()
	stored := req.WithOptions(nil)
	delete(stored.Service.Options, models.OptionPhotos)

	if len(inputs) > 0 && c.photos != nil {
		refs, err := c.photos.Save(ctx, bookingID, inputs)
		switch {
		case errors.Is(err, photos.ErrNoPhotos):
		case err != nil:
			// Checkout goes ahead without photos.
			c.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("Photo upload failed before checkout")
		}
		if len(refs) > 0 {
			stored.Service.Options[models.OptionPhotoRefs] = refs
		}
	}

	if err := c.pending.SavePending(ctx, bookingID, &stored, c.ttl); err != nil {
		return nil, fmt.Errorf("store pending booking: %w", err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(c.cfg.DepositPriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(successURL(c.cfg.SuccessURL)),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		ClientReferenceID: stripe.String(bookingID),
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata(metadataBookingID, bookingID)
	params.Context = ctx

	sess, err := c.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %v: %w", err, domain.ErrUpstream)
	}
	if sess.URL == "" {
		return nil, domain.ContractViolation("stripe session %s did not return a URL", sess.ID)
	}

	c.logger.Info().Str("booking_id", bookingID).Str("session_id", sess.ID).Msg("Checkout session created")
	return &CheckoutResult{URL: sess.URL, BookingID: bookingID, SessionID: sess.ID}, nil
}

// AfterDepositPhotos accepts site photos for a paid booking. The session must
// reference bookingID.
func (c *Checkout) AfterDepositPhotos(ctx context.Context, sessionID, bookingID string, inputs []photos.Input) ([]models.PhotoRef, error) {
	sessionID, bookingID = strings.TrimSpace(sessionID), strings.TrimSpace(bookingID)
	if sessionID == "" || bookingID == "" {
		return nil, validation.Errorf("sessionId", "session_id and booking_id are required")
	}
	if len(inputs) == 0 {
		return nil, validation.Errorf("photos", "at least one photo is required")
	}
	if c.photos == nil {
		return nil, fmt.Errorf("photo storage: %w", domain.ErrConfig)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.sessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %v: %w", err, domain.ErrUpstream)
	}
	if sess.Metadata[metadataBookingID] != bookingID {
		return nil, validation.Errorf("bookingId", "booking mismatch")
	}

	stored, err := c.pending.GetPending(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load pending booking: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("pending booking %s: %w", bookingID, domain.ErrNotFound)
	}

	refs, err := c.photos.Save(ctx, bookingID, inputs)
	if errors.Is(err, photos.ErrNoPhotos) {
		return nil, validation.Errorf("photos", "no valid photos provided")
	}
	if err != nil {
		return nil, fmt.Errorf("store photos: %w", err)
	}

	c.followUps.Enqueue(ctx, models.TaskPhotoEmail, bookingID, models.NotificationPayload{Request: *stored, Photos: refs})
	return refs, nil
}

func successURL(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session_id={CHECKOUT_SESSION_ID}"
}

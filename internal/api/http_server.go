package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"intake/internal/booking"
	"intake/internal/config"
	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/metrics"
	"intake/internal/models"
	"intake/internal/partner"
	"intake/internal/photos"
	"intake/internal/scheduling"
	"intake/internal/validation"
	"intake/internal/webhook"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type AvailabilityService interface {
	Availability(ctx context.Context, q validation.AvailabilityQuery) (*scheduling.Result, error)
}

type BookingPipeline interface {
	domain.BookingRunner
	CaptureLead(ctx context.Context, req models.BookingRequest, stage, idempotencyKey string) (*models.PipelineResult, error)
}

type ThumbtackWebhook interface {
	Handle(ctx context.Context, header http.Header, body []byte) (*models.PipelineResult, error)
}

type StripeWebhook interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.StripeOutcome, error)
}

type CheckoutService interface {
	Create(ctx context.Context, req models.BookingRequest, inputs []photos.Input) (*webhook.CheckoutResult, error)
	AfterDepositPhotos(ctx context.Context, sessionID, bookingID string, inputs []photos.Input) ([]models.PhotoRef, error)
}

type PartnerAuth interface {
	Start(ctx context.Context, env, state string) (string, error)
	Exchange(ctx context.Context, env, code, state string) (*partner.Grant, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	View() crm.TokenView
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the services behind the HTTP routes. Nil Checkout, Stripe,
// Photos or Partner disable their routes with 503.
type Deps struct {
	Availability AvailabilityService
	Pipeline     BookingPipeline
	Validator    *validation.Validator
	FollowUps    *booking.FollowUps
	Reminders    RateLimiter
	Thumbtack    ThumbtackWebhook
	Stripe       StripeWebhook
	Checkout     CheckoutService
	Photos       webhook.PhotoSaver
	Partner      PartnerAuth
	Tokens       TokenSource
	Ready        map[string]ReadinessCheck
}

// HTTPServer exposes the intake API.
type HTTPServer struct {
	cfg      config.APIConfig
	booking  config.BookingConfig
	schedule config.ScheduleConfig
	deps     Deps
	auth     *HTTPAuth
	limiter  *rateLimiter
	server   *http.Server
	logger   *zerolog.Logger
}

func NewHTTPServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if deps.Validator == nil {
		deps.Validator = validation.New()
	}

	srv := &HTTPServer{
		cfg:      cfg.API,
		booking:  cfg.Booking,
		schedule: cfg.Schedule,
		deps:     deps,
		auth:     NewHTTPAuth(cfg.API.Auth),
		limiter:  newRateLimiter(cfg.API.RateLimit),
		logger:   logger,
	}

	mux := http.NewServeMux()
	srv.route(mux, "/api/v1/availability", srv.handleAvailability)
	srv.route(mux, "/api/v1/bookings", srv.handleBookings)
	srv.route(mux, "/api/v1/leads/progress", srv.handleLeadProgress)
	srv.route(mux, "/api/v1/webhooks/thumbtack", srv.handleThumbtack)
	srv.route(mux, "/api/v1/webhooks/stripe", srv.handleStripe)
	srv.route(mux, "/api/v1/checkout", srv.handleCheckout)
	srv.route(mux, "/api/v1/evcharger/photos", srv.handlePhotos)
	srv.route(mux, "/api/v1/evcharger/photos-after-deposit", srv.handlePhotosAfterDeposit)
	srv.route(mux, "/api/v1/partner/oauth/start", srv.auth.Require(permManagePartner, srv.handlePartnerStart))
	srv.route(mux, "/api/v1/partner/oauth/callback", srv.partnerCallback(partner.Production))
	srv.route(mux, "/api/v1/partner/oauth/callback-staging", srv.partnerCallback(partner.Staging))
	srv.route(mux, "/api/v1/crm/token", srv.auth.Require(permReadToken, srv.handleCRMToken))
	srv.route(mux, "/healthz", srv.handleHealthz)
	srv.route(mux, "/readyz", srv.handleReadyz)

	handler := srv.requestID(srv.logging(srv.cors(srv.rateLimit(srv.limits(mux)))))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.API.HTTP.RequestTimeout() + 5*time.Second,
	}
	return srv
}

// Handler returns the full middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// route registers h and counts responses under the route pattern.
func (s *HTTPServer) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		}
		h(rec, r)
		metrics.IncHTTP(pattern, rec.status)
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

const requestIDHeader = "X-Request-ID"

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *HTTPServer) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		event := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// cors answers preflight requests and stamps the allow-origin header.
func (s *HTTPServer) cors(next http.Handler) http.Handler {
	origin := s.cfg.CORS.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.limiter.allow(s.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limits bounds the request body and the request lifetime.
func (s *HTTPServer) limits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := s.cfg.HTTP.MaxBodyBytes; max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, int64(max))
		}
		if timeout := s.cfg.HTTP.RequestTimeout(); timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return validation.Errorf("body", "exceeds %d bytes", tooLarge.Limit)
		}
		return validation.Errorf("body", "Invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var stepErr *domain.StepError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stepErr),
		errors.Is(err, domain.ErrUpstream),
		errors.Is(err, domain.ErrContractViolation),
		errors.Is(err, domain.ErrTokenUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrConfig):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeFailure renders err under the summary message. Validation errors keep
// their field list.
func (s *HTTPServer) writeFailure(w http.ResponseWriter, r *http.Request, summary string, err error) {
	status := statusFor(err)
	body := map[string]any{"error": summary, "details": err.Error()}

	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		body["error"] = err.Error()
		body["fields"] = verr.Fields
		delete(body, "details")
	case status == http.StatusUnauthorized:
		body["error"] = "unauthorized"
		delete(body, "details")
	case status >= http.StatusInternalServerError:
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Str("path", r.URL.Path).Msg(summary)
	}
	writeJSON(w, status, body)
}

// writePipelineFailure answers a failed pipeline run. Created record ids are
// not returned; operators reconcile from the logged step trail.
func (s *HTTPServer) writePipelineFailure(w http.ResponseWriter, r *http.Request, summary string, res *models.PipelineResult, err error) {
	var stepErr *domain.StepError
	if !errors.As(err, &stepErr) {
		s.writeFailure(w, r, summary, err)
		return
	}
	s.logger.Warn().
		Err(err).
		Str("request_id", RequestID(r.Context())).
		Str("failed_step", stepErr.Step).
		Str("booking_ref", booking.BookingRef(res)).
		Msg(summary)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"status":     models.ResultError,
		"error":      summary,
		"failedStep": stepErr.Step,
		"details":    stepErr.Err.Error(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

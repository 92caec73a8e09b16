package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"intake/internal/booking"
	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/models"
	"intake/internal/validation"
)

const (
	idempotencyHeader = "Idempotency-Key"
	bookingKeyPrefix  = "booking:"
	reminderKeyPrefix = "reminder:"
)

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	q, err := validation.ParseAvailabilityQuery(
		query.Get("date"),
		query.Get("durationMinutes"),
		query.Get("technician"),
		s.schedule.DefaultDurationMinutes,
	)
	if err != nil {
		s.writeFailure(w, r, "Invalid availability query", err)
		return
	}

	res, err := s.deps.Availability.Availability(r.Context(), q)
	if err != nil {
		s.writeFailure(w, r, "Failed to compute availability", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleBookings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req models.BookingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "Invalid booking request", err)
		return
	}
	if err := s.deps.Validator.BookingRequest(&req, true); err != nil {
		s.writeFailure(w, r, "Invalid booking request", err)
		return
	}

	if r.URL.Query().Get("debugDates") != "" {
		writeJSON(w, http.StatusOK, s.debugDates(req))
		return
	}

	var opts domain.RunOptions
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		opts.IdempotencyKey = bookingKeyPrefix + key
	}

	res, err := s.deps.Pipeline.Run(r.Context(), req, opts)
	s.deps.FollowUps.AfterRun(r.Context(), req, res, err, req.PhotoRefs())
	if err != nil {
		s.writePipelineFailure(w, r, "Failed to create booking", res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// debugDates shows how the schedule would be written to the CRM without
// calling it.
func (s *HTTPServer) debugDates(req models.BookingRequest) map[string]any {
	loc := s.schedule.Location()
	out := map[string]any{"debug": true, "rawSchedule": req.Schedule}
	if req.Schedule != nil {
		out["startDate"] = crm.FormatDateTime(req.Schedule.Start, loc)
		out["endDateCandidate"] = crm.FormatDateTime(req.Schedule.End, loc)
		out["timeZone"] = loc.String()
	}
	return out
}

type leadProgressRequest struct {
	models.BookingRequest
	Stage string `json:"stage"`
}

func (s *HTTPServer) handleLeadProgress(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body leadProgressRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFailure(w, r, "Invalid lead progress request", err)
		return
	}
	stage := strings.TrimSpace(body.Stage)
	if stage == "" {
		stage = booking.DefaultLeadStage
	}
	req := body.BookingRequest
	if err := s.deps.Validator.BookingRequest(&req, false); err != nil {
		s.writeFailure(w, r, "Invalid lead progress request", err)
		return
	}

	res, err := s.deps.Pipeline.CaptureLead(r.Context(), req, stage, strings.TrimSpace(r.Header.Get(idempotencyHeader)))
	if err != nil {
		s.writePipelineFailure(w, r, "Failed to capture lead progress", res, err)
		return
	}

	s.queueReminder(r.Context(), req, res, stage)
	writeJSON(w, http.StatusOK, map[string]any{"status": models.ResultOK, "stage": stage, "result": res})
}

// queueReminder sends at most one reminder per customer email per window.
func (s *HTTPServer) queueReminder(ctx context.Context, req models.BookingRequest, res *models.PipelineResult, stage string) {
	email := strings.ToLower(strings.TrimSpace(req.Customer.Email))
	if email == "" {
		return
	}
	if s.deps.Reminders != nil {
		window := time.Duration(s.booking.ReminderLimitHours) * time.Hour
		allowed, err := s.deps.Reminders.CheckRateLimit(ctx, reminderKeyPrefix+email, 1, window)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Reminder throttle unavailable")
		}
		if !allowed {
			s.logger.Debug().Str("booking_ref", booking.BookingRef(res)).Msg("Reminder already sent in window")
			return
		}
	}
	s.deps.FollowUps.Enqueue(ctx, models.TaskReminderEmail, booking.BookingRef(res), models.NotificationPayload{
		Request: req,
		Result:  res,
		Stage:   stage,
	})
}

func (s *HTTPServer) handleCRMToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if _, err := s.deps.Tokens.Token(r.Context()); err != nil {
		s.writeFailure(w, r, "Unable to fetch CRM token", err)
		return
	}
	view := s.deps.Tokens.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"accessTokenPreview": view.Preview,
		"expiresAt":          view.ExpiresAt,
		"hasRefreshToken":    view.HasRefreshToken,
		"exchanges":          view.Exchanges,
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Ready))
	ready := true
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

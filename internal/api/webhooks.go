package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"intake/internal/domain"
	"intake/internal/models"
	"intake/internal/photos"
	"intake/internal/validation"

	"github.com/google/uuid"
)

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, validation.Errorf("body", "exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (s *HTTPServer) handleThumbtack(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeFailure(w, r, "Invalid Thumbtack webhook", err)
		return
	}

	res, err := s.deps.Thumbtack.Handle(r.Context(), r.Header, body)
	if err != nil {
		s.writePipelineFailure(w, r, "Failed to process Thumbtack lead", res, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.ResultOK, "result": res})
}

func (s *HTTPServer) handleStripe(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Stripe == nil {
		s.writeFailure(w, r, "Stripe is not configured", fmt.Errorf("stripe webhook: %w", domain.ErrConfig))
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeFailure(w, r, "Invalid Stripe webhook", err)
		return
	}

	out, err := s.deps.Stripe.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeFailure(w, r, "Failed to process Stripe event", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// photoOptions pulls inline photos out of service.options.photos.
func photoOptions(req models.BookingRequest) []photos.Input {
	raw := req.Option(models.OptionPhotos)
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var inputs []photos.Input
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil
	}
	return inputs
}

func (s *HTTPServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Checkout == nil {
		s.writeFailure(w, r, "Stripe is not configured", fmt.Errorf("stripe checkout: %w", domain.ErrConfig))
		return
	}

	var req models.BookingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFailure(w, r, "Unable to start Stripe Checkout", err)
		return
	}

	res, err := s.deps.Checkout.Create(r.Context(), req, photoOptions(req))
	if err != nil {
		s.writeFailure(w, r, "Unable to start Stripe Checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type photosRequest struct {
	Payload *models.BookingRequest `json:"payload"`
	Result  *models.PipelineResult `json:"result"`
	Photos  []photos.Input         `json:"photos"`
}

// handlePhotos stores site photos for a booking that already went through
// the pipeline and mails them to the office with the booking summary.
func (s *HTTPServer) handlePhotos(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Photos == nil {
		s.writeFailure(w, r, "Photo storage is not configured", fmt.Errorf("photo storage: %w", domain.ErrConfig))
		return
	}

	var body photosRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFailure(w, r, "Invalid photo upload", err)
		return
	}
	if body.Payload == nil || body.Result == nil {
		s.writeFailure(w, r, "Invalid photo upload", validation.Errorf("payload", "Missing payload or booking result"))
		return
	}
	req := *body.Payload
	if err := s.deps.Validator.BookingRequest(&req, false); err != nil {
		s.writeFailure(w, r, "Invalid photo upload", err)
		return
	}

	bookingID := uuid.NewString()
	stored, err := s.deps.Photos.Save(r.Context(), bookingID, body.Photos)
	if err != nil && len(stored) == 0 && !isNoPhotos(err) {
		s.writeFailure(w, r, "Failed to store photos", fmt.Errorf("%v: %w", err, domain.ErrUpstream))
		return
	}
	if err != nil && !isNoPhotos(err) {
		s.logger.Warn().Err(err).Str("booking_id", bookingID).Int("stored", len(stored)).Msg("Some photos failed to upload")
	}

	req = req.WithOptions(map[string]any{models.OptionPhotoRefs: stored})
	delete(req.Service.Options, models.OptionPhotos)
	s.deps.FollowUps.Enqueue(r.Context(), models.TaskBookingEmail, bookingID, models.NotificationPayload{
		Request: req,
		Result:  body.Result,
		Photos:  stored,
	})

	if stored == nil {
		stored = []models.PhotoRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bookingId": bookingID, "stored": stored})
}

func isNoPhotos(err error) bool {
	return errors.Is(err, photos.ErrNoPhotos)
}

type afterDepositRequest struct {
	SessionID string         `json:"sessionId"`
	BookingID string         `json:"bookingId"`
	Photos    []photos.Input `json:"photos"`
}

func (s *HTTPServer) handlePhotosAfterDeposit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.deps.Checkout == nil {
		s.writeFailure(w, r, "Stripe is not configured", fmt.Errorf("stripe checkout: %w", domain.ErrConfig))
		return
	}

	var body afterDepositRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFailure(w, r, "Failed to handle photo upload", err)
		return
	}

	refs, err := s.deps.Checkout.AfterDepositPhotos(r.Context(), strings.TrimSpace(body.SessionID), strings.TrimSpace(body.BookingID), body.Photos)
	if err != nil {
		s.writeFailure(w, r, "Failed to handle photo upload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "stored": refs})
}

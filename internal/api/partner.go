package api

import (
	"net/http"
	"strings"

	"intake/internal/partner"
)

// handlePartnerStart redirects an operator to the partner consent page.
func (s *HTTPServer) handlePartnerStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Partner == nil {
		writeError(w, http.StatusServiceUnavailable, "partner OAuth is not configured")
		return
	}

	env := strings.TrimSpace(r.URL.Query().Get("env"))
	if env == "" {
		env = partner.Production
	}
	target, err := s.deps.Partner.Start(r.Context(), env, r.URL.Query().Get("state"))
	if err != nil {
		s.writeFailure(w, r, "Unable to start partner authorization", err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *HTTPServer) partnerCallback(env string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if s.deps.Partner == nil {
			writeError(w, http.StatusServiceUnavailable, "partner OAuth is not configured")
			return
		}

		q := r.URL.Query()
		if code := q.Get("error"); code != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":       "Thumbtack authorization failed",
				"code":        code,
				"description": q.Get("error_description"),
				"environment": env,
			})
			return
		}
		if strings.TrimSpace(q.Get("code")) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":       "Missing code parameter from Thumbtack",
				"environment": env,
			})
			return
		}

		grant, err := s.deps.Partner.Exchange(r.Context(), env, q.Get("code"), q.Get("state"))
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, map[string]any{
				"error":       "Failed to exchange Thumbtack authorization code",
				"environment": env,
				"details":     err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": env,
			"message":     "Thumbtack OAuth successful. Tokens are stored server side.",
			"token":       grant,
			"state":       q.Get("state"),
		})
	}
}

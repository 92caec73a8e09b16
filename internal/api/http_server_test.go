package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"intake/internal/booking"
	"intake/internal/config"
	"intake/internal/domain"
	"intake/internal/models"
	"intake/internal/partner"
	"intake/internal/photos"
	"intake/internal/repository"
	"intake/internal/validation"
	"intake/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server       *HTTPServer
	pipeline     *fakePipeline
	availability *fakeAvailability
	notifier     *recordingNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{
			HTTP: config.APIHTTPConfig{Port: 0, RequestTimeoutSeconds: 5, MaxBodyBytes: 1 << 20},
			Auth: config.APIAuthConfig{
				Enabled:      true,
				HeaderAPIKey: "x-api-key",
				APIKeys: []config.APIClientKey{
					{Key: "ops-key", Name: "ops", Permissions: []string{permReadToken, permManagePartner}},
					{Key: "partner-only", Name: "limited", Permissions: []string{permManagePartner}},
				},
			},
			CORS: config.CORSConfig{AllowOrigin: "https://estimator.example.com"},
		},
		Booking:  config.BookingConfig{ReminderLimitHours: 24},
		Schedule: config.ScheduleConfig{DefaultDurationMinutes: 120},
	}
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		pipeline:     &fakePipeline{},
		availability: &fakeAvailability{},
		notifier:     &recordingNotifier{},
	}
	deps := Deps{
		Availability: env.availability,
		Pipeline:     env.pipeline,
		Validator:    validation.New(),
		FollowUps:    booking.NewFollowUps(env.notifier, nil),
		Reminders:    repository.NewMemoryStateRepository(),
		Thumbtack:    &fakeThumbtack{res: okResult()},
		Tokens:       &fakeTokens{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.server = NewHTTPServer(testConfig(), deps, nil)
	return env
}

func (e *testEnv) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const bookingBody = `{
  "source": "website",
  "customer": {"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com"},
  "service": {"type": "ev-charger-install", "notes": "garage"},
  "schedule": {"start": "2026-05-01T15:00:00Z", "end": "2026-05-01T17:00:00Z"}
}`

func TestAvailability(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/v1/availability?date=2026-05-01&technician=7", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 120, env.availability.query.DurationMinutes)
	assert.Equal(t, "7", env.availability.query.TechnicianID)

	body := decode(t, rec)
	assert.Equal(t, "2026-05-01", body["date"])
	assert.Len(t, body["slots"], 1)
}

func TestAvailabilityValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/v1/availability?date=05/01/2026&durationMinutes=-5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["fields"], 2)

	rec = env.do(http.MethodPost, "/api/v1/availability?date=2026-05-01", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAvailabilityUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.availability.err = &domain.UpstreamError{Service: "crm", StatusCode: 503, Status: "Service Unavailable"}

	rec := env.do(http.MethodGet, "/api/v1/availability?date=2026-05-01", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to compute availability", decode(t, rec)["error"])
}

func TestBookingSuccess(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/bookings", bookingBody, "Idempotency-Key", "form-123")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 11, body["customerId"])

	require.Len(t, env.pipeline.runs, 1)
	assert.Equal(t, "booking:form-123", env.pipeline.runs[0].IdempotencyKey)
	assert.Equal(t, []string{models.TaskBookingEmail}, env.notifier.types())
	assert.Equal(t, "https://estimator.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestBookingRequiresSchedule(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/bookings", `{"source":"website","customer":{"firstName":"A","lastName":"B"},"service":{"type":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "schedule")

	rec = env.do(http.MethodPost, "/api/v1/bookings", `{"source":"website","customer":{"firstName":"A","lastName":"B"},"service":{"type":"x"},
		"schedule":{"start":"2026-05-01T17:00:00Z","end":"2026-05-01T15:00:00Z"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "schedule.end")

	rec = env.do(http.MethodPost, "/api/v1/bookings", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.pipeline.runs)
}

func TestBookingStepFailureWithholdsIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	customer := models.NumberID(11)
	env.pipeline.res = &models.PipelineResult{Status: models.ResultError, CustomerID: &customer, FailedStep: models.StepEstimate}
	env.pipeline.err = &domain.StepError{Step: models.StepEstimate, Err: &domain.UpstreamError{Service: "crm", StatusCode: 500, Status: "Internal Server Error"}}

	rec := env.do(http.MethodPost, "/api/v1/bookings", bookingBody)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, models.StepEstimate, body["failedStep"])
	assert.NotContains(t, body, "customerId")
	assert.Contains(t, body["details"], "500")
	assert.Equal(t, []string{models.TaskReconciliationRow, models.TaskOpsAlert}, env.notifier.types())
}

func TestBookingDebugDates(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/bookings?debugDates=1", bookingBody)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["debug"])
	assert.Equal(t, "2026-05-01 15:00:00", body["startDate"])
	assert.Equal(t, "2026-05-01 17:00:00", body["endDateCandidate"])
	assert.Empty(t, env.pipeline.runs)
}

func TestLeadProgressQueuesOneReminder(t *testing.T) {
	env := newTestEnv(t, nil)
	lead := `{"source":"website","customer":{"firstName":"Ada","lastName":"Lovelace","email":"Ada@Example.com"},"service":{"type":"ev-charger-install"}}`

	rec := env.do(http.MethodPost, "/api/v1/leads/progress", lead)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, booking.DefaultLeadStage, body["stage"])
	assert.Equal(t, []string{booking.DefaultLeadStage}, env.pipeline.leads)

	staged := strings.Replace(lead, `"source"`, `"stage":"Lead - Deposit","source"`, 1)
	rec = env.do(http.MethodPost, "/api/v1/leads/progress", staged)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Lead - Deposit", env.pipeline.leads[1])

	assert.Equal(t, []string{models.TaskReminderEmail}, env.notifier.types(), "second reminder is throttled")
	assert.Equal(t, booking.DefaultLeadStage, env.notifier.tasks[0].payload.Stage)
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodOptions, "/api/v1/bookings", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Empty(t, env.pipeline.runs)
}

func TestThumbtackWebhookErrors(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Thumbtack = &fakeThumbtack{err: fmt.Errorf("invalid Thumbtack signature: %w", domain.ErrAuthentication)}
	})
	rec := env.do(http.MethodPost, "/api/v1/webhooks/thumbtack", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])

	ok := newTestEnv(t, nil)
	rec = ok.do(http.MethodPost, "/api/v1/webhooks/thumbtack", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/api/v1/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stripe := &fakeStripe{out: webhook.StripeOutcome{Received: true, Status: models.ResultOK}}
	env = newTestEnv(t, func(d *Deps) { d.Stripe = stripe })
	rec = env.do(http.MethodPost, "/api/v1/webhooks/stripe", `{}`, "Stripe-Signature", "t=1,v1=abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", stripe.signature)
	assert.Equal(t, true, decode(t, rec)["received"])

	stripe.err = fmt.Errorf("pending booking b-1: %w", domain.ErrNotFound)
	rec = env.do(http.MethodPost, "/api/v1/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutExtractsPhotos(t *testing.T) {
	checkout := &fakeCheckout{}
	env := newTestEnv(t, func(d *Deps) { d.Checkout = checkout })

	body := strings.Replace(bookingBody, `"notes": "garage"`, `"notes": "garage", "options": {"photos": [{"name": "panel.jpg", "dataUrl": "data:image/jpeg;base64,AAAA"}]}`, 1)
	rec := env.do(http.MethodPost, "/api/v1/checkout", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", decode(t, rec)["url"])

	require.Len(t, checkout.inputs, 1)
	assert.Equal(t, "panel.jpg", checkout.inputs[0].Name)

	checkout.err = fmt.Errorf("stripe checkout: %w", domain.ErrConfig)
	rec = env.do(http.MethodPost, "/api/v1/checkout", bookingBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPhotosEndpoint(t *testing.T) {
	saver := &fakePhotos{refs: []models.PhotoRef{{URL: "https://img/1.jpg", Name: "1.jpg"}}}
	env := newTestEnv(t, func(d *Deps) { d.Photos = saver })

	body := fmt.Sprintf(`{"payload": %s, "result": {"status": "ok", "customerId": 11}, "photos": [{"name": "1.jpg", "dataUrl": "data:image/jpeg;base64,AAAA"}]}`, bookingBody)
	rec := env.do(http.MethodPost, "/api/v1/evcharger/photos", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, true, out["ok"])
	assert.Len(t, out["stored"], 1)

	require.Len(t, env.notifier.tasks, 1)
	task := env.notifier.tasks[0]
	assert.Equal(t, models.TaskBookingEmail, task.taskType)
	assert.Equal(t, out["bookingId"], task.ref)
	assert.Len(t, task.payload.Photos, 1)

	rec = env.do(http.MethodPost, "/api/v1/evcharger/photos", `{"photos": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	saver.refs, saver.err = nil, errors.New("cloudinary down")
	rec = env.do(http.MethodPost, "/api/v1/evcharger/photos", body)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	saver.err = photos.ErrNoPhotos
	rec = env.do(http.MethodPost, "/api/v1/evcharger/photos", body)
	assert.Equal(t, http.StatusOK, rec.Code, "the booking email still goes out")
}

func TestPhotosAfterDeposit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Checkout = &fakeCheckout{} })

	rec := env.do(http.MethodPost, "/api/v1/evcharger/photos-after-deposit", `{"sessionId":"cs_1","bookingId":"b-1","photos":[{"name":"a.jpg","dataUrl":"data:image/jpeg;base64,AAAA"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", decode(t, rec)["status"])

	rec = env.do(http.MethodPost, "/api/v1/evcharger/photos-after-deposit", `{"bookingId":"b-1","photos":[{"name":"a.jpg"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartnerOAuth(t *testing.T) {
	p := &fakePartner{}
	env := newTestEnv(t, func(d *Deps) { d.Partner = p })

	rec := env.do(http.MethodGet, "/api/v1/partner/oauth/start?env=staging&state=s1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/start?env=staging&state=s1", "", "x-api-key", "ops-key")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://auth.example.com/authorize?env=staging&state=s1", rec.Header().Get("Location"))

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback?error=access_denied&error_description=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "access_denied", decode(t, rec)["code"])

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback-staging?code=abc&state=s1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "staging", p.env)
	assert.Equal(t, "abc", p.code)
	assert.Equal(t, "s1", p.state)
	body := decode(t, rec)
	assert.Equal(t, "s1", body["state"])
	assert.Equal(t, "tt-acces****", body["token"].(map[string]any)["accessTokenPreview"])

	p.err = &domain.UpstreamError{Service: "partner", StatusCode: 400, Status: "Bad Request", Body: "invalid_grant"}
	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback?code=stale", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode(t, rec)["details"], "invalid_grant")
}

func TestPartnerCallbackRequiresIssuedState(t *testing.T) {
	var exchanges atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tt-access-123456789","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	store := repository.NewMemoryStateRepository()
	oauth := partner.New(config.PartnerConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     tokenSrv.URL,
		Environments: map[string]config.PartnerOAuth{
			partner.Production: {RedirectURI: "https://intake.example.com/api/v1/partner/oauth/callback"},
		},
	}, store, partner.WithHTTPClient(tokenSrv.Client()))
	env := newTestEnv(t, func(d *Deps) { d.Partner = oauth })

	rec := env.do(http.MethodGet, "/api/v1/partner/oauth/callback?code=attacker", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing state")

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback?code=attacker&state=forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "state never issued")
	assert.Zero(t, exchanges.Load())

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/start", "", "x-api-key", "ops-key")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback-staging?code=abc&state="+state, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "state issued for another environment")

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/start", "", "x-api-key", "ops-key")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state = loc.Query().Get("state")

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback?code=abc&state="+state, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), exchanges.Load())

	rec = env.do(http.MethodGet, "/api/v1/partner/oauth/callback?code=abc&state="+state, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "state is single use")
	assert.Equal(t, int32(1), exchanges.Load())
}

func TestCRMTokenRequiresPermission(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/v1/crm/token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/crm/token", "", "x-api-key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/crm/token", "", "x-api-key", "partner-only")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/crm/token", "", "x-api-key", "ops-key")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "crm-acce****", body["accessTokenPreview"])
	assert.NotContains(t, rec.Body.String(), "crm-access-token")
}

func TestCRMTokenUnavailable(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Tokens = &fakeTokens{err: fmt.Errorf("both grants failed: %w", domain.ErrTokenUnavailable)}
	})
	rec := env.do(http.MethodGet, "/api/v1/crm/token", "", "x-api-key", "ops-key")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Ready = map[string]ReadinessCheck{
			"sqlite": func(_ context.Context) error { return nil },
			"redis":  func(_ context.Context) error { return errors.New("connection refused") },
		}
	})

	rec := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["sqlite"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	srv := NewHTTPServer(cfg, Deps{Availability: &fakeAvailability{}}, nil)

	call := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/availability?date=2026-05-01", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call())
	assert.Equal(t, http.StatusTooManyRequests, call())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are not limited")
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/healthz", "", requestIDHeader, "req-42")
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestMaxBody(t *testing.T) {
	cfg := testConfig()
	cfg.API.HTTP.MaxBodyBytes = 64
	pipeline := &fakePipeline{}
	srv := NewHTTPServer(cfg, Deps{Pipeline: pipeline, FollowUps: booking.NewFollowUps(nil, nil)}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(bookingBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pipeline.runs)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{validation.Errorf("x", "bad"), http.StatusBadRequest},
		{domain.ErrAuthentication, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ContractViolation("no id"), http.StatusBadGateway},
		{&domain.StepError{Step: "customer", Err: errors.New("boom")}, http.StatusBadGateway},
		{domain.ErrTokenUnavailable, http.StatusBadGateway},
		{domain.ErrConfig, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

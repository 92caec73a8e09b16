package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/models"
	"intake/internal/partner"
	"intake/internal/photos"
	"intake/internal/scheduling"
	"intake/internal/validation"
	"intake/internal/webhook"
)

type fakeAvailability struct {
	query validation.AvailabilityQuery
	err   error
}

func (f *fakeAvailability) Availability(_ context.Context, q validation.AvailabilityQuery) (*scheduling.Result, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return &scheduling.Result{
		Date:            q.Date,
		DurationMinutes: q.DurationMinutes,
		Slots:           []scheduling.Slot{{Start: q.Date + "T15:00:00Z", End: q.Date + "T17:00:00Z"}},
	}, nil
}

type fakePipeline struct {
	mu       sync.Mutex
	runs     []domain.RunOptions
	leads    []string
	leadKeys []string
	res      *models.PipelineResult
	err      error
}

func okResult() *models.PipelineResult {
	customer, estimate, task := models.NumberID(11), models.NumberID(22), models.NumberID(33)
	return &models.PipelineResult{Status: models.ResultOK, CustomerID: &customer, EstimateID: &estimate, CalendarTaskID: &task}
}

func (f *fakePipeline) Run(_ context.Context, _ models.BookingRequest, opts domain.RunOptions) (*models.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, opts)
	if f.res == nil && f.err == nil {
		return okResult(), nil
	}
	return f.res, f.err
}

func (f *fakePipeline) CaptureLead(_ context.Context, _ models.BookingRequest, stage, key string) (*models.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, stage)
	f.leadKeys = append(f.leadKeys, key)
	if f.res == nil && f.err == nil {
		return okResult(), nil
	}
	return f.res, f.err
}

type queued struct {
	taskType string
	ref      string
	payload  models.NotificationPayload
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []queued
}

func (n *recordingNotifier) Enqueue(_ context.Context, taskType, ref string, p models.NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, queued{taskType, ref, p})
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.tasks))
	for _, t := range n.tasks {
		out = append(out, t.taskType)
	}
	return out
}

type fakeThumbtack struct {
	res *models.PipelineResult
	err error
}

func (f *fakeThumbtack) Handle(_ context.Context, _ http.Header, _ []byte) (*models.PipelineResult, error) {
	return f.res, f.err
}

type fakeStripe struct {
	signature string
	out       webhook.StripeOutcome
	err       error
}

func (f *fakeStripe) Handle(_ context.Context, _ []byte, signature string) (webhook.StripeOutcome, error) {
	f.signature = signature
	return f.out, f.err
}

type fakeCheckout struct {
	inputs []photos.Input
	err    error
}

func (f *fakeCheckout) Create(_ context.Context, _ models.BookingRequest, inputs []photos.Input) (*webhook.CheckoutResult, error) {
	f.inputs = inputs
	if f.err != nil {
		return nil, f.err
	}
	return &webhook.CheckoutResult{URL: "https://checkout.stripe.com/c/pay/cs_1", BookingID: "b-1", SessionID: "cs_1"}, nil
}

func (f *fakeCheckout) AfterDepositPhotos(_ context.Context, sessionID, bookingID string, inputs []photos.Input) ([]models.PhotoRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	if sessionID == "" || bookingID == "" {
		return nil, validation.Errorf("sessionId", "session_id and booking_id are required")
	}
	return []models.PhotoRef{{URL: "https://img/" + inputs[0].Name, Name: inputs[0].Name}}, nil
}

type fakePhotos struct {
	refs []models.PhotoRef
	err  error
}

func (f *fakePhotos) Save(_ context.Context, _ string, _ []photos.Input) ([]models.PhotoRef, error) {
	return f.refs, f.err
}

type fakePartner struct {
	env   string
	code  string
	state string
	err   error
}

func (f *fakePartner) Start(_ context.Context, env, state string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://auth.example.com/authorize?env=" + env + "&state=" + state, nil
}

func (f *fakePartner) Exchange(_ context.Context, env, code, state string) (*partner.Grant, error) {
	f.env, f.code, f.state = env, code, state
	if f.err != nil {
		return nil, f.err
	}
	return &partner.Grant{Environment: env, Preview: "tt-acces****", HasRefresh: true}, nil
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "crm-access-token", nil
}

func (f *fakeTokens) View() crm.TokenView {
	return crm.TokenView{Present: true, Preview: "crm-acce****", ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Exchanges: 1}
}

package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/events"
	"intake/internal/models"
	"intake/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context) (string, error) { return "tok", nil }

// fakeCRM answers the three create endpoints and records request bodies.
type fakeCRM struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]map[string]any
	statuses map[string]int
	replies  map[string]string
}

func newFakeCRM(t *testing.T) (*fakeCRM, *crm.Client) {
	f := &fakeCRM{
		calls:    map[string]int{},
		bodies:   map[string][]map[string]any{},
		statuses: map[string]int{},
		replies: map[string]string{
			"customers":      `{"id": 101}`,
			"estimates":      `{"estimate_id": "E-202"}`,
			"calendar-tasks": `{"task_id": 303}`,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimPrefix(r.URL.Path, "/")
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.calls[endpoint]++
		f.bodies[endpoint] = append(f.bodies[endpoint], body)
		status := f.statuses[endpoint]
		reply := f.replies[endpoint]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return f, crm.NewClient(srv.URL, staticTokens{}, crm.WithClientHTTP(srv.Client()))
}

func (f *fakeCRM) set(endpoint string, status int, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[endpoint] = status
	if reply != "" {
		f.replies[endpoint] = reply
	}
}

func (f *fakeCRM) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeCRM) lastBody(endpoint string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[endpoint]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

var mountain = time.FixedZone("MDT", -6*3600)

func testConfig() Config {
	return Config{
		Referrals: NewReferralSources([]string{"Thumbtack", "Google", "Website", "Referral"}, "Other"),
		Location:  mountain,
	}
}

func sampleRequest() models.BookingRequest {
	price := 1250.0
	start := time.Date(2024, 5, 7, 15, 0, 0, 0, time.UTC)
	return models.BookingRequest{
		Source: "website",
		Customer: models.Customer{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Phone:     "555-0100",
		},
		Service: models.Service{
			Type:           "ev-charger-install",
			Notes:          "Garage, 200A panel",
			EstimatedPrice: &price,
			Options:        map[string]any{"chargerLevel": "L2"},
		},
		Schedule: &models.Schedule{Start: start, End: start.Add(90 * time.Minute)},
	}
}

func TestPipelineHappyPath(t *testing.T) {
	fake, client := newFakeCRM(t)
	bus := events.NewEventBus()
	var published []string
	bus.SubscribeAll(func(e *events.Event) error { published = append(published, e.Type); return nil })

	p := NewPipeline(client, testConfig(), WithEvents(bus))
	res, err := p.Run(context.Background(), sampleRequest(), domain.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.ResultOK, res.Status)
	assert.Equal(t, "101", res.CustomerID.String())
	assert.Equal(t, "E-202", res.EstimateID.String())
	assert.Equal(t, "303", res.CalendarTaskID.String())
	assert.Nil(t, res.JobID)
	require.Len(t, res.Steps, 3)
	for _, s := range res.Steps {
		assert.Equal(t, models.StepCompleted, s.Status, s.Step)
	}
	assert.Equal(t, []string{events.EventBookingCompleted}, published)

	customer := fake.lastBody("customers")
	assert.Equal(t, "Ada", customer["first_name"])
	assert.Equal(t, "Website", customer["source"])
	assert.Equal(t, "Lead source: website", customer["notes"])

	estimate := fake.lastBody("estimates")
	assert.Equal(t, 101.0, estimate["customers_id"], "numeric ids keep their JSON shape")
	assert.Equal(t, "Estimate for ev-charger-install", estimate["description"])
	assert.Equal(t, "Garage, 200A panel\nSource: website\nEstimated price: $1250", estimate["notes"])
	assert.Equal(t, "2024-05-07", estimate["start_date"])
	assert.Equal(t, "09:00", estimate["time_frame_promised_start"])
	assert.Equal(t, "10:30", estimate["time_frame_promised_end"])
	assert.Equal(t, 5400.0, estimate["duration"])
	meta := estimate["metadata"].(map[string]any)
	assert.Equal(t, "website", meta["origin"])
	assert.Equal(t, "L2", meta["options"].(map[string]any)["chargerLevel"])

	task := fake.lastBody("calendar-tasks")
	assert.Equal(t, "2024-05-07 09:00:00", task["start_date"])
	assert.Equal(t, "2024-05-07 10:30:00", task["end_date"])
	assert.Equal(t, "E-202", task["estimates_id"])
	assert.Nil(t, task["jobs_id"])
	assert.Contains(t, task, "jobs_id")
	assert.Equal(t, "ev-charger-install via website - Garage, 200A panel - Est. price: $1250", task["description"])
}

func TestPipelineReferralFallback(t *testing.T) {
	fake, client := newFakeCRM(t)
	p := NewPipeline(client, testConfig())

	req := sampleRequest()
	req.Source = "Billboard on I-25"
	_, err := p.Run(context.Background(), req, domain.RunOptions{})
	require.NoError(t, err)

	customer := fake.lastBody("customers")
	assert.Equal(t, "Other", customer["source"])
	assert.Equal(t, "Lead source: Billboard on I-25", customer["notes"])
	assert.Equal(t, "Other", fake.lastBody("estimates")["source"])
	assert.Contains(t, fake.lastBody("estimates")["notes"], "Source: Billboard on I-25")
}

func TestPipelineEstimateFailureKeepsCustomer(t *testing.T) {
	fake, client := newFakeCRM(t)
	fake.set("estimates", http.StatusInternalServerError, "")
	bus := events.NewEventBus()
	var partial int
	bus.Subscribe(events.EventBookingPartial, func(*events.Event) error { partial++; return nil })

	p := NewPipeline(client, testConfig(), WithEvents(bus))
	res, err := p.Run(context.Background(), sampleRequest(), domain.RunOptions{})
	require.Error(t, err)

	var stepErr *domain.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, models.StepEstimate, stepErr.Step)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	assert.Equal(t, models.ResultError, res.Status)
	assert.Equal(t, models.StepEstimate, res.FailedStep)
	require.NotNil(t, res.CustomerID)
	assert.Equal(t, "101", res.CustomerID.String())
	assert.Nil(t, res.EstimateID)
	assert.Nil(t, res.CalendarTaskID)
	assert.Equal(t, []models.StepOutcome{
		{Step: models.StepCustomer, Status: models.StepCompleted, RecordID: res.CustomerID},
		{Step: models.StepEstimate, Status: models.StepFailed, Error: res.Error},
		{Step: models.StepCalendarTask, Status: models.StepSkipped},
	}, res.Steps)
	assert.Equal(t, 0, fake.count("calendar-tasks"))
	assert.Equal(t, 1, partial)
}

func TestPipelineRetryWithKeyDoesNotDuplicateCustomer(t *testing.T) {
	fake, client := newFakeCRM(t)
	fake.set("estimates", http.StatusInternalServerError, "")
	store := repository.NewMemoryStateRepository()
	p := NewPipeline(client, testConfig(), WithProgressStore(store))
	opts := domain.RunOptions{IdempotencyKey: "idem-1"}

	_, err := p.Run(context.Background(), sampleRequest(), opts)
	require.Error(t, err)
	assert.Equal(t, 1, fake.count("customers"))

	fake.set("estimates", 0, "")
	res, err := p.Run(context.Background(), sampleRequest(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count("customers"), "customer from the first attempt is reused")
	assert.Equal(t, 2, fake.count("estimates"))
	assert.Equal(t, "101", res.CustomerID.String())
	assert.Equal(t, "303", res.CalendarTaskID.String())

	replay, err := p.Run(context.Background(), sampleRequest(), opts)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, "303", replay.CalendarTaskID.String())
	assert.Equal(t, 1, fake.count("calendar-tasks"))
}

func TestPipelineConcurrentSameKey(t *testing.T) {
	fake, client := newFakeCRM(t)
	p := NewPipeline(client, testConfig(), WithProgressStore(repository.NewMemoryStateRepository()))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Run(context.Background(), sampleRequest(), domain.RunOptions{IdempotencyKey: "same"})
			assert.NoError(t, err)
			assert.True(t, res.OK())
			if !res.Replayed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fake.count("customers"))
	assert.Equal(t, 1, fresh, "only the run that did the work is reported as fresh")
}

func TestPipelineWithoutKeyIsNaive(t *testing.T) {
	fake, client := newFakeCRM(t)
	fake.set("estimates", http.StatusInternalServerError, "")
	p := NewPipeline(client, testConfig(), WithProgressStore(repository.NewMemoryStateRepository()))

	_, _ = p.Run(context.Background(), sampleRequest(), domain.RunOptions{})
	_, _ = p.Run(context.Background(), sampleRequest(), domain.RunOptions{})
	assert.Equal(t, 2, fake.count("customers"))
}

func TestPipelineContractViolations(t *testing.T) {
	for _, endpoint := range []string{"customers", "estimates", "calendar-tasks"} {
		t.Run(endpoint, func(t *testing.T) {
			fake, client := newFakeCRM(t)
			fake.set(endpoint, 0, `{"name": "created"}`)
			p := NewPipeline(client, testConfig())

			res, err := p.Run(context.Background(), sampleRequest(), domain.RunOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrContractViolation)
			assert.Equal(t, models.ResultError, res.Status)
		})
	}
}

func TestPipelineSkipsCalendarWithoutSchedule(t *testing.T) {
	fake, client := newFakeCRM(t)
	p := NewPipeline(client, testConfig())

	req := sampleRequest()
	req.Schedule = nil
	res, err := p.Run(context.Background(), req, domain.RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, res.CalendarTaskID)
	assert.Equal(t, models.StepSkipped, res.Steps[2].Status)
	assert.Equal(t, 0, fake.count("calendar-tasks"))

	estimate := fake.lastBody("estimates")
	assert.NotContains(t, estimate, "start_date")
	assert.NotContains(t, estimate, "duration")
}

func TestCaptureLead(t *testing.T) {
	fake, client := newFakeCRM(t)
	bus := events.NewEventBus()
	var published []string
	bus.SubscribeAll(func(e *events.Event) error { published = append(published, e.Type); return nil })
	p := NewPipeline(client, testConfig(), WithEvents(bus))

	res, err := p.CaptureLead(context.Background(), sampleRequest(), "", "")
	require.NoError(t, err)
	assert.Equal(t, leadCapturedMessage, res.Message)
	assert.Nil(t, res.CalendarTaskID)
	assert.Equal(t, 0, fake.count("calendar-tasks"))
	assert.Equal(t, []string{events.EventLeadCaptured}, published)

	meta := fake.lastBody("estimates")["metadata"].(map[string]any)
	assert.Equal(t, DefaultLeadStage, meta["options"].(map[string]any)[models.OptionEstimateStatus])
}

func TestReferralSources(t *testing.T) {
	rs := NewReferralSources([]string{"Thumbtack", "Repeat Customer", " "}, "")

	label, ok := rs.Resolve("THUMBTACK")
	assert.True(t, ok)
	assert.Equal(t, "Thumbtack", label)

	label, ok = rs.Resolve("  repeat   customer ")
	assert.True(t, ok)
	assert.Equal(t, "Repeat Customer", label)

	label, ok = rs.Resolve("tiktok")
	assert.False(t, ok)
	assert.Equal(t, DefaultFallbackSource, label)

	label, ok = rs.Resolve("other")
	assert.True(t, ok, "the fallback itself is always allowed")
	assert.Equal(t, "Other", label)
}

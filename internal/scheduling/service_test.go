package scheduling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"intake/internal/availability"
	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/retry"
	"intake/internal/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTasks struct {
	tasks   []crm.CalendarTask
	errs    []error
	calls   int
	queries []crm.TaskQuery
}

func (f *fakeTasks) ListCalendarTasks(_ context.Context, q crm.TaskQuery) ([]crm.CalendarTask, error) {
	f.calls++
	f.queries = append(f.queries, q)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.tasks, nil
}

var mountain = time.FixedZone("MDT", -6*3600)

func newTestService(tasks TaskLister) *Service {
	return NewService(tasks,
		availability.Workday{StartHour: 8, EndHour: 17, Location: mountain},
		retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		nil)
}

func TestAvailabilityScenario(t *testing.T) {
	tasks := &fakeTasks{tasks: []crm.CalendarTask{
		{StartDate: "2024-05-06 10:00:00", EndDate: "2024-05-06 11:30:00"},
		{StartDate: "garbage", EndDate: "2024-05-06 12:00:00"},
		{StartDate: "2024-05-06 13:00:00", EndDate: "2024-05-06 13:00:00"},
		{StartDate: "2024-05-06 14:00:00"},
	}}
	svc := newTestService(tasks)

	res, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "2024-05-06", DurationMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, "2024-05-06", res.Date)
	assert.Equal(t, 60, res.DurationMinutes)
	assert.Equal(t, []Slot{
		{Start: "2024-05-06T14:00:00Z", End: "2024-05-06T16:00:00Z"},
		{Start: "2024-05-06T17:30:00Z", End: "2024-05-06T23:00:00Z"},
	}, res.Slots)
	assert.Equal(t, "2024-05-06", tasks.queries[0].Date)
}

func TestAvailabilityFullDayBusy(t *testing.T) {
	svc := newTestService(&fakeTasks{tasks: []crm.CalendarTask{
		{StartDate: "2024-05-06 07:00:00", EndDate: "2024-05-06 18:00:00"},
	}})

	res, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "2024-05-06", DurationMinutes: 30})
	require.NoError(t, err)
	assert.NotNil(t, res.Slots)
	assert.Empty(t, res.Slots)
}

func TestAvailabilityTechnicianFilter(t *testing.T) {
	tasks := &fakeTasks{tasks: []crm.CalendarTask{
		{StartDate: "2024-05-06 08:00:00", EndDate: "2024-05-06 12:00:00", UsersID: 9.0},
		{StartDate: "2024-05-06 13:00:00", EndDate: "2024-05-06 17:00:00", UsersID: 17.0},
		{StartDate: "2024-05-06 12:00:00", EndDate: "2024-05-06 12:30:00"},
	}}
	svc := newTestService(tasks)

	res, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "2024-05-06", DurationMinutes: 60, TechnicianID: "17"})
	require.NoError(t, err)
	assert.Equal(t, "17", tasks.queries[0].TechnicianID)
	assert.Equal(t, []Slot{
		{Start: "2024-05-06T14:00:00Z", End: "2024-05-06T18:00:00Z"},
	}, res.Slots)
}

func TestAvailabilityRetriesReads(t *testing.T) {
	tasks := &fakeTasks{errs: []error{
		&domain.UpstreamError{Service: "crm", StatusCode: 503},
		fmt.Errorf("%w: connection reset", domain.ErrUpstream),
	}}
	svc := newTestService(tasks)

	_, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "2024-05-06", DurationMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 3, tasks.calls)
}

func TestAvailabilityDoesNotRetryClientErrors(t *testing.T) {
	tasks := &fakeTasks{errs: []error{&domain.UpstreamError{Service: "crm", StatusCode: 400}}}
	svc := newTestService(tasks)

	_, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "2024-05-06", DurationMinutes: 60})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, 1, tasks.calls)
}

func TestAvailabilityBadDate(t *testing.T) {
	svc := newTestService(&fakeTasks{})
	_, err := svc.Availability(context.Background(), validation.AvailabilityQuery{Date: "May 6", DurationMinutes: 60})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&domain.UpstreamError{StatusCode: 502}))
	assert.True(t, Retryable(&domain.UpstreamError{StatusCode: 429}))
	assert.False(t, Retryable(&domain.UpstreamError{StatusCode: 404}))
	assert.False(t, Retryable(domain.ContractViolation("no id")))
	assert.False(t, Retryable(fmt.Errorf("crm: %w", domain.ErrTokenUnavailable)))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(errors.New("other")))
	assert.False(t, Retryable(nil))
}

package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"intake/internal/availability"
	"intake/internal/crm"
	"intake/internal/domain"
	"intake/internal/retry"
	"intake/internal/validation"

	"github.com/rs/zerolog"
)

// TaskLister reads calendar tasks for a day.
type TaskLister interface {
	ListCalendarTasks(ctx context.Context, q crm.TaskQuery) ([]crm.CalendarTask, error)
}

type Slot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Result struct {
	Date            string `json:"date"`
	DurationMinutes int    `json:"durationMinutes"`
	Slots           []Slot `json:"slots"`
}

// Service answers availability queries from CRM calendar tasks.
type Service struct {
	tasks   TaskLister
	workday availability.Workday
	retry   retry.Policy
	logger  *zerolog.Logger
}

func NewService(tasks TaskLister, workday availability.Workday, policy retry.Policy, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{tasks: tasks, workday: workday, retry: policy, logger: logger}
}

// Availability returns the offerable slots for one business day.
func (s *Service) Availability(ctx context.Context, q validation.AvailabilityQuery) (*Result, error) {
	window, err := s.workday.Window(q.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	busy, err := s.BusyIntervals(ctx, q.Date, q.TechnicianID)
	if err != nil {
		return nil, err
	}

	found := availability.FindAvailability(window, busy, q.DurationMinutes)
	res := &Result{Date: q.Date, DurationMinutes: q.DurationMinutes, Slots: make([]Slot, 0, len(found))}
	for _, iv := range found {
		res.Slots = append(res.Slots, Slot{
			Start: iv.Start.UTC().Format(time.RFC3339),
			End:   iv.End.UTC().Format(time.RFC3339),
		})
	}

	s.logger.Debug().
		Str("date", q.Date).
		Str("technician", q.TechnicianID).
		Int("busy", len(busy)).
		Int("slots", len(res.Slots)).
		Msg("Availability computed")
	return res, nil
}

// BusyIntervals fetches the day's tasks and keeps those with a parseable,
// positive time range. With a technician set, tasks assigned to someone
// else are dropped even if the CRM ignored the filter.
func (s *Service) BusyIntervals(ctx context.Context, date, technician string) ([]availability.Interval, error) {
	var tasks []crm.CalendarTask
	err := retry.Do(ctx, s.retry, Retryable, func(ctx context.Context) error {
		var err error
		tasks, err = s.tasks.ListCalendarTasks(ctx, crm.TaskQuery{Date: date, TechnicianID: technician})
		return err
	})
	if err != nil {
		return nil, err
	}

	loc := s.workday.Location
	busy := make([]availability.Interval, 0, len(tasks))
	for _, task := range tasks {
		if technician != "" {
			if assigned, ok := task.Technician(); ok && assigned.String() != technician {
				continue
			}
		}
		if task.StartDate == "" || task.EndDate == "" {
			continue
		}
		start, ok := crm.ParseDateTime(task.StartDate, loc)
		if !ok {
			continue
		}
		end, ok := crm.ParseDateTime(task.EndDate, loc)
		if !ok {
			continue
		}
		if iv, ok := availability.NewInterval(start, end); ok {
			busy = append(busy, iv)
		}
	}
	return busy, nil
}

// Retryable reports whether a failed CRM read is worth repeating: transport
// failures, throttling and 5xx answers.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrContractViolation) || errors.Is(err, domain.ErrTokenUnavailable) {
		return false
	}
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode == http.StatusTooManyRequests || upErr.StatusCode >= 500
	}
	return errors.Is(err, domain.ErrUpstream)
}

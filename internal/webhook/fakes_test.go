package webhook

import (
	"context"
	"sync"

	"intake/internal/domain"
	"intake/internal/models"
)

type runCall struct {
	req  models.BookingRequest
	opts domain.RunOptions
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	res   *models.PipelineResult
	err   error
}

func (f *fakeRunner) Run(_ context.Context, req models.BookingRequest, opts domain.RunOptions) (*models.PipelineResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{req, opts})
	if f.res == nil && f.err == nil {
		id := models.NumberID(1)
		return &models.PipelineResult{Status: models.ResultOK, CustomerID: &id}, nil
	}
	return f.res, f.err
}

type queuedTask struct {
	taskType string
	ref      string
	payload  models.NotificationPayload
}

type fakeNotifier struct {
	mu    sync.Mutex
	tasks []queuedTask
}

func (f *fakeNotifier) Enqueue(_ context.Context, taskType, ref string, p models.NotificationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, queuedTask{taskType, ref, p})
	return nil
}

func (f *fakeNotifier) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.taskType)
	}
	return out
}

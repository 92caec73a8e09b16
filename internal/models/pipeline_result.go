package models

import "time"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Pipeline steps in execution order.
const (
	StepCustomer     = "customer"
	StepEstimate     = "estimate"
	StepCalendarTask = "calendar_task"
)

const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StepOutcome records what happened to one pipeline step. Records created
// before a failing step are not rolled back, so the trail is what operators
// reconcile against.
type StepOutcome struct {
	Step     string `json:"step"`
	Status   string `json:"status"`
	RecordID *ID    `json:"recordId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PipelineResult is the outcome of one booking pipeline run.
type PipelineResult struct {
	Status         string        `json:"status"`
	CustomerID     *ID           `json:"customerId"`
	EstimateID     *ID           `json:"estimateId"`
	JobID          *ID           `json:"jobId"`
	CalendarTaskID *ID           `json:"calendarTaskId"`
	Message        string        `json:"message,omitempty"`
	FailedStep     string        `json:"failedStep,omitempty"`
	Error          string        `json:"error,omitempty"`
	Steps          []StepOutcome `json:"steps"`
	Replayed       bool          `json:"replayed,omitempty"`
}

func (r *PipelineResult) OK() bool {
	return r != nil && r.Status == ResultOK
}

// BookingProgress is the persisted state of a keyed pipeline run. It lets a
// retried request resume after the last completed step instead of creating
// duplicate CRM records.
type BookingProgress struct {
	Key            string    `json:"key"`
	CustomerID     *ID       `json:"customerId,omitempty"`
	EstimateID     *ID       `json:"estimateId,omitempty"`
	CalendarTaskID *ID       `json:"calendarTaskId,omitempty"`
	CalendarDone   bool      `json:"calendarDone,omitempty"`
	Completed      bool      `json:"completed"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

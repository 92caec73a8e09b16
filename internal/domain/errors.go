package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrUpstream          = errors.New("upstream request failed")
	ErrContractViolation = errors.New("upstream contract violation")
	ErrTokenUnavailable  = errors.New("access token unavailable")
	ErrConfig            = errors.New("invalid configuration")
	ErrNotFound          = errors.New("not found")
)

// UpstreamError is a non-2xx answer from an external HTTP service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Status     string
	Body       string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s request failed: %d %s", e.Service, e.StatusCode, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// StepError identifies the pipeline step that aborted a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ContractViolation reports a successful upstream response that lacks a
// field the caller depends on.
func ContractViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

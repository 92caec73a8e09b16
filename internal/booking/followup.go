package booking

import (
	"context"
	"errors"

	"intake/internal/domain"
	"intake/internal/models"

	"github.com/rs/zerolog"
)

// FollowUps queues the notifications that follow a pipeline run. Enqueue
// failures are logged and never change the booking outcome.
type FollowUps struct {
	notifier domain.Notifier
	logger   *zerolog.Logger
}

func NewFollowUps(n domain.Notifier, logger *zerolog.Logger) *FollowUps {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FollowUps{notifier: n, logger: logger}
}

// BookingRef is the reference stored with notification tasks: the CRM
// customer id once one exists.
func BookingRef(res *models.PipelineResult) string {
	if res == nil || res.CustomerID == nil {
		return ""
	}
	return res.CustomerID.String()
}

// AfterRun enqueues a booking email on success. A step failure that left CRM
// records behind gets a reconciliation row and an ops alert instead. Replayed
// results already had their follow-ups queued by the run that produced them.
func (f *FollowUps) AfterRun(ctx context.Context, req models.BookingRequest, res *models.PipelineResult, runErr error, photos []models.PhotoRef) {
	if f == nil || f.notifier == nil || res == nil {
		return
	}
	if res.Replayed {
		f.logger.Debug().Str("booking_ref", BookingRef(res)).Msg("Replayed booking, follow-ups already queued")
		return
	}
	payload := models.NotificationPayload{Request: req, Result: res, Photos: photos}
	ref := BookingRef(res)

	var stepErr *domain.StepError
	switch {
	case runErr == nil && res.OK():
		f.enqueue(ctx, models.TaskBookingEmail, ref, payload)
	case errors.As(runErr, &stepErr) && res.CustomerID != nil:
		f.logger.Warn().
			Str("booking_ref", ref).
			Str("failed_step", stepErr.Step).
			Interface("steps", res.Steps).
			Msg("Partial booking queued for reconciliation")
		f.enqueue(ctx, models.TaskReconciliationRow, ref, payload)
		f.enqueue(ctx, models.TaskOpsAlert, ref, payload)
	}
}

// Enqueue queues a single task kind for req, logging failures.
func (f *FollowUps) Enqueue(ctx context.Context, taskType, ref string, payload models.NotificationPayload) {
	if f == nil || f.notifier == nil {
		return
	}
	f.enqueue(ctx, taskType, ref, payload)
}

func (f *FollowUps) enqueue(ctx context.Context, taskType, ref string, payload models.NotificationPayload) {
	// Queueing must survive a request timeout that fires right after the run.
	if err := f.notifier.Enqueue(context.WithoutCancel(ctx), taskType, ref, payload); err != nil {
		f.logger.Error().Err(err).Str("task_type", taskType).Str("booking_ref", ref).Msg("Failed to enqueue notification")
	}
}

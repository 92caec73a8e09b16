package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intake/internal/models"
	"intake/internal/worker"

	"github.com/rs/zerolog"
)

// Alerter pushes a short text to the ops chat.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// RowAppender records a partial booking for manual reconciliation.
type RowAppender interface {
	Append(ctx context.Context, bookingRef string, p models.NotificationPayload, at time.Time) error
}

// Handlers delivers each outbox task kind. Optional channels left nil are
// skipped with a warning.
type Handlers struct {
	Sender    Sender
	Ops       []string
	Labels    ServiceLabels
	Alerter   Alerter
	Sheet     RowAppender
	Signature string
	Logger    *zerolog.Logger
	Now       func() time.Time
}

type registrar interface {
	Handle(taskType string, h worker.Handler)
}

// Register binds every task kind to w.
func (h *Handlers) Register(w registrar) {
	w.Handle(models.TaskBookingEmail, h.BookingEmail)
	w.Handle(models.TaskReminderEmail, h.ReminderEmail)
	w.Handle(models.TaskPhotoEmail, h.PhotoEmail)
	w.Handle(models.TaskOpsAlert, h.OpsAlert)
	w.Handle(models.TaskReconciliationRow, h.ReconciliationRow)
}

func (h *Handlers) BookingEmail(ctx context.Context, task models.NotificationTask, p models.NotificationPayload) error {
	msg := BookingEmail(h.Ops, h.Labels, p)
	return h.send(ctx, task, msg)
}

func (h *Handlers) ReminderEmail(ctx context.Context, task models.NotificationTask, p models.NotificationPayload) error {
	msg, ok := ReminderEmail(h.Labels, p, h.Signature)
	if !ok {
		h.logger().Warn().Int64("task_id", task.ID).Msg("Reminder email skipped: customer has no valid email")
		return nil
	}
	return h.send(ctx, task, msg)
}

func (h *Handlers) PhotoEmail(ctx context.Context, task models.NotificationTask, p models.NotificationPayload) error {
	msg := PhotoEmail(h.Ops, h.Labels, task.BookingRef, p)
	return h.send(ctx, task, msg)
}

func (h *Handlers) OpsAlert(ctx context.Context, task models.NotificationTask, p models.NotificationPayload) error {
	if h.Alerter == nil {
		h.skip(task, "ops alert channel not configured")
		return nil
	}
	err := h.Alerter.Alert(ctx, PartialBookingAlert(h.Labels, task.BookingRef, p))
	if errors.Is(err, ErrNotConfigured) {
		h.skip(task, err.Error())
		return nil
	}
	return err
}

func (h *Handlers) ReconciliationRow(ctx context.Context, task models.NotificationTask, p models.NotificationPayload) error {
	if h.Sheet == nil {
		h.skip(task, "reconciliation sheet not configured")
		return nil
	}
	return h.Sheet.Append(ctx, task.BookingRef, p, h.now())
}

func (h *Handlers) send(ctx context.Context, task models.NotificationTask, msg Message) error {
	if h.Sender == nil {
		h.skip(task, "email sender not configured")
		return nil
	}
	err := h.Sender.Send(ctx, msg)
	if errors.Is(err, ErrNotConfigured) {
		h.skip(task, err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", task.TaskType, err)
	}
	h.logger().Info().Int64("task_id", task.ID).Str("task_type", task.TaskType).Int("recipients", len(msg.To)).Msg("Email sent")
	return nil
}

func (h *Handlers) skip(task models.NotificationTask, reason string) {
	h.logger().Warn().Int64("task_id", task.ID).Str("task_type", task.TaskType).Str("reason", reason).Msg("Notification skipped")
}

func (h *Handlers) logger() *zerolog.Logger {
	if h.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return h.Logger
}

func (h *Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

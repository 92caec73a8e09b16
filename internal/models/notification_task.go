package models

import (
	"encoding/json"
	"time"
)

// Notification task kinds handled by the outbox worker.
const (
	TaskBookingEmail      = "booking_email"
	TaskReminderEmail     = "reminder_email"
	TaskOpsAlert          = "ops_alert"
	TaskReconciliationRow = "reconciliation_row"
	TaskPhotoEmail        = "photo_email"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusRetry     = "retry"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// NotificationTask is a queued side effect of a booking. Payload holds the
// JSON encoded NotificationPayload.
type NotificationTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	BookingRef  string     `json:"booking_ref"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}

// NotificationPayload is everything a notification needs about the
// booking it describes.
type NotificationPayload struct {
	Request BookingRequest  `json:"request"`
	Result  *PipelineResult `json:"result,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	Photos  []PhotoRef      `json:"photos,omitempty"`
}

// PhotoRef points at an uploaded site photo.
type PhotoRef struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	PublicID string `json:"publicId,omitempty"`
}

// PhotoRefs reads photo references stored in the request options. Values
// that went through a JSON round trip are decoded again.
func (r BookingRequest) PhotoRefs() []PhotoRef {
	switch v := r.Option(OptionPhotoRefs).(type) {
	case nil:
		return nil
	case []PhotoRef:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var refs []PhotoRef
		if err := json.Unmarshal(data, &refs); err != nil {
			return nil
		}
		return refs
	}
}

package domain

import (
	"context"
	"time"

	"intake/internal/models"
)

// ProgressStore persists keyed pipeline progress and short lived booking
// payloads between requests.
type ProgressStore interface {
	GetProgress(ctx context.Context, key string) (*models.BookingProgress, error)
	SaveProgress(ctx context.Context, progress *models.BookingProgress, ttl time.Duration) error
	ClearProgress(ctx context.Context, key string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PendingStore holds booking requests awaiting payment confirmation.
type PendingStore interface {
	SavePending(ctx context.Context, id string, req *models.BookingRequest, ttl time.Duration) error
	GetPending(ctx context.Context, id string) (*models.BookingRequest, error)
}

// SecretStore keeps opaque credentials such as partner OAuth tokens.
type SecretStore interface {
	SaveSecret(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	// TakeSecret returns and deletes key in one step; nil when absent.
	TakeSecret(ctx context.Context, key string) ([]byte, error)
}

// StateStore is the full short lived state surface backed by redis.
type StateStore interface {
	ProgressStore
	PendingStore
	SecretStore
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Notifier queues notification side effects. Implementations must not block
// on delivery.
type Notifier interface {
	Enqueue(ctx context.Context, taskType string, bookingRef string, payload models.NotificationPayload) error
}

// BookingRunner is the part of the pipeline the HTTP and webhook layers use.
type BookingRunner interface {
	Run(ctx context.Context, req models.BookingRequest, opts RunOptions) (*models.PipelineResult, error)
}

// RunOptions tunes a single pipeline run.
type RunOptions struct {
	IdempotencyKey   string
	SkipCalendarTask bool
}

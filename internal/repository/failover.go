package repository

import (
	"context"
	"sync/atomic"
	"time"

	"intake/internal/domain"
	"intake/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStateRepository serves from primary (redis) and switches to the
// fallback (memory) after a primary error. Primary is probed again once
// recoveryInterval has passed.
type FailoverStateRepository struct {
	primary   domain.StateStore
	fallback  domain.StateStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStateRepository(primary, fallback domain.StateStore, logger *zerolog.Logger) *FailoverStateRepository {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStateRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverStateRepository) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStateRepository) markDown(op string, err error) {
	r.logger.Error().Err(err).Str("op", op).Msg("Primary state repository failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary decides whether this call should try the primary store.
func (r *FailoverStateRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	last := time.Unix(0, r.lastCheck.Load())
	return r.now().Sub(last) > recoveryInterval
}

func run[T any](r *FailoverStateRepository, op string, primary, fallback func(domain.StateStore) (T, error)) (T, error) {
	if r.usePrimary() {
		wasDown := r.isDown.Load()
		val, err := primary(r.primary)
		if err == nil {
			if wasDown {
				r.isDown.Store(false)
				r.logger.Info().Str("op", op).Msg("Primary state repository recovered")
			}
			return val, nil
		}
		r.markDown(op, err)
	}
	return fallback(r.fallback)
}

func (r *FailoverStateRepository) GetProgress(ctx context.Context, key string) (*models.BookingProgress, error) {
	call := func(s domain.StateStore) (*models.BookingProgress, error) { return s.GetProgress(ctx, key) }
	return run(r, "get_progress", call, call)
}

func (r *FailoverStateRepository) SaveProgress(ctx context.Context, progress *models.BookingProgress, ttl time.Duration) error {
	call := func(s domain.StateStore) (struct{}, error) { return struct{}{}, s.SaveProgress(ctx, progress, ttl) }
	_, err := run(r, "save_progress", call, call)
	return err
}

func (r *FailoverStateRepository) ClearProgress(ctx context.Context, key string) error {
	call := func(s domain.StateStore) (struct{}, error) { return struct{}{}, s.ClearProgress(ctx, key) }
	_, err := run(r, "clear_progress", call, call)
	return err
}

func (r *FailoverStateRepository) SavePending(ctx context.Context, id string, req *models.BookingRequest, ttl time.Duration) error {
	call := func(s domain.StateStore) (struct{}, error) { return struct{}{}, s.SavePending(ctx, id, req, ttl) }
	_, err := run(r, "save_pending", call, call)
	return err
}

func (r *FailoverStateRepository) GetPending(ctx context.Context, id string) (*models.BookingRequest, error) {
	call := func(s domain.StateStore) (*models.BookingRequest, error) { return s.GetPending(ctx, id) }
	return run(r, "get_pending", call, call)
}

func (r *FailoverStateRepository) SaveSecret(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	call := func(s domain.StateStore) (struct{}, error) { return struct{}{}, s.SaveSecret(ctx, key, value, ttl) }
	_, err := run(r, "save_secret", call, call)
	return err
}

func (r *FailoverStateRepository) GetSecret(ctx context.Context, key string) ([]byte, error) {
	call := func(s domain.StateStore) ([]byte, error) { return s.GetSecret(ctx, key) }
	return run(r, "get_secret", call, call)
}

func (r *FailoverStateRepository) TakeSecret(ctx context.Context, key string) ([]byte, error) {
	call := func(s domain.StateStore) ([]byte, error) { return s.TakeSecret(ctx, key) }
	return run(r, "take_secret", call, call)
}

func (r *FailoverStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	call := func(s domain.StateStore) (bool, error) { return s.CheckRateLimit(ctx, key, limit, window) }
	return run(r, "check_rate_limit", call, call)
}

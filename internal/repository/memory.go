package repository

import (
	"context"
	"sync"
	"time"

	"intake/internal/models"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStateRepository keeps state in process. It is the fallback when
// redis is unreachable and the store used in tests.
type MemoryStateRepository struct {
	progress   sync.Map
	pending    sync.Map
	secrets    sync.Map
	rateLimits sync.Map
	rateMu     sync.Mutex
	now        func() time.Time
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{now: time.Now}
}

func (r *MemoryStateRepository) load(m *sync.Map, key string) (any, bool) {
	val, ok := m.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(memoryEntry)
	if entry.expired(r.now()) {
		m.Delete(key)
		return nil, false
	}
	return entry.value, true
}

func (r *MemoryStateRepository) store(m *sync.Map, key string, value any, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = r.now().Add(ttl)
	}
	m.Store(key, entry)
}

func (r *MemoryStateRepository) GetProgress(ctx context.Context, key string) (*models.BookingProgress, error) {
	val, ok := r.load(&r.progress, key)
	if !ok {
		return nil, nil
	}
	p := val.(models.BookingProgress)
	return &p, nil
}

func (r *MemoryStateRepository) SaveProgress(ctx context.Context, progress *models.BookingProgress, ttl time.Duration) error {
	r.store(&r.progress, progress.Key, *progress, ttl)
	return nil
}

func (r *MemoryStateRepository) ClearProgress(ctx context.Context, key string) error {
	r.progress.Delete(key)
	return nil
}

func (r *MemoryStateRepository) SavePending(ctx context.Context, id string, req *models.BookingRequest, ttl time.Duration) error {
	r.store(&r.pending, id, req.WithOptions(nil), ttl)
	return nil
}

func (r *MemoryStateRepository) GetPending(ctx context.Context, id string) (*models.BookingRequest, error) {
	val, ok := r.load(&r.pending, id)
	if !ok {
		return nil, nil
	}
	req := val.(models.BookingRequest).WithOptions(nil)
	return &req, nil
}

func (r *MemoryStateRepository) SaveSecret(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.store(&r.secrets, key, append([]byte(nil), value...), ttl)
	return nil
}

func (r *MemoryStateRepository) GetSecret(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.load(&r.secrets, key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), val.([]byte)...), nil
}

func (r *MemoryStateRepository) TakeSecret(ctx context.Context, key string) ([]byte, error) {
	val, ok := r.secrets.LoadAndDelete(key)
	if !ok {
		return nil, nil
	}
	entry := val.(memoryEntry)
	if entry.expired(r.now()) {
		return nil, nil
	}
	return append([]byte(nil), entry.value.([]byte)...), nil
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemoryStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	now := r.now()
	val, ok := r.rateLimits.Load(key)

	var entry *rateLimitEntry
	if !ok {
		entry = &rateLimitEntry{
			count:     1,
			expiresAt: now.Add(window),
		}
	} else {
		entry = val.(*rateLimitEntry)
		if now.After(entry.expiresAt) {
			entry.count = 1
			entry.expiresAt = now.Add(window)
		} else {
			entry.count++
		}
	}

	r.rateLimits.Store(key, entry)
	return entry.count <= limit, nil
}

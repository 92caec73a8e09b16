package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intake/internal/config"
	"intake/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	progressPrefix  = "booking_progress:"
	pendingPrefix   = "pending_booking:"
	secretPrefix    = "secret:"
	rateLimitPrefix = "rate_limit:"
)

type RedisStateRepository struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStateRepository(client *redis.Client) *RedisStateRepository {
	return &RedisStateRepository{client: client}
}

func (r *RedisStateRepository) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStateRepository) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisStateRepository) GetProgress(ctx context.Context, key string) (*models.BookingProgress, error) {
	var progress models.BookingProgress
	found, err := r.getJSON(ctx, progressPrefix+key, &progress)
	if err != nil || !found {
		return nil, err
	}
	return &progress, nil
}

func (r *RedisStateRepository) SaveProgress(ctx context.Context, progress *models.BookingProgress, ttl time.Duration) error {
	return r.setJSON(ctx, progressPrefix+progress.Key, progress, ttl)
}

func (r *RedisStateRepository) ClearProgress(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, progressPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete progress from redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) SavePending(ctx context.Context, id string, req *models.BookingRequest, ttl time.Duration) error {
	return r.setJSON(ctx, pendingPrefix+id, req, ttl)
}

func (r *RedisStateRepository) GetPending(ctx context.Context, id string) (*models.BookingRequest, error) {
	var req models.BookingRequest
	found, err := r.getJSON(ctx, pendingPrefix+id, &req)
	if err != nil || !found {
		return nil, err
	}
	return &req, nil
}

func (r *RedisStateRepository) SaveSecret(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, secretPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set secret in redis: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) GetSecret(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, secretPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret from redis: %w", err)
	}
	return val, nil
}

func (r *RedisStateRepository) TakeSecret(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.GetDel(ctx, secretPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take secret from redis: %w", err)
	}
	return val, nil
}

func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	redisKey := rateLimitPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, redisKey, window)
	}

	return count <= int64(limit), nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

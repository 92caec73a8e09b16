package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"intake/internal/database"
	"intake/internal/metrics"
	"intake/internal/models"
	"intake/internal/retry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultQueueKey      = "outbox:queue"
	defaultDeadLetterKey = "outbox:deadletter"
)

// Handler delivers one notification. A returned error schedules a retry
// until the policy is exhausted.
type Handler func(ctx context.Context, task models.NotificationTask, payload models.NotificationPayload) error

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent notification failure")

// OutboxWorker persists notification tasks to sqlite and delivers them in the
// background. Redis, when configured, is the fast path between Enqueue and the
// loop; the database poll picks up anything the fast path missed.
type OutboxWorker struct {
	db            *database.DB
	redis         *redis.Client
	retryPolicy   retry.Policy
	queue         chan models.NotificationTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Option func(*OutboxWorker)

func WithRedis(client *redis.Client) Option {
	return func(w *OutboxWorker) { w.redis = client }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *OutboxWorker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *OutboxWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(w *OutboxWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewOutboxWorker builds a worker with sane defaults.
func NewOutboxWorker(db *database.DB, policy retry.Policy, opts ...Option) *OutboxWorker {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = 2 * time.Second
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.BackoffFactor == 0 {
		policy.BackoffFactor = 2
	}

	nop := zerolog.Nop()
	w := &OutboxWorker{
		db:            db,
		retryPolicy:   policy,
		queue:         make(chan models.NotificationTask, 128),
		redisQueueKey: defaultQueueKey,
		deadLetterKey: defaultDeadLetterKey,
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        &nop,
		handlers:      make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the delivery function for a task type.
func (w *OutboxWorker) Handle(taskType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

func (w *OutboxWorker) handler(taskType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskType]
	return h, ok
}

// Enqueue persists the task and schedules it via redis or the in-memory
// queue. It never waits for delivery.
func (w *OutboxWorker) Enqueue(ctx context.Context, taskType, bookingRef string, payload models.NotificationPayload) error {
	if taskType == "" {
		return errors.New("task type is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.NotificationTask{
		TaskType:   taskType,
		BookingRef: bookingRef,
		Payload:    string(data),
		Status:     models.TaskStatusPending,
	}
	if err := w.db.CreateNotificationTask(ctx, &task); err != nil {
		return fmt.Errorf("persist notification task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the delivery loop until ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("outbox worker started")
	defer w.logger.Info().Msg("outbox worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if n := w.ProcessPending(ctx); n == 0 {
			w.sleep(ctx)
		}
	}
}

// ProcessPending delivers one batch of due tasks from the database and
// returns how many it attempted.
func (w *OutboxWorker) ProcessPending(ctx context.Context) int {
	tasks, err := w.db.GetPendingNotificationTasks(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("fetch pending notifications")
		}
		return 0
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks)
}

func (w *OutboxWorker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *OutboxWorker) tryLocalQueue() (models.NotificationTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.NotificationTask{}, false
	}
}

func (w *OutboxWorker) tryRedis(ctx context.Context) (models.NotificationTask, bool) {
	if w.redis == nil {
		return models.NotificationTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("redis BRPOP failed")
		}
		return models.NotificationTask{}, false
	}
	if len(res) != 2 {
		return models.NotificationTask{}, false
	}
	var task models.NotificationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Warn().Err(err).Msg("decode redis task")
		return models.NotificationTask{}, false
	}
	return task, true
}

func (w *OutboxWorker) processTask(ctx context.Context, task *models.NotificationTask) {
	log := w.logger.With().Int64("task_id", task.ID).Str("task_type", task.TaskType).Str("booking_ref", task.BookingRef).Logger()

	// The fast path can hand over a task the poller already finished.
	if current, err := w.db.GetNotificationTask(ctx, task.ID); err == nil {
		if current.Status == models.TaskStatusCompleted || current.Status == models.TaskStatusFailed {
			return
		}
		*task = *current
	}

	h, ok := w.handler(task.TaskType)
	if !ok {
		w.failTask(ctx, task, fmt.Errorf("no handler for task type %q", task.TaskType))
		return
	}

	var payload models.NotificationPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := h(ctx, *task, payload); err != nil {
		metrics.IncNotification(task.TaskType, false)
		log.Warn().Err(err).Int("retry_count", task.RetryCount).Msg("notification delivery failed")
		if errors.Is(err, ErrPermanent) {
			w.failTask(ctx, task, err)
			return
		}
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncNotification(task.TaskType, true)
	if err := w.db.UpdateNotificationTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		log.Error().Err(err).Msg("mark completed")
	}
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, task *models.NotificationTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.db.UpdateNotificationTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *OutboxWorker) failTask(ctx context.Context, task *models.NotificationTask, cause error) {
	if err := w.db.UpdateNotificationTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("task_type", task.TaskType).Msg("notification moved to dead letter")
	w.pushDeadLetter(ctx, task)
}

func (w *OutboxWorker) pushRedis(ctx context.Context, task models.NotificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *OutboxWorker) pushDeadLetter(ctx context.Context, task *models.NotificationTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("dead letter push")
	}
}

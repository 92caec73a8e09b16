package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"intake/internal/domain"
	"intake/internal/models"
)

const taskColumns = `id, task_type, booking_ref, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	query := `INSERT INTO notification_queue (task_type, booking_ref, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		task.TaskType,
		task.BookingRef,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now

	return nil
}

func (db *DB) GetNotificationTask(ctx context.Context, id int64) (*models.NotificationTask, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM notification_queue WHERE id = ?`, id)
	var t models.NotificationTask
	if err := scanTask(row, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification task %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get notification task: %w", err)
	}
	return &t, nil
}

// GetPendingNotificationTasks returns due pending and retry tasks, oldest first.
func (db *DB) GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error) {
	query := `SELECT ` + taskColumns + `
              FROM notification_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	return db.queryTasks(ctx, query, time.Now().UTC(), limit)
}

func (db *DB) UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now().UTC()

	var lastError *string
	if errMsg != "" {
		lastError = &errMsg
	}
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		nextRetryAt = &utc
	}

	switch status {
	case models.TaskStatusRetry:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, id}
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, now, id}
	default:
		query = `UPDATE notification_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, nextRetryAt, id}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification task status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification task %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (db *DB) GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_queue WHERE status = 'failed' ORDER BY created_at DESC, id DESC`
	return db.queryTasks(ctx, query)
}

// ListNotificationTasks returns the newest tasks, optionally filtered by
// status. limit <= 0 means no limit.
func (db *DB) ListNotificationTasks(ctx context.Context, status string, limit int) ([]models.NotificationTask, error) {
	if limit <= 0 {
		limit = -1
	}
	if status == "" {
		return db.queryTasks(ctx, `SELECT `+taskColumns+` FROM notification_queue ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	}
	return db.queryTasks(ctx, `SELECT `+taskColumns+` FROM notification_queue WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`, status, limit)
}

// RequeueFailed moves failed tasks back to pending with a fresh retry
// budget. With no ids every failed task is requeued.
func (db *DB) RequeueFailed(ctx context.Context, ids ...int64) (int64, error) {
	query := `UPDATE notification_queue SET status = 'pending', retry_count = 0, next_retry_at = NULL, processed_at = NULL WHERE status = 'failed'`
	args := []interface{}{}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue notification tasks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCompleted deletes completed tasks processed before cutoff.
func (db *DB) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM notification_queue WHERE status = 'completed' AND processed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge notification tasks: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...interface{}) ([]models.NotificationTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.NotificationTask
	for rows.Next() {
		var t models.NotificationTask
		if err := scanTask(rows, &t); err != nil {
			return nil, fmt.Errorf("failed to scan notification task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner, t *models.NotificationTask) error {
	return s.Scan(&t.ID, &t.TaskType, &t.BookingRef, &t.Payload, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt)
}

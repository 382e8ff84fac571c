package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the outcome of one scheduled-task invocation.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunError   RunStatus = "ERROR"
)

// TaskRecord is one scheduled task.
type TaskRecord struct {
	ID             int64
	Name           string
	CronExpression string
	Command        string
	Enabled        bool
	RunCount       int64
	SuccessCount   int64
	FailureCount   int64
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunLog is one invocation record. Every invocation appends exactly one,
// regardless of outcome.
type RunLog struct {
	ID         int64
	TaskID     int64
	StartedAt  time.Time
	EndedAt    time.Time
	Status     RunStatus
	Result     string
	Error      string
	DurationMs int64
}

const taskColumns = `id, name, cron_expression, command, enabled, run_count,
	success_count, failure_count, last_run_at, created_at, updated_at`

// CreateTask inserts a task and returns it with its id.
func (s *Store) CreateTask(ctx context.Context, rec TaskRecord) (TaskRecord, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (name, cron_expression, command, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.CronExpression, rec.Command, rec.Enabled, now.Unix(), now.Unix())
	if err != nil {
		return TaskRecord{}, fmt.Errorf("insert task: %w", err)
	}
	rec.ID, err = result.LastInsertId()
	if err != nil {
		return TaskRecord{}, err
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	return rec, nil
}

// UpdateTask rewrites a task's definition fields.
func (s *Store) UpdateTask(ctx context.Context, rec TaskRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET name = ?, cron_expression = ?, command = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.CronExpression, rec.Command, rec.Enabled, time.Now().Unix(), rec.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(result)
}

// SetTaskEnabled flips a task's enabled flag.
func (s *Store) SetTaskEnabled(ctx context.Context, id int64, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?",
		enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	return requireRow(result)
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(result)
}

// GetTask returns a task by id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*TaskRecord, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTasks returns all tasks, optionally only enabled ones.
func (s *Store) ListTasks(ctx context.Context, onlyEnabled bool) ([]TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM scheduled_tasks"
	if onlyEnabled {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, rec)
	}
	return tasks, rows.Err()
}

// RecordRun appends one run log and updates the task counters in the
// same transaction.
func (s *Store) RecordRun(ctx context.Context, log RunLog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_run_logs (task_id, started_at, ended_at, status, result, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			log.TaskID, log.StartedAt.Unix(), log.EndedAt.Unix(), string(log.Status),
			log.Result, log.Error, log.DurationMs)
		if err != nil {
			return fmt.Errorf("insert run log: %w", err)
		}

		successDelta := 0
		failureDelta := 0
		if log.Status == RunSuccess {
			successDelta = 1
		} else {
			failureDelta = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET run_count = run_count + 1,
				success_count = success_count + ?,
				failure_count = failure_count + ?,
				last_run_at = ?
			WHERE id = ?`,
			successDelta, failureDelta, log.StartedAt.Unix(), log.TaskID)
		if err != nil {
			return fmt.Errorf("update task counters: %w", err)
		}
		return nil
	})
}

// TaskHistory returns the most recent run logs for a task, newest first.
func (s *Store) TaskHistory(ctx context.Context, taskID int64, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, ended_at, status, result, error, duration_ms
		FROM task_run_logs WHERE task_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run logs: %w", err)
	}
	defer rows.Close()

	logs := []RunLog{}
	for rows.Next() {
		var log RunLog
		var started, ended int64
		var status string
		err := rows.Scan(&log.ID, &log.TaskID, &started, &ended, &status,
			&log.Result, &log.Error, &log.DurationMs)
		if err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		log.StartedAt = time.Unix(started, 0)
		log.EndedAt = time.Unix(ended, 0)
		log.Status = RunStatus(status)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var lastRun sql.NullInt64
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.CronExpression, &rec.Command, &rec.Enabled,
		&rec.RunCount, &rec.SuccessCount, &rec.FailureCount, &lastRun, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan task: %w", err)
	}
	rec.LastRunAt = unixPtr(lastRun)
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

// requireRow converts a zero-row update into sql.ErrNoRows so callers can
// map it to a NOT_FOUND category.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

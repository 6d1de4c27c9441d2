package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronie/internal/core"
)

const taskColumns = `id, name, description, cron_expression, task_type, config, enabled, tags,
	retry_count, retry_delay_ms, timeout_ms, sort_order, created_at, updated_at`

// TaskPatch lists the fields to change on a task. Nil fields are left alone.
type TaskPatch struct {
	Name         *string
	Description  *string
	Cron         *string
	Kind         *core.TaskKind
	Config       *json.RawMessage
	Enabled      *bool
	Tags         *[]string
	RetryCount   *int
	RetryDelayMS *int64
	TimeoutMS    *int64
	SortOrder    *int
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p == TaskPatch{}
}

func (p TaskPatch) apply(task *core.Task) {
	if p.Name != nil {
		task.Name = *p.Name
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.Cron != nil {
		task.Cron = *p.Cron
	}
	if p.Kind != nil {
		task.Kind = *p.Kind
	}
	if p.Config != nil {
		task.RawConfig = *p.Config
	}
	if p.Enabled != nil {
		task.Enabled = *p.Enabled
	}
	if p.Tags != nil {
		task.Tags = *p.Tags
	}
	if p.RetryCount != nil {
		task.RetryCount = *p.RetryCount
	}
	if p.RetryDelayMS != nil {
		task.RetryDelayMS = *p.RetryDelayMS
	}
	if p.TimeoutMS != nil {
		task.TimeoutMS = *p.TimeoutMS
	}
	if p.SortOrder != nil {
		task.SortOrder = *p.SortOrder
	}
}

// ValidateTask checks the fields the store refuses to persist: name, kind,
// the kind's configuration shape and the retry/timeout policy.
func ValidateTask(task *core.Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return fmt.Errorf("%w: name is required", core.ErrInvalidConfig)
	}
	if !task.Kind.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownKind, task.Kind)
	}
	if task.RetryCount < 0 || task.RetryDelayMS < 0 || task.TimeoutMS < 0 {
		return fmt.Errorf("%w: retry and timeout values must be non-negative", core.ErrInvalidConfig)
	}
	if _, err := task.DecodeConfig(); err != nil {
		return err
	}
	return nil
}

// InsertTask validates and persists a new task, filling in its id and timestamps.
func (s *Store) InsertTask(ctx context.Context, task *core.Task) (int64, error) {
	if err := ValidateTask(task); err != nil {
		return 0, err
	}
	if len(task.RawConfig) == 0 {
		task.RawConfig = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (name, description, cron_expression, task_type, config, enabled, tags,
			retry_count, retry_delay_ms, timeout_ms, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Name, task.Description, task.Cron, task.Kind, string(task.RawConfig), boolToInt(task.Enabled),
		core.JoinTags(task.Tags), task.RetryCount, task.RetryDelayMS, task.TimeoutMS, task.SortOrder,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert task id: %w", err)
	}
	task.ID = id
	return id, nil
}

// UpdateTask applies a partial update atomically and returns the stored task.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch TaskPatch) (*core.Task, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update task: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	patch.apply(task)
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, description = ?, cron_expression = ?, task_type = ?, config = ?, enabled = ?, tags = ?,
			retry_count = ?, retry_delay_ms = ?, timeout_ms = ?, sort_order = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Description, task.Cron, task.Kind, string(task.RawConfig), boolToInt(task.Enabled),
		core.JoinTags(task.Tags), task.RetryCount, task.RetryDelayMS, task.TimeoutMS, task.SortOrder,
		formatTime(task.UpdatedAt), id); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update task: %w", err)
	}
	return task, nil
}

// ToggleTask flips the enabled flag and returns the stored task.
func (s *Store) ToggleTask(ctx context.Context, id int64) (*core.Task, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET enabled = CASE WHEN enabled = 1 THEN 0 ELSE 1 END, updated_at = ?
		WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("toggle task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("toggle task rows: %w", err)
	}
	if rows == 0 {
		return nil, ErrTaskNotFound
	}
	return s.GetTask(ctx, id)
}

// ReorderTasks assigns sort positions following the order of ids.
func (s *Store) ReorderTasks(ctx context.Context, ids []int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()
	now := formatTime(time.Now())
	for i, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_order = ?, updated_at = ? WHERE id = ?`, i, now, id)
		if err != nil {
			return fmt.Errorf("reorder task %d: %w", id, err)
		}
		if rows, err := res.RowsAffected(); err == nil && rows == 0 {
			return fmt.Errorf("reorder task %d: %w", id, ErrTaskNotFound)
		}
	}
	return tx.Commit()
}

// DeleteTask removes the task; its execution logs cascade.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns every task in display order.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY sort_order ASC, id DESC`)
}

// ListEnabledTasks returns the tasks the scheduler should arm.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 ORDER BY id ASC`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task      core.Task
		kind      string
		config    string
		enabled   int
		tags      string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.Description, &task.Cron, &kind, &config, &enabled, &tags,
		&task.RetryCount, &task.RetryDelayMS, &task.TimeoutMS, &task.SortOrder, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = core.TaskKind(kind)
	task.RawConfig = json.RawMessage(config)
	task.Enabled = enabled != 0
	task.Tags = core.SplitTags(tags)
	var err error
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

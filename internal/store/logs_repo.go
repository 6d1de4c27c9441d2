package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronie/internal/core"
)

const (
	// DefaultLogLimit applies when a filter leaves Limit unset.
	DefaultLogLimit = 100
	// MaxLogLimit bounds a single page of log rows.
	MaxLogLimit = 1000

	recentLogs   = 10
	failingTasks = 5
)

const logColumns = `l.id, l.task_id, COALESCE(t.name, ''), l.retry_attempt, l.start_time, l.end_time, l.duration_ms,
	l.status, l.exit_code, l.stdout, l.stderr, l.http_status, l.http_response_body, l.error_message,
	l.error_stack, l.created_at`

const logFrom = ` FROM execution_logs l LEFT JOIN tasks t ON t.id = l.task_id`

// BeginAttempt records the start of an attempt with status running.
func (s *Store) BeginAttempt(ctx context.Context, taskID int64, attempt int, startedAt time.Time) (int64, error) {
	ts := formatTime(startedAt)
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_logs (task_id, retry_attempt, start_time, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, attempt, ts, core.LogStatusRunning, ts)
	if err != nil {
		return 0, fmt.Errorf("insert execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert execution log id: %w", err)
	}
	return id, nil
}

// FinishAttempt closes a running log row with its terminal status, end time
// and duration in a single statement. A row is closed at most once.
func (s *Store) FinishAttempt(ctx context.Context, logID int64, endedAt time.Time, res core.ExecutionResult) error {
	if !res.Status.Valid() || !res.Status.Terminal() {
		return fmt.Errorf("finish attempt: invalid terminal status %q", res.Status)
	}
	result, err := s.DB.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = ?, end_time = ?, duration_ms = ?, exit_code = ?, stdout = ?, stderr = ?,
			http_status = ?, http_response_body = ?, error_message = ?, error_stack = ?
		WHERE id = ? AND status = ?
	`, res.Status, formatTime(endedAt), res.DurationMS, nullableInt(res.ExitCode), res.Stdout, res.Stderr,
		nullableInt(res.HTTPStatus), nullableString(res.HTTPBody), nullableString(res.ErrorMessage),
		nullableString(res.ErrorStack), logID, core.LogStatusRunning)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish attempt rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetLog(ctx, logID); err != nil {
		return err
	}
	return ErrLogClosed
}

// InsertSkipped records a fire that was refused by the overlap policy.
func (s *Store) InsertSkipped(ctx context.Context, taskID int64, at time.Time, reason string) (int64, error) {
	ts := formatTime(at)
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_logs (task_id, retry_attempt, start_time, end_time, duration_ms, status, error_message, created_at)
		VALUES (?, 0, ?, ?, 0, ?, ?, ?)
	`, taskID, ts, ts, core.LogStatusSkipped, reason, ts)
	if err != nil {
		return 0, fmt.Errorf("insert skipped log: %w", err)
	}
	return res.LastInsertId()
}

// RecoverStaleRuns rewrites running rows started before the cutoff to failure.
// The duration is the wall-clock time between start_time and now.
func (s *Store) RecoverStaleRuns(ctx context.Context, before, now time.Time, message string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recovery: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, start_time FROM execution_logs WHERE status = ? AND start_time < ?
	`, core.LogStatusRunning, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("query stale runs: %w", err)
	}
	type stale struct {
		id    int64
		start time.Time
	}
	var found []stale
	for rows.Next() {
		var (
			id    int64
			start string
		)
		if err := rows.Scan(&id, &start); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale run: %w", err)
		}
		t, err := parseTime(start)
		if err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, stale{id: id, start: t})
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	end := formatTime(now)
	for _, row := range found {
		duration := now.Sub(row.start).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE execution_logs
			SET status = ?, end_time = ?, duration_ms = ?, error_message = ?
			WHERE id = ? AND status = ?
		`, core.LogStatusFailure, end, duration, message, row.id, core.LogStatusRunning); err != nil {
			return 0, fmt.Errorf("recover run %d: %w", row.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	return int64(len(found)), nil
}

// GetLog returns a single log row.
func (s *Store) GetLog(ctx context.Context, id int64) (*core.ExecutionLog, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+logColumns+logFrom+` WHERE l.id = ?`, id)
	log, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return log, nil
}

// QueryLogs returns one page of log rows, newest first.
func (s *Store) QueryLogs(ctx context.Context, filter core.LogFilter) ([]*core.ExecutionLog, error) {
	where, args := logWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	return s.queryLogs(ctx, `SELECT `+logColumns+logFrom+where+
		` ORDER BY l.start_time DESC, l.id DESC LIMIT ? OFFSET ?`, args...)
}

// ExportLogs returns every log row matching the filter, ignoring paging.
func (s *Store) ExportLogs(ctx context.Context, filter core.LogFilter) ([]*core.ExecutionLog, error) {
	where, args := logWhere(filter)
	return s.queryLogs(ctx, `SELECT `+logColumns+logFrom+where+` ORDER BY l.start_time DESC, l.id DESC`, args...)
}

// CountLogs counts the rows matching the filter, ignoring paging.
func (s *Store) CountLogs(ctx context.Context, filter core.LogFilter) (int64, error) {
	where, args := logWhere(filter)
	var n int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1)`+logFrom+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

// LogStats aggregates totals per status, the most recent rows and the tasks
// with the most failures.
func (s *Store) LogStats(ctx context.Context) (*core.LogStats, error) {
	stats := &core.LogStats{
		Recent:       []*core.ExecutionLog{},
		FailingTasks: []core.FailingTask{},
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM execution_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("log totals: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan log totals: %w", err)
		}
		stats.Total += n
		switch core.LogStatus(status) {
		case core.LogStatusSuccess:
			stats.Success = n
		case core.LogStatusFailure:
			stats.Failure = n
		case core.LogStatusTimeout:
			stats.Timeout = n
		case core.LogStatusRunning:
			stats.Running = n
		case core.LogStatusSkipped:
			stats.Skipped = n
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recent, err := s.QueryLogs(ctx, core.LogFilter{Limit: recentLogs})
	if err != nil {
		return nil, err
	}
	if recent != nil {
		stats.Recent = recent
	}

	failing, err := s.DB.QueryContext(ctx, `
		SELECT t.id, t.name, COUNT(1) AS failure_count
		FROM execution_logs l JOIN tasks t ON t.id = l.task_id
		WHERE l.status = ?
		GROUP BY t.id, t.name
		ORDER BY failure_count DESC, t.id ASC
		LIMIT ?
	`, core.LogStatusFailure, failingTasks)
	if err != nil {
		return nil, fmt.Errorf("failing tasks: %w", err)
	}
	defer failing.Close()
	for failing.Next() {
		var ft core.FailingTask
		if err := failing.Scan(&ft.TaskID, &ft.Name, &ft.FailureCount); err != nil {
			return nil, fmt.Errorf("scan failing task: %w", err)
		}
		stats.FailingTasks = append(stats.FailingTasks, ft)
	}
	if err := failing.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// DeleteLog removes a single log row.
func (s *Store) DeleteLog(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM execution_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLogNotFound
	}
	return nil
}

// ClearLogs removes the logs of one task, or every log when taskID is nil.
func (s *Store) ClearLogs(ctx context.Context, taskID *int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if taskID != nil {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM execution_logs WHERE task_id = ?`, *taskID)
	} else {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM execution_logs`)
	}
	if err != nil {
		return 0, fmt.Errorf("clear logs: %w", err)
	}
	return res.RowsAffected()
}

func logWhere(filter core.LogFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.TaskID != nil {
		clauses = append(clauses, "l.task_id = ?")
		args = append(args, *filter.TaskID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "l.status = ?")
		args = append(args, filter.Status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		clauses = append(clauses,
			`(l.stdout LIKE ? ESCAPE '\' OR l.stderr LIKE ? ESCAPE '\' OR l.error_message LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]*core.ExecutionLog, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()
	logs := []*core.ExecutionLog{}
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func scanLog(scanner interface {
	Scan(dest ...any) error
}) (*core.ExecutionLog, error) {
	var (
		log        core.ExecutionLog
		status     string
		startTime  string
		endTime    sql.NullString
		durationMS sql.NullInt64
		exitCode   sql.NullInt64
		httpStatus sql.NullInt64
		httpBody   sql.NullString
		errMessage sql.NullString
		errStack   sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&log.ID, &log.TaskID, &log.TaskName, &log.Attempt, &startTime, &endTime, &durationMS,
		&status, &exitCode, &log.Stdout, &log.Stderr, &httpStatus, &httpBody, &errMessage,
		&errStack, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan log: %w", err)
	}
	log.Status = core.LogStatus(status)
	var err error
	if log.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if log.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		log.EndTime = &t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		log.DurationMS = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		log.ExitCode = &v
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		log.HTTPStatus = &v
	}
	if httpBody.Valid {
		log.HTTPBody = &httpBody.String
	}
	if errMessage.Valid {
		log.ErrorMessage = &errMessage.String
	}
	if errStack.Valid {
		log.ErrorStack = &errStack.String
	}
	return &log, nil
}

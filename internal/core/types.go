package core

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskKind selects how a task is executed.
type TaskKind string

const (
	TaskKindShell  TaskKind = "shell"
	TaskKindHTTP   TaskKind = "http"
	TaskKindPlugin TaskKind = "plugin"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindShell, TaskKindHTTP, TaskKindPlugin:
		return true
	default:
		return false
	}
}

// LogStatus describes the state of an individual execution attempt.
type LogStatus string

const (
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusFailure LogStatus = "failure"
	LogStatusTimeout LogStatus = "timeout"
	LogStatusSkipped LogStatus = "skipped"
)

// Valid reports whether s is one of the known log statuses.
func (s LogStatus) Valid() bool {
	switch s {
	case LogStatusRunning, LogStatusSuccess, LogStatusFailure, LogStatusTimeout, LogStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status closes an attempt.
func (s LogStatus) Terminal() bool {
	return s != LogStatusRunning && s != ""
}

// Task is a persisted definition of recurring work.
type Task struct {
	ID          int64
	Name        string
	Description string
	Cron        string
	Kind        TaskKind

	// RawConfig holds the kind-specific configuration as stored. Use DecodeConfig
	// to obtain the typed variant.
	RawConfig    json.RawMessage
	Enabled      bool
	Tags         []string
	RetryCount   int
	RetryDelayMS int64
	TimeoutMS    int64
	SortOrder    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DecodeConfig decodes and validates the task configuration for its kind.
func (t *Task) DecodeConfig() (TaskConfig, error) {
	return DecodeTaskConfig(t.Kind, t.RawConfig)
}

// Timeout returns the execution deadline; zero disables it.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the backoff base between attempts.
func (t *Task) RetryDelay() time.Duration {
	if t.RetryDelayMS <= 0 {
		return 0
	}
	return time.Duration(t.RetryDelayMS) * time.Millisecond
}

// JoinTags renders tags in their stored comma-joined form.
func JoinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return strings.Join(out, ",")
}

// SplitTags parses the stored comma-joined tag list.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// ExecutionLog is the durable record of one attempt.
type ExecutionLog struct {
	ID           int64
	TaskID       int64
	TaskName     string
	Attempt      int
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   *int64
	Status       LogStatus
	ExitCode     *int
	Stdout       string
	Stderr       string
	HTTPStatus   *int
	HTTPBody     *string
	ErrorMessage *string
	ErrorStack   *string
	CreatedAt    time.Time
}

// ExecutionResult is the outcome of a single attempt as produced by the engine.
type ExecutionResult struct {
	Status       LogStatus `json:"status"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	HTTPStatus   *int      `json:"http_status,omitempty"`
	HTTPBody     *string   `json:"http_response_body,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	ErrorStack   *string   `json:"error_stack,omitempty"`
	DurationMS   int64     `json:"duration_ms"`

	// Filled in by the coordinator for the attempt that produced the result.
	LogID     int64  `json:"log_id,omitempty"`
	Attempt   int    `json:"attempt"`
	SessionID string `json:"session_id,omitempty"`
}

// LogFilter narrows execution log queries.
type LogFilter struct {
	TaskID *int64
	Status LogStatus
	Search string
	Limit  int
	Offset int
}

// LogStats aggregates the execution history.
type LogStats struct {
	Total        int64           `json:"total"`
	Success      int64           `json:"success"`
	Failure      int64           `json:"failure"`
	Timeout      int64           `json:"timeout"`
	Running      int64           `json:"running"`
	Skipped      int64           `json:"skipped"`
	Recent       []*ExecutionLog `json:"recent"`
	FailingTasks []FailingTask   `json:"failing_tasks"`
}

// FailingTask is one entry of the failure leaderboard.
type FailingTask struct {
	TaskID       int64  `json:"task_id"`
	Name         string `json:"name"`
	FailureCount int64  `json:"failure_count"`
}

func ptrString(v string) *string {
	return &v
}

func ptrInt(v int) *int {
	return &v
}

package store

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"cronie/internal/core"
)

// LogRecord is the exported form of an execution log.
type LogRecord struct {
	ID           int64          `json:"id"`
	TaskID       int64          `json:"task_id"`
	TaskName     string         `json:"task_name"`
	RetryAttempt int            `json:"retry_attempt"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time"`
	DurationMS   *int64         `json:"duration_ms"`
	Status       core.LogStatus `json:"status"`
	ExitCode     *int           `json:"exit_code"`
	Stdout       string         `json:"stdout"`
	Stderr       string         `json:"stderr"`
	HTTPStatus   *int           `json:"http_status"`
	HTTPBody     *string        `json:"http_response_body"`
	ErrorMessage *string        `json:"error_message"`
	ErrorStack   *string        `json:"error_stack"`
	CreatedAt    time.Time      `json:"created_at"`
}

// maxRecordLine fits two capped output streams after JSON escaping.
const maxRecordLine = 32 * core.DefaultOutputLimit

var csvHeader = []string{
	"id", "task_id", "task_name", "retry_attempt", "start_time", "end_time", "duration_ms", "status",
	"exit_code", "stdout", "stderr", "http_status", "http_response_body", "error_message", "error_stack",
	"created_at",
}

// NewLogRecord converts a log row to its exported form.
func NewLogRecord(l *core.ExecutionLog) LogRecord {
	return LogRecord{
		ID:           l.ID,
		TaskID:       l.TaskID,
		TaskName:     l.TaskName,
		RetryAttempt: l.Attempt,
		StartTime:    l.StartTime,
		EndTime:      l.EndTime,
		DurationMS:   l.DurationMS,
		Status:       l.Status,
		ExitCode:     l.ExitCode,
		Stdout:       l.Stdout,
		Stderr:       l.Stderr,
		HTTPStatus:   l.HTTPStatus,
		HTTPBody:     l.HTTPBody,
		ErrorMessage: l.ErrorMessage,
		ErrorStack:   l.ErrorStack,
		CreatedAt:    l.CreatedAt,
	}
}

// Log converts the record back to a log row.
func (r LogRecord) Log() *core.ExecutionLog {
	return &core.ExecutionLog{
		ID:           r.ID,
		TaskID:       r.TaskID,
		TaskName:     r.TaskName,
		Attempt:      r.RetryAttempt,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		DurationMS:   r.DurationMS,
		Status:       r.Status,
		ExitCode:     r.ExitCode,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		HTTPStatus:   r.HTTPStatus,
		HTTPBody:     r.HTTPBody,
		ErrorMessage: r.ErrorMessage,
		ErrorStack:   r.ErrorStack,
		CreatedAt:    r.CreatedAt,
	}
}

// WriteLogsJSONL writes one JSON object per line.
func WriteLogsJSONL(w io.Writer, logs []*core.ExecutionLog) error {
	enc := json.NewEncoder(w)
	for _, l := range logs {
		if err := enc.Encode(NewLogRecord(l)); err != nil {
			return fmt.Errorf("encode log %d: %w", l.ID, err)
		}
	}
	return nil
}

// ReadLogsJSONL parses the output of WriteLogsJSONL.
func ReadLogsJSONL(r io.Reader) ([]*core.ExecutionLog, error) {
	var logs []*core.ExecutionLog
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var rec LogRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode log line %d: %w", line, err)
		}
		logs = append(logs, rec.Log())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	return logs, nil
}

// WriteLogsCSV writes a header row followed by one row per log.
func WriteLogsCSV(w io.Writer, logs []*core.ExecutionLog) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, l := range logs {
		if err := cw.Write(csvRow(l)); err != nil {
			return fmt.Errorf("write log %d: %w", l.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(l *core.ExecutionLog) []string {
	var end string
	if l.EndTime != nil {
		end = formatTime(*l.EndTime)
	}
	return []string{
		strconv.FormatInt(l.ID, 10),
		strconv.FormatInt(l.TaskID, 10),
		l.TaskName,
		strconv.Itoa(l.Attempt),
		formatTime(l.StartTime),
		end,
		optInt64(l.DurationMS),
		string(l.Status),
		optInt(l.ExitCode),
		l.Stdout,
		l.Stderr,
		optInt(l.HTTPStatus),
		optString(l.HTTPBody),
		optString(l.ErrorMessage),
		optString(l.ErrorStack),
		formatTime(l.CreatedAt),
	}
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"cronie/internal/core"
)

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := insertTask(t, s, shellTask("job", "echo hi"))

	start := time.Now()
	logID, err := s.BeginAttempt(ctx, taskID, 1, start)
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	running, err := s.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if running.Status != core.LogStatusRunning || running.EndTime != nil || running.DurationMS != nil {
		t.Fatalf("unexpected running row: %+v", running)
	}
	if running.Attempt != 1 || running.TaskName != "job" {
		t.Fatalf("unexpected attempt metadata: %+v", running)
	}

	res := core.ExecutionResult{
		Status:       core.LogStatusFailure,
		ExitCode:     intPtr(3),
		Stdout:       "out",
		Stderr:       "err",
		DurationMS:   42,
		ErrorMessage: strPtr("Process exited with code 3"),
	}
	if err := s.FinishAttempt(ctx, logID, start.Add(42*time.Millisecond), res); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	done, err := s.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if done.Status != core.LogStatusFailure || done.EndTime == nil || done.DurationMS == nil || *done.DurationMS != 42 {
		t.Fatalf("row not closed atomically: %+v", done)
	}
	if done.ExitCode == nil || *done.ExitCode != 3 || done.Stdout != "out" || done.Stderr != "err" {
		t.Fatalf("result not stored: %+v", done)
	}
	if done.HTTPStatus != nil || done.HTTPBody != nil {
		t.Fatalf("unexpected http fields: %+v", done)
	}

	res.Status = core.LogStatusSuccess
	if err := s.FinishAttempt(ctx, logID, time.Now(), res); !errors.Is(err, ErrLogClosed) {
		t.Fatalf("expected ErrLogClosed on second close, got %v", err)
	}
	if err := s.FinishAttempt(ctx, logID+100, time.Now(), res); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
	res.Status = core.LogStatusRunning
	if err := s.FinishAttempt(ctx, logID, time.Now(), res); err == nil {
		t.Fatal("expected running to be refused as a terminal status")
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := insertTask(t, s, shellTask("job", "sleep 100"))

	now := time.Now()
	stale, err := s.BeginAttempt(ctx, taskID, 0, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("BeginAttempt stale: %v", err)
	}
	fresh, err := s.BeginAttempt(ctx, taskID, 0, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("BeginAttempt fresh: %v", err)
	}

	n, err := s.RecoverStaleRuns(ctx, now.Add(-time.Hour), now, core.InterruptedMessage)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d rows, want 1", n)
	}

	got, _ := s.GetLog(ctx, stale)
	if got.Status != core.LogStatusFailure || got.EndTime == nil {
		t.Fatalf("stale row not reconciled: %+v", got)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != core.InterruptedMessage {
		t.Fatalf("error message = %v", got.ErrorMessage)
	}
	if got.DurationMS == nil || *got.DurationMS < (2*time.Hour).Milliseconds()-1000 {
		t.Fatalf("duration = %v", got.DurationMS)
	}

	got, _ = s.GetLog(ctx, fresh)
	if got.Status != core.LogStatusRunning {
		t.Fatalf("fresh row touched: %+v", got)
	}
}

func TestQueryLogsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, s, shellTask("alpha", "true"))
	b := insertTask(t, s, shellTask("beta", "true"))

	base := time.Now().Add(-time.Hour)
	finish := func(taskID int64, offset time.Duration, res core.ExecutionResult) int64 {
		t.Helper()
		id, err := s.BeginAttempt(ctx, taskID, 0, base.Add(offset))
		if err != nil {
			t.Fatalf("BeginAttempt: %v", err)
		}
		if err := s.FinishAttempt(ctx, id, base.Add(offset+time.Second), res); err != nil {
			t.Fatalf("FinishAttempt: %v", err)
		}
		return id
	}
	finish(a, 0, core.ExecutionResult{Status: core.LogStatusSuccess, Stdout: "all good"})
	finish(a, time.Minute, core.ExecutionResult{Status: core.LogStatusFailure, Stderr: "disk 100% full"})
	last := finish(b, 2*time.Minute, core.ExecutionResult{Status: core.LogStatusTimeout, ErrorMessage: strPtr("Task timed out")})

	logs, err := s.QueryLogs(ctx, core.LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(logs) != 3 || logs[0].ID != last {
		t.Fatalf("expected newest first, got %d rows", len(logs))
	}
	if logs[0].TaskName != "beta" {
		t.Fatalf("task name = %q", logs[0].TaskName)
	}

	logs, _ = s.QueryLogs(ctx, core.LogFilter{TaskID: &a})
	if len(logs) != 2 {
		t.Fatalf("task filter: got %d rows", len(logs))
	}
	logs, _ = s.QueryLogs(ctx, core.LogFilter{Status: core.LogStatusTimeout})
	if len(logs) != 1 || logs[0].TaskID != b {
		t.Fatalf("status filter: got %d rows", len(logs))
	}
	logs, _ = s.QueryLogs(ctx, core.LogFilter{Search: "100%"})
	if len(logs) != 1 || logs[0].Status != core.LogStatusFailure {
		t.Fatalf("search filter: got %d rows", len(logs))
	}
	logs, _ = s.QueryLogs(ctx, core.LogFilter{Search: "timed"})
	if len(logs) != 1 {
		t.Fatalf("error message search: got %d rows", len(logs))
	}
	logs, _ = s.QueryLogs(ctx, core.LogFilter{Limit: 1, Offset: 1})
	if len(logs) != 1 {
		t.Fatalf("paging: got %d rows", len(logs))
	}

	n, err := s.CountLogs(ctx, core.LogFilter{TaskID: &a})
	if err != nil {
		t.Fatalf("CountLogs: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestLogStatsAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, s, shellTask("alpha", "true"))
	b := insertTask(t, s, shellTask("beta", "true"))

	for i, res := range []struct {
		task   int64
		status core.LogStatus
	}{
		{a, core.LogStatusFailure},
		{a, core.LogStatusFailure},
		{b, core.LogStatusFailure},
		{b, core.LogStatusSuccess},
		{b, core.LogStatusTimeout},
	} {
		id, err := s.BeginAttempt(ctx, res.task, 0, time.Now().Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("BeginAttempt: %v", err)
		}
		if err := s.FinishAttempt(ctx, id, time.Now(), core.ExecutionResult{Status: res.status}); err != nil {
			t.Fatalf("FinishAttempt: %v", err)
		}
	}
	if _, err := s.InsertSkipped(ctx, b, time.Now(), "previous run still in progress"); err != nil {
		t.Fatalf("InsertSkipped: %v", err)
	}

	stats, err := s.LogStats(ctx)
	if err != nil {
		t.Fatalf("LogStats: %v", err)
	}
	if stats.Total != 6 || stats.Failure != 3 || stats.Success != 1 || stats.Timeout != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if len(stats.Recent) != 6 {
		t.Fatalf("recent = %d rows", len(stats.Recent))
	}
	if len(stats.FailingTasks) != 2 || stats.FailingTasks[0].TaskID != a || stats.FailingTasks[0].FailureCount != 2 {
		t.Fatalf("failing tasks = %+v", stats.FailingTasks)
	}

	removed, err := s.ClearLogs(ctx, &a)
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d rows for task a, want 2", removed)
	}
	removed, err = s.ClearLogs(ctx, nil)
	if err != nil {
		t.Fatalf("ClearLogs all: %v", err)
	}
	if removed != 4 {
		t.Fatalf("removed %d rows, want 4", removed)
	}
	if err := s.DeleteLog(ctx, 1); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := insertTask(t, s, shellTask("export", "true"))
	id, err := s.BeginAttempt(ctx, taskID, 2, time.Now())
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	res := core.ExecutionResult{
		Status:     core.LogStatusSuccess,
		ExitCode:   intPtr(0),
		Stdout:     "line one\nline, \"two\"",
		DurationMS: 7,
	}
	if err := s.FinishAttempt(ctx, id, time.Now(), res); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	logs, err := s.ExportLogs(ctx, core.LogFilter{})
	if err != nil {
		t.Fatalf("ExportLogs: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteLogsJSONL(&buf, logs); err != nil {
		t.Fatalf("WriteLogsJSONL: %v", err)
	}
	back, err := ReadLogsJSONL(&buf)
	if err != nil {
		t.Fatalf("ReadLogsJSONL: %v", err)
	}
	if len(back) != 1 {
		t.Fatalf("read %d logs", len(back))
	}
	got := back[0]
	if got.ID != id || got.Attempt != 2 || got.Stdout != res.Stdout || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.StartTime.Equal(logs[0].StartTime) {
		t.Fatalf("start time %v != %v", got.StartTime, logs[0].StartTime)
	}

	buf.Reset()
	if err := WriteLogsCSV(&buf, logs); err != nil {
		t.Fatalf("WriteLogsCSV: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 || records[0][0] != "id" || records[1][9] != res.Stdout {
		t.Fatalf("unexpected csv: %q", records)
	}
}

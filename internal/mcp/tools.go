package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronie/internal/core"
	"cronie/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultRetryDelayMS = 1000
	defaultTimeoutMS    = 30000
)

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))
	if _, err := core.ParseCron(cronExpr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	kind := core.TaskKind(mcp.ParseString(request, "type", string(core.TaskKindShell)))
	config, _, err := buildConfig(kind, nil, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task := &core.Task{
		Name:         strings.TrimSpace(mcp.ParseString(request, "name", "")),
		Description:  mcp.ParseString(request, "description", ""),
		Cron:         cronExpr,
		Kind:         kind,
		RawConfig:    config,
		Enabled:      mcp.ParseBoolean(request, "enabled", true),
		Tags:         core.SplitTags(mcp.ParseString(request, "tags", "")),
		RetryCount:   int(mcp.ParseFloat64(request, "retry_count", 0)),
		RetryDelayMS: int64(mcp.ParseFloat64(request, "retry_delay_ms", defaultRetryDelayMS)),
		TimeoutMS:    int64(mcp.ParseFloat64(request, "timeout_ms", defaultTimeoutMS)),
	}
	if _, err := s.store.InsertTask(ctx, task); err != nil {
		return s.toolError("create task", err), nil
	}
	if err := s.scheduler.RescheduleTask(ctx, task.ID); err != nil {
		return s.toolError("reschedule task", err), nil
	}

	s.logger.Info("task created", "task_id", task.ID, "cron", cronExpr, "type", kind)
	return mcp.NewToolResultText("Task created\n" + s.describeTask(task)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := mcp.ParseString(request, "status", "")
	tag := mcp.ParseString(request, "tag", "")

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}

	var b strings.Builder
	n := 0
	for _, t := range tasks {
		if (status == "enabled" && !t.Enabled) || (status == "disabled" && t.Enabled) {
			continue
		}
		if tag != "" && !hasTag(t.Tags, tag) {
			continue
		}
		b.WriteString(s.describeTask(t))
		b.WriteString("\n")
		n++
	}
	if n == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%s", n, b.String())), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.store.GetTask(ctx, taskIDArg(request))
	if err != nil {
		return s.toolError("get task", err), nil
	}
	result := s.describeTask(task)
	result += fmt.Sprintf("  Config: %s\n", configJSON(task.RawConfig))
	result += fmt.Sprintf("  Retries: %d (base delay %dms)\n", task.RetryCount, task.RetryDelayMS)
	result += fmt.Sprintf("  Timeout: %dms\n", task.TimeoutMS)
	result += fmt.Sprintf("  Created: %s\n", s.formatTime(task.CreatedAt))
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	taskID := taskIDArg(request)
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}

	var patch store.TaskPatch
	if v, ok := args["name"].(string); ok {
		name := strings.TrimSpace(v)
		patch.Name = &name
	}
	if v, ok := args["description"].(string); ok {
		patch.Description = &v
	}
	if v, ok := args["cron"].(string); ok {
		cronExpr := strings.TrimSpace(v)
		if _, err := core.ParseCron(cronExpr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
		patch.Cron = &cronExpr
	}
	config, changed, err := buildConfig(task.Kind, task.RawConfig, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if changed {
		patch.Config = &config
	}
	if v, ok := args["tags"].(string); ok {
		tags := core.SplitTags(v)
		patch.Tags = &tags
	}
	if _, ok := args["retry_count"]; ok {
		v := int(mcp.ParseFloat64(request, "retry_count", 0))
		patch.RetryCount = &v
	}
	if _, ok := args["retry_delay_ms"]; ok {
		v := int64(mcp.ParseFloat64(request, "retry_delay_ms", 0))
		patch.RetryDelayMS = &v
	}
	if _, ok := args["timeout_ms"]; ok {
		v := int64(mcp.ParseFloat64(request, "timeout_ms", 0))
		patch.TimeoutMS = &v
	}
	if _, ok := args["enabled"]; ok {
		v := mcp.ParseBoolean(request, "enabled", task.Enabled)
		patch.Enabled = &v
	}
	if patch.Empty() {
		return mcp.NewToolResultError("no fields to update"), nil
	}

	updated, err := s.store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return s.toolError("update task", err), nil
	}
	if err := s.scheduler.RescheduleTask(ctx, taskID); err != nil {
		return s.toolError("reschedule task", err), nil
	}
	return mcp.NewToolResultText("Task updated\n" + s.describeTask(updated)), nil
}

func (s *MCPServer) handleToggleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.store.ToggleTask(ctx, taskIDArg(request))
	if err != nil {
		return s.toolError("toggle task", err), nil
	}
	if err := s.scheduler.RescheduleTask(ctx, task.ID); err != nil {
		return s.toolError("reschedule task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %d is now %s", task.ID, enabledLabel(task.Enabled))), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := taskIDArg(request)
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return s.toolError("delete task", err), nil
	}
	s.scheduler.UnscheduleTask(taskID)
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %d", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := taskIDArg(request)
	if mcp.ParseBoolean(request, "async", false) {
		task, err := s.scheduler.LaunchTaskNow(ctx, taskID)
		if err != nil {
			return s.toolError("run task", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task %d started", task.ID)), nil
	}

	res, err := s.scheduler.RunTaskNow(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return s.toolError("run task", err), nil
	}
	return mcp.NewToolResultText(describeResult(taskID, res)), nil
}

func (s *MCPServer) handleListLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.LogFilter{
		Status: core.LogStatus(mcp.ParseString(request, "status", "")),
		Search: mcp.ParseString(request, "search", ""),
		Limit:  int(mcp.ParseFloat64(request, "limit", defaultLogRows)),
	}
	if id := taskIDArg(request); id > 0 {
		filter.TaskID = &id
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", filter.Status)), nil
	}
	withOutput := mcp.ParseBoolean(request, "output", false)

	logs, err := s.store.QueryLogs(ctx, filter)
	if err != nil {
		return s.toolError("list logs", err), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No execution logs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d logs:\n\n", len(logs))
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] log %d, task %d (%s), attempt %d\n", l.Status, l.ID, l.TaskID, l.TaskName, l.Attempt)
		fmt.Fprintf(&b, "    Started: %s\n", s.formatTime(l.StartTime))
		if l.DurationMS != nil {
			fmt.Fprintf(&b, "    Duration: %dms\n", *l.DurationMS)
		}
		if l.ExitCode != nil {
			fmt.Fprintf(&b, "    Exit code: %d\n", *l.ExitCode)
		}
		if l.HTTPStatus != nil {
			fmt.Fprintf(&b, "    HTTP status: %d\n", *l.HTTPStatus)
		}
		if l.ErrorMessage != nil {
			fmt.Fprintf(&b, "    Error: %s\n", *l.ErrorMessage)
		}
		if withOutput {
			if l.Stdout != "" {
				fmt.Fprintf(&b, "    Stdout:\n%s\n", indent(l.Stdout))
			}
			if l.Stderr != "" {
				fmt.Fprintf(&b, "    Stderr:\n%s\n", indent(l.Stderr))
			}
			if l.HTTPBody != nil {
				fmt.Fprintf(&b, "    Body:\n%s\n", indent(*l.HTTPBody))
			}
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleLogStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.LogStats(ctx)
	if err != nil {
		return s.toolError("log stats", err), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d\n", stats.Total)
	fmt.Fprintf(&b, "Success: %d, failure: %d, timeout: %d, running: %d, skipped: %d\n",
		stats.Success, stats.Failure, stats.Timeout, stats.Running, stats.Skipped)
	if len(stats.FailingTasks) > 0 {
		b.WriteString("\nMost failing tasks:\n")
		for _, f := range stats.FailingTasks {
			fmt.Fprintf(&b, "  %d. %s: %d failures\n", f.TaskID, f.Name, f.FailureCount)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleScheduler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch action := mcp.ParseString(request, "action", "status"); action {
	case "pause":
		s.scheduler.Pause()
	case "resume":
		s.scheduler.Resume()
	case "status":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	st := s.scheduler.Status()
	state := "running"
	if st.Paused {
		state = "paused"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scheduler %s\nScheduled tasks: %d\nRunning executions: %d",
		state, st.Scheduled, st.Running)), nil
}

func (s *MCPServer) handleKillSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(request, "session_id", "")
	if !s.relay.KillSession(sessionID) {
		return mcp.NewToolResultError(fmt.Sprintf("no live session: %s", sessionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session terminated: %s", sessionID)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}

	result := fmt.Sprintf("Cron expression: %s\n", cronExpr)
	result += fmt.Sprintf("Time zone: %s\n\n", s.location)
	result += "Upcoming fire times:\n"
	for i, t := range core.NextOccurrences(schedule, time.Now().In(s.location), count) {
		result += fmt.Sprintf("  %d. %s\n", i+1, s.formatTime(t))
	}
	return mcp.NewToolResultText(result), nil
}

// toolError reports domain errors to the caller and logs unexpected ones.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return mcp.NewToolResultError("task not found")
	case errors.Is(err, core.ErrTaskRunning):
		return mcp.NewToolResultError("task is already running")
	case errors.Is(err, core.ErrSchedulerStopped):
		return mcp.NewToolResultError("scheduler is shutting down")
	case errors.Is(err, core.ErrInvalidConfig), errors.Is(err, core.ErrUnknownKind):
		return mcp.NewToolResultError(err.Error())
	}
	s.logger.Error(op, "err", err)
	return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", op, err))
}

func (s *MCPServer) describeTask(t *core.Task) string {
	result := fmt.Sprintf("#%d %s [%s]\n", t.ID, t.Name, enabledLabel(t.Enabled))
	if t.Description != "" {
		result += fmt.Sprintf("  Description: %s\n", t.Description)
	}
	result += fmt.Sprintf("  Type: %s\n", t.Kind)
	result += fmt.Sprintf("  Cron: %s\n", t.Cron)
	if len(t.Tags) > 0 {
		result += fmt.Sprintf("  Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	if next, ok := s.scheduler.NextRun(t.ID); ok {
		result += fmt.Sprintf("  Next run: %s\n", s.formatTime(next))
	}
	return result
}

func (s *MCPServer) formatTime(t time.Time) string {
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func describeResult(taskID int64, res core.ExecutionResult) string {
	result := fmt.Sprintf("Task %d finished: %s (attempt %d, %dms)\n", taskID, res.Status, res.Attempt, res.DurationMS)
	if res.ExitCode != nil {
		result += fmt.Sprintf("Exit code: %d\n", *res.ExitCode)
	}
	if res.HTTPStatus != nil {
		result += fmt.Sprintf("HTTP status: %d\n", *res.HTTPStatus)
	}
	if res.ErrorMessage != nil {
		result += fmt.Sprintf("Error: %s\n", *res.ErrorMessage)
	}
	if res.Stdout != "" {
		result += "Stdout:\n" + indent(res.Stdout) + "\n"
	}
	if res.Stderr != "" {
		result += "Stderr:\n" + indent(res.Stderr) + "\n"
	}
	if res.HTTPBody != nil && *res.HTTPBody != "" {
		result += "Body:\n" + indent(*res.HTTPBody) + "\n"
	}
	return result
}

func taskIDArg(request mcp.CallToolRequest) int64 {
	return int64(mcp.ParseFloat64(request, "task_id", 0))
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "      " + l
	}
	return strings.Join(lines, "\n")
}

// configJSON renders a stored configuration for display.
func configJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

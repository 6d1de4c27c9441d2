package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cronie/internal/core"
	"cronie/internal/store"

	"github.com/go-chi/chi/v5"
)

const (
	defaultRetryDelayMS = 1000
	defaultTimeoutMS    = 30000
)

// taskRequest is shared by create (all required fields set) and patch
// (only the fields to change).
type taskRequest struct {
	Name         *string          `json:"name"`
	Description  *string          `json:"description"`
	Cron         *string          `json:"cron"`
	Type         *core.TaskKind   `json:"type"`
	Config       *json.RawMessage `json:"config"`
	Enabled      *bool            `json:"enabled"`
	Tags         *[]string        `json:"tags"`
	RetryCount   *int             `json:"retry_count"`
	RetryDelayMS *int64           `json:"retry_delay_ms"`
	TimeoutMS    *int64           `json:"timeout_ms"`
	SortOrder    *int             `json:"sort_order"`
}

type taskResponse struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Cron         string          `json:"cron"`
	Type         core.TaskKind   `json:"type"`
	Config       json.RawMessage `json:"config"`
	Enabled      bool            `json:"enabled"`
	Tags         []string        `json:"tags"`
	RetryCount   int             `json:"retry_count"`
	RetryDelayMS int64           `json:"retry_delay_ms"`
	TimeoutMS    int64           `json:"timeout_ms"`
	SortOrder    int             `json:"sort_order"`
	Scheduled    bool            `json:"scheduled"`
	NextRunAt    *string         `json:"next_run_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type reorderRequest struct {
	IDs []int64 `json:"ids"`
}

func (req taskRequest) validate() error {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return errors.New("name cannot be empty")
	}
	if req.Cron != nil {
		if _, err := core.ParseCron(*req.Cron); err != nil {
			return err
		}
	}
	if req.RetryCount != nil && *req.RetryCount < 0 {
		return errors.New("retry_count must be non-negative")
	}
	if req.RetryDelayMS != nil && *req.RetryDelayMS < 0 {
		return errors.New("retry_delay_ms must be non-negative")
	}
	if req.TimeoutMS != nil && *req.TimeoutMS < 0 {
		return errors.New("timeout_ms must be non-negative")
	}
	return nil
}

func (req taskRequest) patch() store.TaskPatch {
	p := store.TaskPatch{
		Description:  req.Description,
		Kind:         req.Type,
		Config:       req.Config,
		Enabled:      req.Enabled,
		Tags:         req.Tags,
		RetryCount:   req.RetryCount,
		RetryDelayMS: req.RetryDelayMS,
		TimeoutMS:    req.TimeoutMS,
		SortOrder:    req.SortOrder,
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		p.Name = &name
	}
	if req.Cron != nil {
		cron := strings.TrimSpace(*req.Cron)
		p.Cron = &cron
	}
	return p
}

func (req taskRequest) task() (*core.Task, error) {
	switch {
	case req.Name == nil:
		return nil, errors.New("name is required")
	case req.Cron == nil:
		return nil, errors.New("cron expression is required")
	case req.Type == nil:
		return nil, errors.New("type is required")
	case req.Config == nil:
		return nil, errors.New("config is required")
	}
	task := &core.Task{
		Enabled:      true,
		RetryDelayMS: defaultRetryDelayMS,
		TimeoutMS:    defaultTimeoutMS,
	}
	p := req.patch()
	task.Name = *p.Name
	task.Cron = *p.Cron
	task.Kind = *p.Kind
	task.RawConfig = *p.Config
	if p.Description != nil {
		task.Description = *p.Description
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
	return task, nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	task, err := req.task()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	if _, err := s.store.InsertTask(r.Context(), task); err != nil {
		s.writeStoreError(w, err, "insert task")
		return
	}
	if err := s.scheduler.RescheduleTask(r.Context(), task.ID); err != nil {
		s.writeStoreError(w, err, "reschedule task")
		return
	}
	writeJSON(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "list tasks")
		return
	}
	enabledFilter := strings.TrimSpace(r.URL.Query().Get("enabled"))
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if enabledFilter != "" && strconv.FormatBool(t.Enabled) != enabledFilter {
			continue
		}
		if tag != "" && !hasTag(t.Tags, tag) {
			continue
		}
		res = append(res, s.taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	patch := req.patch()
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "invalid_input", "no fields to update")
		return
	}

	task, err := s.store.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		s.writeStoreError(w, err, "update task")
		return
	}
	if err := s.scheduler.RescheduleTask(r.Context(), task.ID); err != nil {
		s.writeStoreError(w, err, "reschedule task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.store.ToggleTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err, "toggle task")
		return
	}
	if err := s.scheduler.RescheduleTask(r.Context(), task.ID); err != nil {
		s.writeStoreError(w, err, "reschedule task")
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, err, "delete task")
		return
	}
	s.scheduler.UnscheduleTask(taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "ids are required")
		return
	}
	if err := s.store.ReorderTasks(r.Context(), req.IDs); err != nil {
		s.writeStoreError(w, err, "reorder tasks")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	if isTruthy(r.URL.Query().Get("async")) {
		task, err := s.scheduler.LaunchTaskNow(r.Context(), taskID)
		if err != nil {
			s.writeStoreError(w, err, "launch task")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "status": "started"})
		return
	}
	// The run outlives a disconnecting client; its log row must still be closed.
	res, err := s.scheduler.RunTaskNow(context.WithoutCancel(r.Context()), taskID)
	if err != nil {
		s.writeStoreError(w, err, "run task")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:           task.ID,
		Name:         task.Name,
		Description:  task.Description,
		Cron:         task.Cron,
		Type:         task.Kind,
		Config:       task.RawConfig,
		Enabled:      task.Enabled,
		Tags:         task.Tags,
		RetryCount:   task.RetryCount,
		RetryDelayMS: task.RetryDelayMS,
		TimeoutMS:    task.TimeoutMS,
		SortOrder:    task.SortOrder,
		CreatedAt:    task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if next, ok := s.scheduler.NextRun(task.ID); ok {
		resp.Scheduled = true
		formatted := next.UTC().Format(time.RFC3339)
		resp.NextRunAt = &formatted
	}
	return resp
}

// writeStoreError maps domain errors to HTTP statuses and logs the rest.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, store.ErrLogNotFound):
		writeError(w, http.StatusNotFound, "not_found", "log not found")
	case errors.Is(err, store.ErrSettingNotFound):
		writeError(w, http.StatusNotFound, "not_found", "setting not found")
	case errors.Is(err, core.ErrInvalidConfig), errors.Is(err, core.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
	case errors.Is(err, core.ErrTaskRunning):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	case errors.Is(err, core.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is shutting down")
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid id")
		return 0, false
	}
	return id, true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

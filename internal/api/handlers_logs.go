package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cronie/internal/core"
	"cronie/internal/store"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}
	s.writeLogs(w, r, filter)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, r, "taskID")
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, err, "get task for logs")
		return
	}
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}
	filter.TaskID = &taskID
	s.writeLogs(w, r, filter)
}

func (s *Server) writeLogs(w http.ResponseWriter, r *http.Request, filter core.LogFilter) {
	logs, err := s.store.QueryLogs(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "list logs")
		return
	}
	resp := make([]store.LogRecord, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, store.NewLogRecord(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCountLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}
	n, err := s.store.CountLogs(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "count logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.LogStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "log stats")
		return
	}
	recent := make([]store.LogRecord, 0, len(stats.Recent))
	for _, l := range stats.Recent {
		recent = append(recent, store.NewLogRecord(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         stats.Total,
		"success":       stats.Success,
		"failure":       stats.Failure,
		"timeout":       stats.Timeout,
		"running":       stats.Running,
		"skipped":       stats.Skipped,
		"recent":        recent,
		"failing_tasks": stats.FailingTasks,
	})
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "jsonl"
	}
	if format != "jsonl" && format != "csv" {
		writeError(w, http.StatusBadRequest, "invalid_input", "format must be jsonl or csv")
		return
	}
	logs, err := s.store.ExportLogs(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "export logs")
		return
	}

	name := fmt.Sprintf("cronie-logs-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		err = store.WriteLogsCSV(w, logs)
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
		err = store.WriteLogsJSONL(w, logs)
	}
	if err != nil {
		// Headers are gone; all that is left is to record it.
		s.logger.Error("export logs", "format", format, "err", err)
	}
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	logID, ok := parseID(w, r, "logID")
	if !ok {
		return
	}
	l, err := s.store.GetLog(r.Context(), logID)
	if err != nil {
		s.writeStoreError(w, err, "get log")
		return
	}
	writeJSON(w, http.StatusOK, store.NewLogRecord(l))
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	logID, ok := parseID(w, r, "logID")
	if !ok {
		return
	}
	if err := s.store.DeleteLog(r.Context(), logID); err != nil {
		s.writeStoreError(w, err, "delete log")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	var taskID *int64
	if raw := r.URL.Query().Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid task_id")
			return
		}
		taskID = &id
	}
	n, err := s.store.ClearLogs(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err, "clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func parseLogFilter(w http.ResponseWriter, r *http.Request) (core.LogFilter, bool) {
	q := r.URL.Query()
	filter := core.LogFilter{
		Search: strings.TrimSpace(q.Get("search")),
		Limit:  parseIntDefault(q.Get("limit"), store.DefaultLogLimit),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if raw := q.Get("task_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid task_id")
			return filter, false
		}
		filter.TaskID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := core.LogStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid status")
			return filter, false
		}
		filter.Status = status
	}
	return filter, true
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cronie/internal/core"
	"cronie/internal/eventbus"

	"github.com/go-chi/chi/v5"
)

const (
	sseBuffer    = 256
	sseKeepAlive = 15 * time.Second
)

// handleTerminalEvents streams bus events as server-sent events. Clients may
// narrow the stream with ?session_id= and ?type= (prefix match, e.g. "terminal.").
func (s *Server) handleTerminalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.bus == nil {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	sessionFilter := r.URL.Query().Get("session_id")
	typeFilter := r.URL.Query().Get("type")

	events, unsubscribe := s.bus.Subscribe(sseBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if typeFilter != "" && !strings.HasPrefix(e.Type, typeFilter) {
				continue
			}
			if sessionFilter != "" && eventSession(e) != sessionFilter {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				s.logger.Debug("terminal stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Sessions())
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	killed := s.relay.KillSession(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "killed": killed})
}

func writeSSE(w http.ResponseWriter, e eventbus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

func eventSession(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case core.SessionStartEvent:
		return d.SessionID
	case core.OutputEvent:
		return d.SessionID
	case core.SessionExitEvent:
		return d.SessionID
	case core.TaskFinishedEvent:
		return d.Result.SessionID
	}
	return ""
}

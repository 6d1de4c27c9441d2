package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type settingRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Pause()
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "list settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.store.GetSetting(r.Context(), key)
	if err != nil {
		s.writeStoreError(w, err, "get setting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "value is required")
		return
	}
	if err := s.store.SetSetting(r.Context(), key, *req.Value); err != nil {
		s.writeStoreError(w, err, "set setting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": *req.Value})
}

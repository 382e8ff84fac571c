package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lavisapp/lavis/store"
)

// taskView is the JSON shape of one scheduled task.
type taskView struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	Command        string `json:"command"`
	Enabled        bool   `json:"enabled"`
	RunCount       int64  `json:"runCount"`
	SuccessCount   int64  `json:"successCount"`
	FailureCount   int64  `json:"failureCount"`
	LastRunAt      string `json:"lastRunAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

func taskViewOf(rec store.TaskRecord) taskView {
	v := taskView{
		ID:             rec.ID,
		Name:           rec.Name,
		CronExpression: rec.CronExpression,
		Command:        rec.Command,
		Enabled:        rec.Enabled,
		RunCount:       rec.RunCount,
		SuccessCount:   rec.SuccessCount,
		FailureCount:   rec.FailureCount,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.LastRunAt != nil {
		v.LastRunAt = rec.LastRunAt.Format(time.RFC3339)
	}
	return v
}

// runView is the JSON shape of one run log.
type runView struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	DurationMs int64  `json:"durationMs"`
}

type taskWriteRequest struct {
	Name           string `json:"name"`
	CronExpression string `json:"cronExpression"`
	Command        string `json:"command"`
	Enabled        *bool  `json:"enabled"`
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.badRequest(w, "invalid task id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Scheduler.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, rec := range tasks {
		views = append(views, taskViewOf(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req taskWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Command) == "" {
		s.badRequest(w, "name and command are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rec, err := s.deps.Scheduler.Create(r.Context(), req.Name, req.CronExpression, req.Command, enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, taskViewOf(*rec))
}

func (s *Server) handleTaskShow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	rec, err := s.deps.Scheduler.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(*rec))
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var req taskWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	rec, err := s.deps.Scheduler.Update(r.Context(), id, req.Name, req.CronExpression, req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(*rec))
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Enable(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.Disable(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.RunNow(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	logs, err := s.deps.Scheduler.History(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]runView, 0, len(logs))
	for _, log := range logs {
		views = append(views, runView{
			ID:         log.ID,
			Status:     string(log.Status),
			Result:     log.Result,
			Error:      log.Error,
			StartedAt:  log.StartedAt.Format(time.RFC3339),
			DurationMs: log.DurationMs,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

// Preferences.

type prefRequest struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

func (s *Server) handlePrefGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	pref, err := s.deps.Store.GetPreference(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pref == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such preference"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"key":   pref.Key,
		"value": pref.Value,
		"type":  pref.ValueType,
	})
}

func (s *Server) handlePrefSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req prefRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	if err := s.deps.Store.SetPreference(r.Context(), key, req.Value, req.Type); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePrefDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePreference(r.Context(), r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Runtime API key group.

type keyRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleKeySet(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		s.badRequest(w, "missing apiKey")
		return
	}
	s.deps.Keys.Set(strings.TrimSpace(req.APIKey))
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	overrideActive, configured := s.deps.Gateway.KeyStatus()
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"configured":     configured,
		"overrideActive": overrideActive,
	})
}

func (s *Server) handleKeyClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Keys.Clear()
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

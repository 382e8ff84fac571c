package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lavisapp/lavis/chat"
	"github.com/lavisapp/lavis/model"
)

// maxAudioUpload bounds voice-chat multipart bodies.
const maxAudioUpload = 20 << 20

type chatRequest struct {
	Message         string `json:"message"`
	UseOrchestrator bool   `json:"useOrchestrator"`
	NeedsTts        bool   `json:"needsTts"`
	WsSessionID     string `json:"ws_session_id"`
}

// chatPayload keeps "response" as a deprecated alias of agent_text for
// clients that predate the split reply shape.
type chatPayload struct {
	*chat.Response
	Deprecated string `json:"response"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}
	resp, err := s.deps.Chat.NormalizeText(r.Context(), req.Message, chat.Options{
		SessionID:       req.WsSessionID,
		UseOrchestrator: req.UseOrchestrator,
		NeedsTts:        req.NeedsTts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chatPayload{Response: resp, Deprecated: resp.AgentText})
}

func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		s.badRequest(w, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "missing audio file")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	opts := chat.Options{
		SessionID:       r.FormValue("ws_session_id"),
		UseOrchestrator: formBool(r, "useOrchestrator"),
		NeedsTts:        formBool(r, "needsTts"),
	}
	resp, err := s.deps.Chat.NormalizeAudio(r.Context(), audio, mimeType, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chatPayload{Response: resp, Deprecated: resp.AgentText})
}

type taskRequest struct {
	Goal string `json:"goal"`
}

type taskResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	DurationMs       int64  `json:"duration_ms"`
	PlanSummary      string `json:"plan_summary,omitempty"`
	StepsTotal       int    `json:"steps_total,omitempty"`
	ExecutionSummary string `json:"execution_summary,omitempty"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Goal) == "" {
		s.badRequest(w, "missing goal")
		return
	}
	started := time.Now()
	result, err := s.deps.Tasks.Run(r.Context(), req.Goal, r.URL.Query().Get("ws_session_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := taskResponse{
		Success:          result.Status == model.PlanCompleted,
		Message:          result.Summary,
		DurationMs:       time.Since(started).Milliseconds(),
		ExecutionSummary: result.Summary,
	}
	if result.Plan != nil {
		resp.StepsTotal = len(result.Plan.Milestones)
		resp.PlanSummary = strings.Join(result.Plan.StepDescriptions(), "; ")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Tasks.Interrupt()
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Chat.Reset()
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, configured := s.deps.Gateway.KeyStatus()
	status := s.deps.Tasks.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"available":             configured,
		"model":                 s.deps.Gateway.DefaultModelName(),
		"orchestrator_state":    status,
		"current_plan_progress": status.Progress,
		"current_plan":          status.Goal,
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	thumbnail := r.URL.Query().Get("thumbnail") == "true" || r.URL.Query().Get("thumbnail") == "1"
	frame, err := s.deps.Screen.CaptureAsBase64(r.Context(), thumbnail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"image":   frame.B64,
		"size": map[string]int{
			"width":  frame.LogicalWidth,
			"height": frame.LogicalHeight,
		},
	})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"records": s.deps.Tasks.History()})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Tasks.ClearHistory()
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type ttsRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTts(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.badRequest(w, "missing text")
		return
	}
	started := time.Now()
	format := s.deps.Gateway.TTSFormat()
	audio, err := s.deps.Gateway.Synthesize(r.Context(), req.Text, "", format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"audio":       base64.StdEncoding.EncodeToString(audio),
		"format":      format,
		"duration_ms": time.Since(started).Milliseconds(),
	})
}

func formBool(r *http.Request, key string) bool {
	v := strings.ToLower(r.FormValue(key))
	return v == "true" || v == "1"
}

// Package chat is the unified entry point for user input: it normalizes
// text and audio, routes between the fast chat path and the orchestrated
// task path, and coordinates speech output.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/memory"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/orchestrator"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/screen"
	"github.com/lavisapp/lavis/store"
)

// chatPrompt frames the fast path: answer from the screenshot, no
// milestone machinery.
const chatPrompt = `You are Lavis, a helpful desktop assistant. You are given a screenshot
of the user's current screen alongside their message. Answer concisely
and concretely, referring to what is actually visible. If the user asks
for something that requires taking control of the desktop, say you can
do it when asked to "run as a task".`

// Gateway is the model surface the chat service needs.
type Gateway interface {
	ChatDefault(ctx context.Context, messages []llm.ChatMessage) (*llm.Reply, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// TaskRunner is the orchestrated path. *orchestrator.Orchestrator
// satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, goal, sessionID string) (*orchestrator.Result, error)
	Status() orchestrator.Status
}

// SpeechGate decides whether a reply merits audio.
type SpeechGate interface {
	ShouldSpeak(ctx context.Context, text string) bool
}

// Speaker accepts synthesis jobs.
type Speaker interface {
	Submit(sessionID, text, requestID string) bool
}

// Capturer provides the fast path's screenshot.
type Capturer interface {
	CaptureAsBase64(ctx context.Context, thumbnail bool) (screen.Frame, error)
}

// Mirror persists session messages. *store.Store satisfies it; nil
// disables mirroring.
type Mirror interface {
	AppendSessionMessage(ctx context.Context, msg store.SessionMessage) error
}

// Options are the per-request routing flags.
type Options struct {
	SessionID       string
	UseOrchestrator bool
	NeedsTts        bool
}

// Response is the unified reply shape.
type Response struct {
	Success           bool                 `json:"success"`
	UserText          string               `json:"user_text"`
	AgentText         string               `json:"agent_text"`
	RequestID         string               `json:"request_id"`
	AudioPending      bool                 `json:"audio_pending"`
	DurationMs        int64                `json:"duration_ms"`
	OrchestratorState *orchestrator.Status `json:"orchestrator_state,omitempty"`
}

// Service routes normalized input and coordinates speech.
type Service struct {
	gateway Gateway
	tasks   TaskRunner
	gate    SpeechGate
	speaker Speaker
	screen  Capturer
	sink    push.Sink
	mirror  Mirror
	logger  *zap.Logger

	mu       sync.Mutex
	mem      *memory.TurnMemory
	memSize  int
	memFrame int
}

// New creates the chat service with a fresh turn memory.
func New(gateway Gateway, tasks TaskRunner, gate SpeechGate, speaker Speaker, capturer Capturer, sink push.Sink, mirror Mirror, memEntries, legacyFrames int, logger *zap.Logger) *Service {
	return &Service{
		gateway:  gateway,
		tasks:    tasks,
		gate:     gate,
		speaker:  speaker,
		screen:   capturer,
		sink:     sink,
		mirror:   mirror,
		logger:   logger.Named("chat"),
		mem:      memory.NewTurnMemory(memEntries, legacyFrames),
		memSize:  memEntries,
		memFrame: legacyFrames,
	}
}

// NormalizeText handles a text request end to end.
func (s *Service) NormalizeText(ctx context.Context, text string, opts Options) (*Response, error) {
	started := time.Now()
	requestID := uuid.NewString()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	var agentText string
	var state *orchestrator.Status
	var err error
	if opts.UseOrchestrator {
		agentText, state, err = s.runTask(ctx, text, opts.SessionID)
	} else {
		agentText, err = s.fastPath(ctx, requestID, text, opts.SessionID)
	}
	if err != nil {
		return nil, err
	}

	audioPending := s.coordinateSpeech(ctx, agentText, requestID, opts)

	return &Response{
		Success:           true,
		UserText:          text,
		AgentText:         agentText,
		RequestID:         requestID,
		AudioPending:      audioPending,
		DurationMs:        time.Since(started).Milliseconds(),
		OrchestratorState: state,
	}, nil
}

// NormalizeAudio transcribes then delegates to the text path. STT
// failures map to short user-visible strings.
func (s *Service) NormalizeAudio(ctx context.Context, audio []byte, mimeType string, opts Options) (*Response, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	text, err := s.gateway.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return nil, fmt.Errorf("%s", sttUserMessage(err))
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("未能识别到语音内容，请重试")
	}
	return s.NormalizeText(ctx, text, opts)
}

// RunAgentGoal executes an agent: skill goal on the fast path with the
// skill's knowledge injected into the system prompt. Installed into the
// skill registry as its runner.
func (s *Service) RunAgentGoal(ctx context.Context, goal, knowledge string) (string, error) {
	messages := []llm.ChatMessage{
		llm.SystemMessage(chatPrompt + "\n\n## Skill Knowledge\n" + strings.TrimSpace(knowledge)),
		llm.UserMessage(goal),
	}
	reply, err := s.gateway.ChatDefault(ctx, messages)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// Reset clears the conversation history.
func (s *Service) Reset() {
	s.mu.Lock()
	s.mem.Reset()
	s.mu.Unlock()
	s.logger.Info("conversation reset")
}

// fastPath is one chat-with-screenshot cycle without milestone
// bookkeeping.
func (s *Service) fastPath(ctx context.Context, requestID, text, sessionID string) (string, error) {
	frame, frameErr := s.screen.CaptureAsBase64(ctx, true)
	if frameErr != nil {
		// Chat degrades to text-only when the screen is unavailable.
		s.logger.Warn("screenshot unavailable for chat", zap.Error(frameErr))
	}

	s.mu.Lock()
	s.mem.BeginTurn(requestID)
	if frameErr == nil {
		s.mem.AddWithFrames(llm.RoleUser, text, []memory.Frame{{MIME: frame.MIME, B64: frame.B64}})
	} else {
		s.mem.Add(llm.RoleUser, text)
	}
	messages := append([]llm.ChatMessage{llm.SystemMessage(chatPrompt)}, s.mem.Messages()...)
	s.mu.Unlock()

	reply, err := s.gateway.ChatDefault(ctx, messages)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.mem.Add(llm.RoleAssistant, reply.Content)
	s.mu.Unlock()

	s.persist(ctx, sessionID, requestID, text, frameErr == nil, reply)
	return reply.Content, nil
}

// runTask drives the orchestrated path and folds its outcome into a
// user-facing reply.
func (s *Service) runTask(ctx context.Context, goal, sessionID string) (string, *orchestrator.Status, error) {
	result, err := s.tasks.Run(ctx, goal, sessionID)
	if err != nil {
		return "", nil, err
	}
	status := s.tasks.Status()

	text := result.Summary
	if result.Status == model.PlanFailed && result.Plan != nil {
		text = failureText(result)
	}
	if text == "" {
		text = "task " + strings.ToLower(result.Status.String())
	}
	return text, &status, nil
}

// failureText names the failing milestone and its recovery hint.
func failureText(result *orchestrator.Result) string {
	for _, ms := range result.Plan.Milestones {
		if ms.Status == model.StepFailed {
			text := fmt.Sprintf("The task failed at %q", ms.Description)
			if ms.PostMortem != nil && ms.PostMortem.SuggestedRecovery != "" {
				text += ". " + ms.PostMortem.SuggestedRecovery
			}
			return text
		}
	}
	return result.Summary
}

// coordinateSpeech gates and submits the reply for synthesis. The gate
// call runs concurrently with session fallback resolution.
func (s *Service) coordinateSpeech(ctx context.Context, agentText, requestID string, opts Options) bool {
	if !opts.NeedsTts || s.speaker == nil {
		return false
	}

	verdict := make(chan bool, 1)
	go func() { verdict <- s.gate.ShouldSpeak(ctx, agentText) }()

	sessionID, ok := s.resolveSession(opts.SessionID)
	if !ok {
		s.logger.Info("no active push session for audio", zap.String("requested", opts.SessionID))
		// Drain the verdict so the goroutine never blocks.
		go func() { <-verdict }()
		return false
	}
	if !<-verdict {
		return false
	}
	return s.speaker.Submit(sessionID, agentText, requestID)
}

// resolveSession picks the push session for audio: the requested one
// when live, else any active one.
func (s *Service) resolveSession(requested string) (string, bool) {
	if requested != "" && s.sink.IsActive(requested) {
		return requested, true
	}
	if id, ok := s.sink.FirstActive(); ok {
		return id, true
	}
	return "", false
}

// persist mirrors a fast-path exchange to the session store.
func (s *Service) persist(ctx context.Context, sessionID, turnID, userText string, hadImage bool, reply *llm.Reply) {
	if s.mirror == nil {
		return
	}
	if sessionID == "" {
		sessionID = "default"
	}

	var tokens int
	if reply.Usage != nil {
		tokens = int(reply.Usage.TotalTokens)
	}
	messages := []store.SessionMessage{
		{SessionID: sessionID, TurnID: turnID, Position: 0, Role: llm.RoleUser, Content: userText, HasImage: hadImage},
		{SessionID: sessionID, TurnID: turnID, Position: 1, Role: llm.RoleAssistant, Content: reply.Content, TokenCount: tokens},
	}
	for _, msg := range messages {
		if err := s.mirror.AppendSessionMessage(ctx, msg); err != nil {
			s.logger.Warn("session mirror failed", zap.Error(err))
			return
		}
	}
}

// sttUserMessage maps a transcription failure to a short user-visible
// string.
func sttUserMessage(err error) string {
	modelErr, ok := faults.AsModelError(err)
	if !ok {
		return "语音识别失败，请重试"
	}
	switch modelErr.Category {
	case faults.ModelAuth:
		return "语音识别服务认证失败，请检查 API 密钥"
	case faults.ModelRateLimit:
		return "请求过于频繁，请稍后重试"
	case faults.ModelTimeout:
		return "语音识别超时，请重试"
	case faults.ModelUnavailable, faults.ModelNetwork:
		return "语音识别服务暂时不可用，请稍后重试"
	default:
		return "语音识别失败，请重试"
	}
}

// Package push is the server-to-client event channel: a hub of websocket
// connections receiving progress events and audio segments.
package push

import (
	"time"

	"github.com/lavisapp/lavis/model"
)

// Event is the wire envelope for every push message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Ts   int64  `json:"ts"`
}

// NewEvent stamps an envelope with the current time in epoch
// milliseconds.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, Ts: time.Now().UnixMilli()}
}

// Connected announces a new connection with its session id.
func Connected(sessionID string) Event {
	return NewEvent("connected", map[string]any{"sessionId": sessionID})
}

// Thinking signals that the model is deciding, with a short context line.
func Thinking(context string) Event {
	return NewEvent("thinking", map[string]any{"context": context})
}

// ActionExecuted reports one performed primitive.
func ActionExecuted(actionType, description string, success bool) Event {
	return NewEvent("action_executed", map[string]any{
		"actionType":  actionType,
		"description": description,
		"success":     success,
	})
}

// IterationProgress reports the executor's position in its cycle budget.
func IterationProgress(current, max int, intent string) Event {
	return NewEvent("iteration_progress", map[string]any{
		"current": current,
		"max":     max,
		"intent":  intent,
	})
}

// HideWindow asks the UI to hide its overlay before a capture.
func HideWindow(reason string) Event {
	return NewEvent("hide_window", map[string]any{"reason": reason})
}

// ShowWindow restores the UI overlay after a capture.
func ShowWindow(reason string) Event {
	return NewEvent("show_window", map[string]any{"reason": reason})
}

// PlanCreated announces a new plan with its ordered step descriptions.
func PlanCreated(planID, goal string, steps []string) Event {
	return NewEvent("plan_created", map[string]any{
		"planId":     planID,
		"goal":       goal,
		"steps":      steps,
		"totalSteps": len(steps),
	})
}

// StepStarted announces a milestone entering execution.
func StepStarted(planID string, stepID int, description, kind string, progress int) Event {
	return NewEvent("step_started", map[string]any{
		"planId":      planID,
		"stepId":      stepID,
		"description": description,
		"type":        kind,
		"progress":    progress,
	})
}

// StepCompleted announces a milestone finishing successfully or skipped.
func StepCompleted(planID string, stepID int, status, resultSummary string, progress int, executionMs int64) Event {
	return NewEvent("step_completed", map[string]any{
		"planId":        planID,
		"stepId":        stepID,
		"status":        status,
		"resultSummary": resultSummary,
		"progress":      progress,
		"executionMs":   executionMs,
	})
}

// StepFailed announces a milestone failure with its post-mortem.
func StepFailed(planID string, stepID int, reason string, progress int, postMortem *model.PostMortem) Event {
	data := map[string]any{
		"planId":   planID,
		"stepId":   stepID,
		"reason":   reason,
		"progress": progress,
	}
	if postMortem != nil {
		data["postMortem"] = postMortem
	}
	return NewEvent("step_failed", data)
}

// PlanCompleted announces the plan's terminal status.
func PlanCompleted(planID string, status model.PlanStatus) Event {
	return NewEvent("plan_completed", map[string]any{
		"planId":   planID,
		"status":   status.String(),
		"progress": 100,
	})
}

// PlanFailed announces a plan abort with the failing reason.
func PlanFailed(planID, reason string, progress int) Event {
	return NewEvent("plan_failed", map[string]any{
		"planId":   planID,
		"reason":   reason,
		"progress": progress,
	})
}

// VoiceAnnouncement carries a short spoken status line.
func VoiceAnnouncement(text string) Event {
	return NewEvent("voice_announcement", map[string]any{"text": text})
}

// TtsAudio carries one audio segment. Segments of a request share its id
// and increase seq monotonically; the final one sets last.
func TtsAudio(requestID, format, b64 string, seq int, last bool) Event {
	return NewEvent("tts_audio", map[string]any{
		"requestId": requestID,
		"format":    format,
		"base64":    b64,
		"seq":       seq,
		"last":      last,
	})
}

// ExecutionError reports a failure outside the plan lifecycle events.
func ExecutionError(errorMessage, errorType, refID string) Event {
	data := map[string]any{
		"errorMessage": errorMessage,
		"errorType":    errorType,
	}
	if refID != "" {
		data["taskId"] = refID
	}
	return NewEvent("execution_error", data)
}

// Log forwards a log line to the UI console.
func Log(level, message string) Event {
	return NewEvent("log", map[string]any{"level": level, "message": message})
}

// Pong answers a client ping.
func Pong() Event {
	return NewEvent("pong", map[string]any{})
}

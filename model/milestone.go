package model

import (
	"encoding/json"
	"strings"
	"time"
)

// MilestoneKind tags the intent class of a milestone. The orchestrator's
// retry policy keys off it: verify milestones may be skipped after
// exhausting retries, the rest abort the plan.
type MilestoneKind int

const (
	KindWorkflow MilestoneKind = iota
	KindNavigate
	KindVerify
	KindPrimitive
)

// String returns the wire name of the kind.
func (k MilestoneKind) String() string {
	switch k {
	case KindNavigate:
		return "navigate"
	case KindVerify:
		return "verify"
	case KindPrimitive:
		return "primitive"
	default:
		return "workflow"
	}
}

// MarshalJSON renders the kind as its wire name.
func (k MilestoneKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a wire name; unknown values map to workflow.
func (k *MilestoneKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseMilestoneKind(s)
	return nil
}

// ParseMilestoneKind maps a wire name to a kind, defaulting to workflow.
func ParseMilestoneKind(s string) MilestoneKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "navigate", "navigation":
		return KindNavigate
	case "verify", "verification", "check":
		return KindVerify
	case "primitive", "atomic":
		return KindPrimitive
	default:
		return KindWorkflow
	}
}

// StepStatus is the lifecycle state of a milestone.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepInProgress
	StepSuccess
	StepFailed
	StepSkipped
)

// String returns the uppercase wire name used in push events.
func (s StepStatus) String() string {
	switch s {
	case StepInProgress:
		return "IN_PROGRESS"
	case StepSuccess:
		return "SUCCESS"
	case StepFailed:
		return "FAILED"
	case StepSkipped:
		return "SKIPPED"
	default:
		return "PENDING"
	}
}

// MarshalJSON renders the status as its wire name.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped
}

// Milestone is one high-level step of a plan. It is created by the
// orchestrator, mutated only by the executor and the orchestrator's retry
// path, and frozen once terminal.
type Milestone struct {
	ID            int           `json:"id"`
	Description   string        `json:"description"`
	Kind          MilestoneKind `json:"kind"`
	ActionBudget  int           `json:"action_budget,omitempty"`
	Timeout       time.Duration `json:"-"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	Status        StepStatus    `json:"status"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	ResultSummary string        `json:"result_summary,omitempty"`
	PostMortem    *PostMortem   `json:"post_mortem,omitempty"`
	ContextHint   string        `json:"context_hint,omitempty"`
}

// Start marks the milestone in progress. No-op once terminal.
func (m *Milestone) Start() {
	if m.Status.Terminal() {
		return
	}
	m.Status = StepInProgress
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now()
	}
}

// Complete marks the milestone succeeded with a one-line summary.
// No-op once terminal.
func (m *Milestone) Complete(summary string) {
	if m.Status.Terminal() {
		return
	}
	m.Status = StepSuccess
	m.ResultSummary = summary
	m.EndedAt = time.Now()
}

// Fail marks the milestone failed and attaches its post-mortem.
// No-op once terminal.
func (m *Milestone) Fail(pm *PostMortem) {
	if m.Status.Terminal() {
		return
	}
	m.Status = StepFailed
	m.PostMortem = pm
	m.EndedAt = time.Now()
}

// Skip marks the milestone skipped after retry exhaustion. No-op once
// terminal.
func (m *Milestone) Skip(reason string) {
	if m.Status.Terminal() {
		return
	}
	m.Status = StepSkipped
	m.ResultSummary = reason
	m.EndedAt = time.Now()
}

// DurationMs returns the wall time spent on the milestone.
func (m *Milestone) DurationMs() int64 {
	if m.StartedAt.IsZero() || m.EndedAt.IsZero() {
		return 0
	}
	return m.EndedAt.Sub(m.StartedAt).Milliseconds()
}

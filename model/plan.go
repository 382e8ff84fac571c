package model

import (
	"encoding/json"
	"time"
)

// PlanStatus is the derived lifecycle state of a plan.
type PlanStatus int

const (
	PlanPending PlanStatus = iota
	PlanRunning
	PlanCompleted
	PlanFailed
	PlanCancelled
)

// String returns the uppercase wire name used in push events.
func (s PlanStatus) String() string {
	switch s {
	case PlanRunning:
		return "RUNNING"
	case PlanCompleted:
		return "COMPLETED"
	case PlanFailed:
		return "FAILED"
	case PlanCancelled:
		return "CANCELLED"
	default:
		return "PENDING"
	}
}

// MarshalJSON renders the status as its wire name.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Plan is an ordered sequence of milestones for one goal. Milestones
// execute left to right and are never re-executed after success.
type Plan struct {
	ID         string       `json:"id"`
	Goal       string       `json:"goal"`
	Milestones []*Milestone `json:"milestones"`
	Current    int          `json:"current"`
	Truncated  bool         `json:"truncated,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Status derives the plan state from its milestones: any FAILED milestone
// fails the plan, all milestones terminal without failure completes it.
func (p *Plan) Status() PlanStatus {
	if len(p.Milestones) == 0 {
		return PlanPending
	}

	terminal := 0
	started := false
	for _, m := range p.Milestones {
		switch m.Status {
		case StepFailed:
			return PlanFailed
		case StepSuccess, StepSkipped:
			terminal++
			started = true
		case StepInProgress:
			started = true
		}
	}

	if terminal == len(p.Milestones) {
		return PlanCompleted
	}
	if started {
		return PlanRunning
	}
	return PlanPending
}

// Progress returns the percentage of terminal milestones, 0-100.
func (p *Plan) Progress() int {
	if len(p.Milestones) == 0 {
		return 0
	}
	terminal := 0
	for _, m := range p.Milestones {
		if m.Status.Terminal() {
			terminal++
		}
	}
	return terminal * 100 / len(p.Milestones)
}

// CurrentMilestone returns the milestone at the execution cursor, or nil
// when the cursor has run past the end.
func (p *Plan) CurrentMilestone() *Milestone {
	if p.Current < 0 || p.Current >= len(p.Milestones) {
		return nil
	}
	return p.Milestones[p.Current]
}

// StepsTotal returns the milestone count.
func (p *Plan) StepsTotal() int { return len(p.Milestones) }

// StepDescriptions returns the milestone descriptions in order, for the
// plan_created event payload.
func (p *Plan) StepDescriptions() []string {
	steps := make([]string, len(p.Milestones))
	for i, m := range p.Milestones {
		steps[i] = m.Description
	}
	return steps
}

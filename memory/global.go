package memory

import (
	"fmt"
	"strings"
	"sync"
)

// recentActionCap bounds the action digest carried in the injection.
const recentActionCap = 10

// maxErrorRunes truncates the recovery note's error detail.
const maxErrorRunes = 200

// milestoneRecord is one completed milestone in the goal log.
type milestoneRecord struct {
	description string
	summary     string
	success     bool
}

// actionRecord is one entry of the recent-action digest.
type actionRecord struct {
	action  string
	result  string
	success bool
}

// Counters tracks execution totals for one goal.
type Counters struct {
	TotalSteps int
	Succeeded  int
	Failed     int
	Retries    int
}

// GlobalContext is the long-lived state of one goal: milestone log,
// shared variables, recent-action digest and counters. It is created by
// the orchestrator at goal start and discarded at goal end. The executor
// reads it only through ContextInjection.
type GlobalContext struct {
	mu               sync.Mutex
	goal             string
	completed        []milestoneRecord
	currentMilestone string
	variables        map[string]any
	recentActions    []actionRecord
	counters         Counters
	lastScreenDigest string
	recovering       bool
	lastError        string
}

// NewGlobalContext creates the per-goal state.
func NewGlobalContext(goal string) *GlobalContext {
	return &GlobalContext{goal: goal, variables: make(map[string]any)}
}

// Goal returns the original user goal.
func (g *GlobalContext) Goal() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.goal
}

// StartMilestone records the milestone now executing.
func (g *GlobalContext) StartMilestone(description string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentMilestone = description
}

// CompleteMilestone appends the current milestone to the goal log and
// clears the recovery flag on success.
func (g *GlobalContext) CompleteMilestone(result string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.completed = append(g.completed, milestoneRecord{
		description: g.currentMilestone,
		summary:     result,
		success:     success,
	})
	g.currentMilestone = ""
	if success {
		g.recovering = false
		g.lastError = ""
	} else {
		g.recovering = true
		g.lastError = result
	}
}

// NoteRetry increments the retry counter and arms the recovery note.
func (g *GlobalContext) NoteRetry(lastError string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters.Retries++
	g.recovering = true
	if lastError != "" {
		g.lastError = lastError
	}
}

// SetVariable stores a shared variable.
func (g *GlobalContext) SetVariable(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.variables[key] = value
}

// GetVariable returns a shared variable, or fallback when unset.
func (g *GlobalContext) GetVariable(key string, fallback any) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.variables[key]; ok {
		return v
	}
	return fallback
}

// AddActionSummary appends to the bounded recent-action digest and
// updates the counters.
func (g *GlobalContext) AddActionSummary(action, result string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recentActions = append(g.recentActions, actionRecord{action: action, result: result, success: success})
	if len(g.recentActions) > recentActionCap {
		g.recentActions = g.recentActions[len(g.recentActions)-recentActionCap:]
	}

	g.counters.TotalSteps++
	if success {
		g.counters.Succeeded++
	} else {
		g.counters.Failed++
		g.recovering = true
		g.lastError = result
	}
}

// UpdateFromExecution records one perception-action outcome: the screen
// digest plus the action summary.
func (g *GlobalContext) UpdateFromExecution(screenState, actionSummary string, success bool) {
	g.mu.Lock()
	g.lastScreenDigest = screenState
	g.mu.Unlock()
	g.AddActionSummary(actionSummary, screenState, success)
}

// CountersSnapshot returns a copy of the execution counters.
func (g *GlobalContext) CountersSnapshot() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters
}

// ContextInjection composes the compact briefing prepended to the
// executor prompt. It is the only channel through which the executor
// learns cross-milestone history.
func (g *GlobalContext) ContextInjection() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "## Task Context\nGoal: %s\n", g.goal)
	fmt.Fprintf(&b, "Progress: %d actions (%d ok, %d failed, %d retries)\n",
		g.counters.TotalSteps, g.counters.Succeeded, g.counters.Failed, g.counters.Retries)

	if n := len(g.completed); n > 0 {
		b.WriteString("Completed milestones:\n")
		start := n - 3
		if start < 0 {
			start = 0
		}
		for _, record := range g.completed[start:] {
			mark := "✓"
			if !record.success {
				mark = "✗"
			}
			fmt.Fprintf(&b, "  %s %s", mark, record.description)
			if record.summary != "" {
				fmt.Fprintf(&b, " — %s", record.summary)
			}
			b.WriteByte('\n')
		}
	}

	if g.currentMilestone != "" {
		fmt.Fprintf(&b, "Current milestone: %s\n", g.currentMilestone)
	}

	if n := len(g.recentActions); n > 0 {
		b.WriteString("Recent actions:\n")
		start := n - 3
		if start < 0 {
			start = 0
		}
		for _, record := range g.recentActions[start:] {
			mark := "ok"
			if !record.success {
				mark = "FAILED"
			}
			fmt.Fprintf(&b, "  - %s (%s)\n", record.action, mark)
		}
	}

	if g.recovering && g.lastError != "" {
		fmt.Fprintf(&b, "Recovery note: the previous step failed: %s\nAdjust the approach instead of repeating it.\n",
			truncateRunes(g.lastError, maxErrorRunes))
	}

	return b.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

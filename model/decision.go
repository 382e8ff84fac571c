package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LastActionResult reports how the previous action batch went, as judged
// by the decision model from the new frame.
type LastActionResult int

const (
	ResultNone LastActionResult = iota
	ResultSuccess
	ResultPartial
	ResultFailure
)

// String returns the wire name of the result.
func (r LastActionResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultPartial:
		return "partial"
	case ResultFailure:
		return "failure"
	default:
		return "none"
	}
}

// MarshalJSON renders the result as its wire name.
func (r LastActionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses a wire name; unknown or empty values map to none.
func (r *LastActionResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		*r = ResultSuccess
	case "partial":
		*r = ResultPartial
	case "failure", "failed", "error":
		*r = ResultFailure
	default:
		*r = ResultNone
	}
	return nil
}

// ExecuteNow is the ordered action batch the model wants performed before
// the next perception cycle.
type ExecuteNow struct {
	Intent  string   `json:"intent"`
	Actions []Action `json:"actions"`
}

// DecisionBundle is the model's structured output for one perception cycle.
type DecisionBundle struct {
	Thought           string           `json:"thought"`
	LastActionResult  LastActionResult `json:"last_action_result"`
	ExecuteNow        *ExecuteNow      `json:"execute_now,omitempty"`
	IsGoalComplete    bool             `json:"is_goal_complete"`
	CompletionSummary string           `json:"completion_summary,omitempty"`
}

// UnmarshalJSON parses the bundle and normalizes it: a bundle that declares
// the goal complete never carries actions.
func (b *DecisionBundle) UnmarshalJSON(data []byte) error {
	type bundleAlias DecisionBundle
	aux := (*bundleAlias)(b)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if b.IsGoalComplete {
		b.ExecuteNow = nil
	}
	if b.ExecuteNow != nil && len(b.ExecuteNow.Actions) == 0 {
		b.ExecuteNow = nil
	}
	return nil
}

// ActionCount returns the number of actions in the batch.
func (b *DecisionBundle) ActionCount() int {
	if b.ExecuteNow == nil {
		return 0
	}
	return len(b.ExecuteNow.Actions)
}

// HasActionsToExecute reports whether the executor has work this cycle.
func (b *DecisionBundle) HasActionsToExecute() bool {
	return !b.IsGoalComplete && b.ActionCount() > 0
}

// Validate checks the bundle invariants after parsing.
func (b *DecisionBundle) Validate() error {
	if !b.IsGoalComplete && b.ActionCount() == 0 {
		return fmt.Errorf("decision declares the goal incomplete but supplies no actions")
	}
	for i, action := range b.actions() {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func (b *DecisionBundle) actions() []Action {
	if b.ExecuteNow == nil {
		return nil
	}
	return b.ExecuteNow.Actions
}

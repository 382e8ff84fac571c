package model

import (
	"encoding/json"
	"strings"
)

// FailureReason classifies why a milestone failed.
type FailureReason int

const (
	ReasonUnknown FailureReason = iota
	ReasonElementNotFound
	ReasonClickMissed
	ReasonInfiniteLoop
	ReasonAppNotResponding
	ReasonUnexpectedDialog
	ReasonTimeout
)

// String returns the uppercase wire name used in push events.
func (r FailureReason) String() string {
	switch r {
	case ReasonElementNotFound:
		return "ELEMENT_NOT_FOUND"
	case ReasonClickMissed:
		return "CLICK_MISSED"
	case ReasonInfiniteLoop:
		return "INFINITE_LOOP"
	case ReasonAppNotResponding:
		return "APP_NOT_RESPONDING"
	case ReasonUnexpectedDialog:
		return "UNEXPECTED_DIALOG"
	case ReasonTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the reason as its wire name.
func (r FailureReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses a wire name; unknown values map to UNKNOWN.
func (r *FailureReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ELEMENT_NOT_FOUND":
		*r = ReasonElementNotFound
	case "CLICK_MISSED":
		*r = ReasonClickMissed
	case "INFINITE_LOOP":
		*r = ReasonInfiniteLoop
	case "APP_NOT_RESPONDING":
		*r = ReasonAppNotResponding
	case "UNEXPECTED_DIALOG":
		*r = ReasonUnexpectedDialog
	case "TIMEOUT":
		*r = ReasonTimeout
	default:
		*r = ReasonUnknown
	}
	return nil
}

// SuggestedRecovery returns the default operator hint for the reason.
func (r FailureReason) SuggestedRecovery() string {
	switch r {
	case ReasonElementNotFound:
		return "verify the target element is visible, then rephrase the step with more specific wording"
	case ReasonClickMissed:
		return "retry with a larger target or zoom the window before clicking"
	case ReasonInfiniteLoop:
		return "break the goal into smaller milestones with explicit completion criteria"
	case ReasonAppNotResponding:
		return "restart the target application and retry"
	case ReasonUnexpectedDialog:
		return "dismiss the dialog manually, then retry the milestone"
	case ReasonTimeout:
		return "increase the milestone timeout or simplify the step"
	default:
		return "inspect the last screen state and retry"
	}
}

// PostMortem captures failure diagnostics for a failed milestone.
type PostMortem struct {
	ScreenState       string        `json:"screen_state,omitempty"`
	TriedStrategies   []string      `json:"tried_strategies,omitempty"`
	Reason            FailureReason `json:"failure_reason"`
	SuggestedRecovery string        `json:"suggested_recovery"`
}

// NewPostMortem builds a post-mortem with the reason's default recovery
// hint when none is supplied.
func NewPostMortem(reason FailureReason, screenState string, tried []string) *PostMortem {
	return &PostMortem{
		ScreenState:       screenState,
		TriedStrategies:   tried,
		Reason:            reason,
		SuggestedRecovery: reason.SuggestedRecovery(),
	}
}

// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind identifies one actuator primitive in a decision.
type ActionKind int

const (
	ActionClick ActionKind = iota
	ActionDoubleClick
	ActionRightClick
	ActionDrag
	ActionScroll
	ActionType
	ActionKey
	ActionShellExec
	ActionOpenApp
	ActionWait
	ActionCompleteMilestone
)

// String returns the canonical wire name for the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionClick:
		return "click"
	case ActionDoubleClick:
		return "double_click"
	case ActionRightClick:
		return "right_click"
	case ActionDrag:
		return "drag"
	case ActionScroll:
		return "scroll"
	case ActionType:
		return "type"
	case ActionKey:
		return "key"
	case ActionShellExec:
		return "shell_exec"
	case ActionOpenApp:
		return "open_app"
	case ActionWait:
		return "wait"
	case ActionCompleteMilestone:
		return "complete_milestone"
	default:
		return "unknown"
	}
}

// ParseActionKind parses a wire name into an ActionKind.
// Accepts snake_case, camelCase and hyphenated spellings since decision
// models are not consistent about casing.
func ParseActionKind(s string) (ActionKind, error) {
	normalized := strings.ToLower(s)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")

	switch normalized {
	case "click", "leftclick", "singleclick":
		return ActionClick, nil
	case "doubleclick", "dblclick":
		return ActionDoubleClick, nil
	case "rightclick", "contextclick":
		return ActionRightClick, nil
	case "drag", "dragto":
		return ActionDrag, nil
	case "scroll":
		return ActionScroll, nil
	case "type", "typetext", "input":
		return ActionType, nil
	case "key", "keycombo", "hotkey", "presskey":
		return ActionKey, nil
	case "shellexec", "shell", "exec":
		return ActionShellExec, nil
	case "openapp", "launchapp", "open":
		return ActionOpenApp, nil
	case "wait", "sleep", "pause":
		return ActionWait, nil
	case "completemilestone", "complete", "done", "finish":
		return ActionCompleteMilestone, nil
	default:
		return ActionClick, fmt.Errorf("unknown action kind %q", s)
	}
}

// Action is one primitive the executor asks the actuator to perform.
// Only the fields relevant to Kind are meaningful; coordinates are in
// logical screen units.
type Action struct {
	Kind    ActionKind
	X       int
	Y       int
	ToX     int
	ToY     int
	Amount  int
	Text    string
	Combo   string
	Command string
	App     string
	WaitMs  int
	Summary string
}

// Click creates a single left click at (x, y).
func Click(x, y int) Action { return Action{Kind: ActionClick, X: x, Y: y} }

// DoubleClick creates a double left click at (x, y).
func DoubleClick(x, y int) Action { return Action{Kind: ActionDoubleClick, X: x, Y: y} }

// RightClick creates a context click at (x, y).
func RightClick(x, y int) Action { return Action{Kind: ActionRightClick, X: x, Y: y} }

// Drag creates a press-move-release gesture from (x1, y1) to (x2, y2).
func Drag(x1, y1, x2, y2 int) Action {
	return Action{Kind: ActionDrag, X: x1, Y: y1, ToX: x2, ToY: y2}
}

// Scroll creates a vertical scroll; negative amounts scroll down.
func Scroll(amount int) Action { return Action{Kind: ActionScroll, Amount: amount} }

// TypeText creates a keyboard text entry action.
func TypeText(text string) Action { return Action{Kind: ActionType, Text: text} }

// KeyCombo creates a key chord action such as "cmd+c".
func KeyCombo(combo string) Action { return Action{Kind: ActionKey, Combo: combo} }

// ShellExec creates a shell command action.
func ShellExec(command string) Action { return Action{Kind: ActionShellExec, Command: command} }

// OpenApp creates an application launch action.
func OpenApp(name string) Action { return Action{Kind: ActionOpenApp, App: name} }

// Wait creates a fixed delay action.
func Wait(ms int) Action { return Action{Kind: ActionWait, WaitMs: ms} }

// CompleteMilestone creates the signal action that ends the current
// milestone successfully.
func CompleteMilestone(summary string) Action {
	return Action{Kind: ActionCompleteMilestone, Summary: summary}
}

// Validate checks that the fields required by the action's kind are present.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionType:
		if a.Text == "" {
			return fmt.Errorf("type action requires text")
		}
	case ActionKey:
		if a.Combo == "" {
			return fmt.Errorf("key action requires a combo")
		}
	case ActionShellExec:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("shell_exec action requires a command")
		}
	case ActionOpenApp:
		if strings.TrimSpace(a.App) == "" {
			return fmt.Errorf("open_app action requires an application name")
		}
	case ActionWait:
		if a.WaitMs < 0 {
			return fmt.Errorf("wait action requires a non-negative duration")
		}
	}
	return nil
}

// Describe returns a short human-readable rendering for logs and events.
func (a Action) Describe() string {
	switch a.Kind {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		return fmt.Sprintf("%s(%d, %d)", a.Kind, a.X, a.Y)
	case ActionDrag:
		return fmt.Sprintf("drag(%d, %d -> %d, %d)", a.X, a.Y, a.ToX, a.ToY)
	case ActionScroll:
		return fmt.Sprintf("scroll(%d)", a.Amount)
	case ActionType:
		return fmt.Sprintf("type(%q)", truncate(a.Text, 40))
	case ActionKey:
		return fmt.Sprintf("key(%s)", a.Combo)
	case ActionShellExec:
		return fmt.Sprintf("shell_exec(%s)", truncate(a.Command, 60))
	case ActionOpenApp:
		return fmt.Sprintf("open_app(%s)", a.App)
	case ActionWait:
		return fmt.Sprintf("wait(%dms)", a.WaitMs)
	case ActionCompleteMilestone:
		return fmt.Sprintf("complete_milestone(%s)", truncate(a.Summary, 60))
	default:
		return "unknown"
	}
}

// actionWire is the JSON shape produced by decision models.
type actionWire struct {
	Type    string `json:"type"`
	X       *int   `json:"x,omitempty"`
	Y       *int   `json:"y,omitempty"`
	X1      *int   `json:"x1,omitempty"`
	Y1      *int   `json:"y1,omitempty"`
	X2      *int   `json:"x2,omitempty"`
	Y2      *int   `json:"y2,omitempty"`
	Amount  *int   `json:"amount,omitempty"`
	Text    string `json:"text,omitempty"`
	Combo   string `json:"combo,omitempty"`
	Command string `json:"command,omitempty"`
	App     string `json:"app,omitempty"`
	Ms      *int   `json:"ms,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// MarshalJSON renders the action in its wire shape.
func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Kind.String()}
	switch a.Kind {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		w.X, w.Y = intPtr(a.X), intPtr(a.Y)
	case ActionDrag:
		w.X1, w.Y1 = intPtr(a.X), intPtr(a.Y)
		w.X2, w.Y2 = intPtr(a.ToX), intPtr(a.ToY)
	case ActionScroll:
		w.Amount = intPtr(a.Amount)
	case ActionType:
		w.Text = a.Text
	case ActionKey:
		w.Combo = a.Combo
	case ActionShellExec:
		w.Command = a.Command
	case ActionOpenApp:
		w.App = a.App
	case ActionWait:
		w.Ms = intPtr(a.WaitMs)
	case ActionCompleteMilestone:
		w.Summary = a.Summary
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape, tolerating the coordinate aliases
// different models emit (x/y on drags, x1/y1 on clicks).
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind, err := ParseActionKind(w.Type)
	if err != nil {
		return err
	}

	parsed := Action{Kind: kind}
	switch kind {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		parsed.X = firstInt(w.X, w.X1)
		parsed.Y = firstInt(w.Y, w.Y1)
	case ActionDrag:
		parsed.X = firstInt(w.X1, w.X)
		parsed.Y = firstInt(w.Y1, w.Y)
		parsed.ToX = firstInt(w.X2, nil)
		parsed.ToY = firstInt(w.Y2, nil)
	case ActionScroll:
		parsed.Amount = firstInt(w.Amount, nil)
	case ActionType:
		parsed.Text = w.Text
	case ActionKey:
		parsed.Combo = w.Combo
	case ActionShellExec:
		parsed.Command = w.Command
	case ActionOpenApp:
		parsed.App = w.App
	case ActionWait:
		parsed.WaitMs = firstInt(w.Ms, w.Amount)
	case ActionCompleteMilestone:
		parsed.Summary = w.Summary
		if parsed.Summary == "" {
			parsed.Summary = w.Text
		}
	}

	*a = parsed
	return nil
}

func intPtr(v int) *int { return &v }

func firstInt(candidates ...*int) int {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return 0
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

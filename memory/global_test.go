package memory

import (
	"fmt"
	"strings"
	"testing"
)

func TestContextInjectionBriefing(t *testing.T) {
	g := NewGlobalContext("rename the report and email it")

	g.StartMilestone("open the file manager")
	g.AddActionSummary("open_app(Finder)", "finder visible", true)
	g.CompleteMilestone("file manager open", true)

	g.StartMilestone("rename report.docx")
	g.AddActionSummary("click(210, 340)", "file selected", true)
	g.AddActionSummary("key(enter)", "rename field active", true)

	injection := g.ContextInjection()
	for _, want := range []string{
		"Goal: rename the report and email it",
		"✓ open the file manager",
		"Current milestone: rename report.docx",
		"click(210, 340)",
		"key(enter)",
	} {
		if !strings.Contains(injection, want) {
			t.Errorf("injection missing %q:\n%s", want, injection)
		}
	}
	if strings.Contains(injection, "Recovery note") {
		t.Error("no recovery note expected while everything succeeds")
	}
}

func TestContextInjectionRecoveryNote(t *testing.T) {
	g := NewGlobalContext("goal")
	g.StartMilestone("click the save button")
	g.AddActionSummary("click(10, 10)", "cursor deviated by (40, 0)", false)

	injection := g.ContextInjection()
	if !strings.Contains(injection, "Recovery note") {
		t.Fatalf("expected a recovery note:\n%s", injection)
	}
	if !strings.Contains(injection, "cursor deviated") {
		t.Error("recovery note should carry the last error")
	}
}

func TestRecoveryNoteTruncatesLongErrors(t *testing.T) {
	g := NewGlobalContext("goal")
	g.AddActionSummary("shell_exec(...)", strings.Repeat("x", 500), false)

	injection := g.ContextInjection()
	if strings.Contains(injection, strings.Repeat("x", 201)) {
		t.Error("error detail should be truncated to 200 runes")
	}
	if !strings.Contains(injection, "...") {
		t.Error("truncated error should end with an ellipsis")
	}
}

func TestInjectionShowsLastThreeOnly(t *testing.T) {
	g := NewGlobalContext("goal")
	for i := 0; i < 6; i++ {
		g.StartMilestone(fmt.Sprintf("milestone %d", i))
		g.CompleteMilestone("done", true)
	}
	for i := 0; i < 12; i++ {
		g.AddActionSummary(fmt.Sprintf("action %d", i), "ok", true)
	}

	injection := g.ContextInjection()
	if strings.Contains(injection, "milestone 2") || !strings.Contains(injection, "milestone 5") {
		t.Errorf("milestone window wrong:\n%s", injection)
	}
	if strings.Contains(injection, "action 8 ") || !strings.Contains(injection, "action 11") {
		t.Errorf("action window wrong:\n%s", injection)
	}
}

func TestRecentActionsBounded(t *testing.T) {
	g := NewGlobalContext("goal")
	for i := 0; i < 25; i++ {
		g.AddActionSummary(fmt.Sprintf("action %d", i), "ok", true)
	}

	g.mu.Lock()
	n := len(g.recentActions)
	g.mu.Unlock()
	if n != recentActionCap {
		t.Errorf("recent actions = %d, want %d", n, recentActionCap)
	}

	counters := g.CountersSnapshot()
	if counters.TotalSteps != 25 || counters.Succeeded != 25 {
		t.Errorf("counters = %+v", counters)
	}
}

func TestVariables(t *testing.T) {
	g := NewGlobalContext("goal")
	g.SetVariable("invoice_id", "INV-42")

	if got := g.GetVariable("invoice_id", ""); got != "INV-42" {
		t.Errorf("GetVariable = %v, want INV-42", got)
	}
	if got := g.GetVariable("missing", "fallback"); got != "fallback" {
		t.Errorf("GetVariable fallback = %v", got)
	}
}

func TestCompleteMilestoneFailureArmsRecovery(t *testing.T) {
	g := NewGlobalContext("goal")
	g.StartMilestone("verify the dialog")
	g.CompleteMilestone("dialog never appeared", false)

	if !strings.Contains(g.ContextInjection(), "Recovery note") {
		t.Error("failed milestone should arm the recovery note")
	}

	g.StartMilestone("retry")
	g.CompleteMilestone("done", true)
	if strings.Contains(g.ContextInjection(), "Recovery note") {
		t.Error("successful milestone should clear the recovery note")
	}
}

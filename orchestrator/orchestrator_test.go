package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/memory"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/push"
)

type fakePlanner struct {
	content string
	err     error
}

func (f *fakePlanner) ChatDefault(context.Context, []llm.ChatMessage) (*llm.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Reply{Content: f.content}, nil
}

// scriptedRunner resolves milestones from a script of outcomes keyed by
// call order: "ok", "fail", or "cancel".
type scriptedRunner struct {
	mu      sync.Mutex
	script  []string
	calls   []*model.Milestone
	onCall  func(call int)
}

func (r *scriptedRunner) Run(ctx context.Context, ms *model.Milestone, _ *memory.GlobalContext, _ *memory.TurnMemory, _ string) error {
	r.mu.Lock()
	call := len(r.calls)
	r.calls = append(r.calls, ms)
	var verdict string
	if call < len(r.script) {
		verdict = r.script[call]
	} else {
		verdict = "ok"
	}
	r.mu.Unlock()

	if r.onCall != nil {
		r.onCall(call)
	}

	switch verdict {
	case "fail":
		ms.Start()
		ms.Fail(model.NewPostMortem(model.ReasonElementNotFound, "button not visible", []string{"clicked"}))
	case "cancel":
		return ctx.Err()
	default:
		ms.Start()
		ms.Complete("step done")
	}
	return nil
}

type recordSink struct {
	mu     sync.Mutex
	events []push.Event
}

func (s *recordSink) Broadcast(event push.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}
func (s *recordSink) SendByID(_ string, event push.Event) bool {
	s.Broadcast(event)
	return true
}
func (s *recordSink) IsActive(string) bool        { return true }
func (s *recordSink) FirstActive() (string, bool) { return "s", true }
func (s *recordSink) Count() int                  { return 1 }

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, event := range s.events {
		out[i] = event.Type
	}
	return out
}

const threeStepPlan = `[
  {"description": "Open the app", "type": "navigate"},
  {"description": "Do the work", "type": "workflow"},
  {"description": "Check the result", "type": "verify"}
]`

func newOrchestrator(planner *fakePlanner, runner *scriptedRunner, sink *recordSink) *Orchestrator {
	return New(planner, runner, sink,
		config.ExecutorConfig{MilestoneTimeout: time.Minute, MilestoneRetries: 2, MaxPlanMilestones: 20},
		config.MemoryConfig{MaxEntries: 50, LegacyFrameWindow: 4},
		zap.NewNop())
}

func TestRunCompletesPlan(t *testing.T) {
	sink := &recordSink{}
	runner := &scriptedRunner{}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, sink)

	result, err := orch.Run(context.Background(), "do the thing", "session")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.PlanCompleted {
		t.Fatalf("status = %v", result.Status)
	}
	if len(runner.calls) != 3 {
		t.Errorf("milestones run = %d, want 3", len(runner.calls))
	}

	types := sink.types()
	for _, want := range []string{"plan_created", "step_started", "step_completed", "plan_completed"} {
		if !containsType(types, want) {
			t.Errorf("missing %q event; got %v", want, types)
		}
	}
	if containsType(types, "plan_failed") || containsType(types, "step_failed") {
		t.Errorf("unexpected failure events: %v", types)
	}
}

func TestRunRetriesFailedMilestone(t *testing.T) {
	runner := &scriptedRunner{script: []string{"fail", "ok", "ok", "ok"}}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, &recordSink{})

	result, err := orch.Run(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != model.PlanCompleted {
		t.Fatalf("status = %v", result.Status)
	}
	// First milestone ran twice: initial failure plus one retry.
	if len(runner.calls) != 4 {
		t.Errorf("runner calls = %d, want 4", len(runner.calls))
	}
	retry := runner.calls[1]
	if retry.ContextHint == "" || !strings.Contains(retry.ContextHint, "previous attempt failed") {
		t.Errorf("retry carried no post-mortem hint: %q", retry.ContextHint)
	}
}

func TestRunAbortsOnExhaustedWorkflowMilestone(t *testing.T) {
	sink := &recordSink{}
	runner := &scriptedRunner{script: []string{"fail", "fail"}}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, sink)

	result, err := orch.Run(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != model.PlanFailed {
		t.Fatalf("status = %v", result.Status)
	}
	// Two attempts on the first milestone, then abort: later milestones never run.
	if len(runner.calls) != 2 {
		t.Errorf("runner calls = %d, want 2", len(runner.calls))
	}
	if !containsType(sink.types(), "plan_failed") {
		t.Errorf("missing plan_failed event: %v", sink.types())
	}
	if result.Plan.Milestones[0].Status != model.StepFailed {
		t.Errorf("milestone status = %v", result.Plan.Milestones[0].Status)
	}
}

func TestRunSkipsExhaustedVerifyMilestone(t *testing.T) {
	// Milestones 1 and 2 succeed; the verify milestone fails both attempts.
	runner := &scriptedRunner{script: []string{"ok", "ok", "fail", "fail"}}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, &recordSink{})

	result, err := orch.Run(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != model.PlanCompleted {
		t.Fatalf("status = %v (verify exhaustion should skip, not abort)", result.Status)
	}
	verify := result.Plan.Milestones[2]
	if verify.Status != model.StepSkipped {
		t.Errorf("verify milestone status = %v", verify.Status)
	}
}

func TestRunPlanTruncation(t *testing.T) {
	var steps []string
	for i := 0; i < 25; i++ {
		steps = append(steps, `{"description": "step", "type": "workflow"}`)
	}
	planner := &fakePlanner{content: "[" + strings.Join(steps, ",") + "]"}
	runner := &scriptedRunner{}
	orch := New(planner, runner, &recordSink{},
		config.ExecutorConfig{MaxPlanMilestones: 20, MilestoneRetries: 1},
		config.MemoryConfig{MaxEntries: 50, LegacyFrameWindow: 4},
		zap.NewNop())

	result, err := orch.Run(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(result.Plan.Milestones); got != 20 {
		t.Fatalf("milestones = %d, want 20", got)
	}
	if !result.Plan.Truncated {
		t.Error("plan not marked truncated")
	}
	if !strings.Contains(result.Plan.Milestones[0].ContextHint, "truncated") {
		t.Errorf("first milestone hint = %q", result.Plan.Milestones[0].ContextHint)
	}
}

func TestRunRejectsConcurrentTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &scriptedRunner{}
	runner.onCall = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, &recordSink{})

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), "first", "")
		done <- err
	}()
	<-started

	if _, err := orch.Run(context.Background(), "second", ""); err == nil {
		t.Error("second concurrent Run should fail")
	}
	if !orch.Running() {
		t.Error("Running() should report the in-flight task")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if orch.Running() {
		t.Error("Running() should clear after completion")
	}
}

func TestInterruptCancelsRun(t *testing.T) {
	started := make(chan struct{})
	runner := &scriptedRunner{script: []string{"ok", "cancel"}}
	var once sync.Once
	runner.onCall = func(call int) {
		if call == 1 {
			once.Do(func() { close(started) })
		}
	}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, &recordSink{})

	go func() {
		<-started
		orch.Interrupt()
	}()

	result, err := orch.Run(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != model.PlanCancelled {
		t.Fatalf("status = %v", result.Status)
	}
}

func TestStatusViews(t *testing.T) {
	runner := &scriptedRunner{}
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, runner, &recordSink{})

	if status := orch.Status(); status.State != "idle" || status.Running {
		t.Errorf("idle status = %+v", status)
	}

	inFlight := make(chan Status, 1)
	runner.onCall = func(call int) {
		if call == 1 {
			inFlight <- orch.Status()
		}
	}

	if _, err := orch.Run(context.Background(), "goal", ""); err != nil {
		t.Fatal(err)
	}

	status := <-inFlight
	if !status.Running || status.Goal != "goal" {
		t.Errorf("mid-run status = %+v", status)
	}
	if status.CurrentMilestone != "Do the work" {
		t.Errorf("current milestone = %q", status.CurrentMilestone)
	}

	if status := orch.Status(); status.Running {
		t.Errorf("status still running after completion: %+v", status)
	}
}

func TestHistoryRing(t *testing.T) {
	orch := newOrchestrator(&fakePlanner{content: threeStepPlan}, &scriptedRunner{}, &recordSink{})

	for i := 0; i < 55; i++ {
		if _, err := orch.Run(context.Background(), "goal", ""); err != nil {
			t.Fatal(err)
		}
	}

	history := orch.History()
	if len(history) != 50 {
		t.Fatalf("history = %d records, want 50", len(history))
	}
	if history[0].Status != model.PlanCompleted {
		t.Errorf("newest record status = %v", history[0].Status)
	}
	if history[0].Steps != 3 {
		t.Errorf("newest record steps = %d", history[0].Steps)
	}

	orch.ClearHistory()
	if len(orch.History()) != 0 {
		t.Error("history not cleared")
	}
}

func TestRunFailsWhenPlannerErrors(t *testing.T) {
	orch := newOrchestrator(&fakePlanner{err: errors.New("model unavailable")}, &scriptedRunner{}, &recordSink{})
	if _, err := orch.Run(context.Background(), "goal", ""); err == nil {
		t.Fatal("expected planner error")
	}
	if orch.Running() {
		t.Error("failed run left the orchestrator marked running")
	}
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

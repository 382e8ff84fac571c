// Package orchestrator plans a goal into milestones and drives the
// executor through them, aggregating results and emitting plan-level
// progress events.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/memory"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/push"
)

// historySize bounds the in-memory task record ring.
const historySize = 50

// Planner produces the plan via a single chat call.
type Planner interface {
	ChatDefault(ctx context.Context, messages []llm.ChatMessage) (*llm.Reply, error)
}

// MilestoneRunner drives one milestone. *executor.MicroExecutor
// satisfies it.
type MilestoneRunner interface {
	Run(ctx context.Context, ms *model.Milestone, gctx *memory.GlobalContext, mem *memory.TurnMemory, sessionID string) error
}

// Status is the live view served by the status endpoint.
type Status struct {
	Running          bool   `json:"running"`
	PlanID           string `json:"planId,omitempty"`
	Goal             string `json:"goal,omitempty"`
	Progress         int    `json:"progress"`
	CurrentMilestone string `json:"currentMilestone,omitempty"`
	State            string `json:"state"`
}

// TaskRecord is one finished task in the history ring.
type TaskRecord struct {
	ID         string           `json:"id"`
	Goal       string           `json:"goal"`
	Status     model.PlanStatus `json:"status"`
	Summary    string           `json:"summary,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	EndedAt    time.Time        `json:"endedAt"`
	DurationMs int64            `json:"durationMs"`
	Steps      int              `json:"steps"`
}

// Result is the outcome of one orchestrated run.
type Result struct {
	Status  model.PlanStatus
	Summary string
	Plan    *model.Plan
}

// Orchestrator runs at most one task at a time.
type Orchestrator struct {
	planner Planner
	runner  MilestoneRunner
	sink    push.Sink
	memCfg  config.MemoryConfig
	execCfg config.ExecutorConfig
	logger  *zap.Logger

	interrupted atomic.Bool
	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	plan        *model.Plan
	history     []TaskRecord
}

// New creates an orchestrator.
func New(planner Planner, runner MilestoneRunner, sink push.Sink, execCfg config.ExecutorConfig, memCfg config.MemoryConfig, logger *zap.Logger) *Orchestrator {
	if execCfg.MaxPlanMilestones < 1 {
		execCfg.MaxPlanMilestones = 20
	}
	return &Orchestrator{
		planner: planner,
		runner:  runner,
		sink:    sink,
		memCfg:  memCfg,
		execCfg: execCfg,
		logger:  logger.Named("orchestrator"),
	}
}

// Run plans and executes a goal. Only one task runs at a time; a second
// concurrent call fails immediately.
func (o *Orchestrator) Run(ctx context.Context, goal, sessionID string) (*Result, error) {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	result, runErr := o.execute(runCtx, goal, sessionID)
	o.finish(goal, result, runErr, started)
	return result, runErr
}

// Interrupt cancels the running task. Safe with no task running.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		o.interrupted.Store(true)
		cancel()
		o.logger.Info("task interrupted")
	}
}

// Running reports whether a task is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status returns the live view of the current (or idle) state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running || o.plan == nil {
		return Status{State: "idle"}
	}
	status := Status{
		Running:  true,
		PlanID:   o.plan.ID,
		Goal:     o.plan.Goal,
		Progress: o.plan.Progress(),
		State:    "running",
	}
	if current := o.plan.CurrentMilestone(); current != nil {
		status.CurrentMilestone = current.Description
	}
	return status
}

// History returns the most recent task records, newest first.
func (o *Orchestrator) History() []TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]TaskRecord, len(o.history))
	for i, rec := range o.history {
		out[len(o.history)-1-i] = rec
	}
	return out
}

// ClearHistory empties the history ring.
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, fmt.Errorf("a task is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.plan = nil
	o.interrupted.Store(false)
	return runCtx, nil
}

func (o *Orchestrator) finish(goal string, result *Result, runErr error, started time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := TaskRecord{
		ID:        uuid.NewString(),
		Goal:      goal,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if result != nil {
		rec.Status = result.Status
		rec.Summary = result.Summary
		if result.Plan != nil {
			rec.ID = result.Plan.ID
			rec.Steps = len(result.Plan.Milestones)
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		if result == nil {
			rec.Status = model.PlanFailed
		}
	}
	o.history = append(o.history, rec)
	if len(o.history) > historySize {
		o.history = o.history[len(o.history)-historySize:]
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.running = false
	o.cancel = nil
}

// execute is the plan-and-drive body of Run.
func (o *Orchestrator) execute(ctx context.Context, goal, sessionID string) (*Result, error) {
	plan, err := o.buildPlan(ctx, goal)
	if err != nil {
		if o.cancelled(ctx) {
			return &Result{Status: model.PlanCancelled, Summary: "task cancelled"}, nil
		}
		return nil, fmt.Errorf("plan goal: %w", err)
	}

	o.mu.Lock()
	o.plan = plan
	o.mu.Unlock()

	o.emit(sessionID, push.PlanCreated(plan.ID, goal, plan.StepDescriptions()))
	o.logger.Info("plan created",
		zap.String("plan", plan.ID),
		zap.String("goal", goal),
		zap.Int("milestones", len(plan.Milestones)))

	gctx := memory.NewGlobalContext(goal)
	mem := memory.NewTurnMemory(o.memCfg.MaxEntries, o.memCfg.LegacyFrameWindow)

	for i, ms := range plan.Milestones {
		if o.cancelled(ctx) {
			o.emit(sessionID, push.PlanFailed(plan.ID, "cancelled", plan.Progress()))
			return &Result{Status: model.PlanCancelled, Summary: "task cancelled", Plan: plan}, nil
		}

		plan.Current = i
		mem.BeginTurn(fmt.Sprintf("%s_%d", plan.ID, ms.ID))
		gctx.StartMilestone(ms.Description)
		ms.Start()
		o.emit(sessionID, push.StepStarted(plan.ID, ms.ID, ms.Description, ms.Kind.String(), plan.Progress()))

		aborted, err := o.driveMilestone(ctx, plan, ms, gctx, mem, sessionID)
		if err != nil {
			// Only cancellation comes back as an error.
			o.emit(sessionID, push.PlanFailed(plan.ID, "cancelled", plan.Progress()))
			return &Result{Status: model.PlanCancelled, Summary: "task cancelled", Plan: plan}, nil
		}
		if aborted {
			reason := "milestone failed after retries"
			if ms.PostMortem != nil {
				reason = ms.PostMortem.ScreenState
			}
			o.emit(sessionID, push.PlanFailed(plan.ID, reason, plan.Progress()))
			return &Result{Status: model.PlanFailed, Summary: reason, Plan: plan}, nil
		}
	}

	o.emit(sessionID, push.PlanCompleted(plan.ID, model.PlanCompleted))
	summary := completionSummary(plan)
	return &Result{Status: model.PlanCompleted, Summary: summary, Plan: plan}, nil
}

// driveMilestone runs one milestone with retries. aborted is true when
// the milestone exhausted its retries and is not skippable.
func (o *Orchestrator) driveMilestone(
	ctx context.Context,
	plan *model.Plan,
	ms *model.Milestone,
	gctx *memory.GlobalContext,
	mem *memory.TurnMemory,
	sessionID string,
) (aborted bool, err error) {
	attempts := ms.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	hint := ms.ContextHint
	for attempt := 1; attempt <= attempts; attempt++ {
		if o.cancelled(ctx) {
			return false, context.Canceled
		}

		try := o.attemptOf(ms, hint)
		if err := o.runner.Run(ctx, try, gctx, mem, sessionID); err != nil {
			return false, err
		}

		switch try.Status {
		case model.StepSuccess:
			ms.Complete(try.ResultSummary)
			gctx.CompleteMilestone(try.ResultSummary, true)
			o.emit(sessionID, push.StepCompleted(plan.ID, ms.ID, ms.Status.String(), ms.ResultSummary, plan.Progress(), ms.DurationMs()))
			return false, nil

		case model.StepFailed:
			pm := try.PostMortem
			o.emit(sessionID, push.StepFailed(plan.ID, ms.ID, failureReason(pm), plan.Progress(), pm))
			if attempt < attempts {
				gctx.NoteRetry(failureReason(pm))
				hint = retryHint(pm)
				o.logger.Info("retrying milestone",
					zap.Int("milestone", ms.ID),
					zap.Int("attempt", attempt+1),
					zap.String("reason", failureReason(pm)))
				continue
			}

			if ms.Kind == model.KindVerify {
				ms.Skip("verification skipped after retry exhaustion")
				gctx.CompleteMilestone(ms.ResultSummary, false)
				o.emit(sessionID, push.StepCompleted(plan.ID, ms.ID, ms.Status.String(), ms.ResultSummary, plan.Progress(), ms.DurationMs()))
				return false, nil
			}
			ms.Fail(pm)
			gctx.CompleteMilestone(failureReason(pm), false)
			return true, nil

		default:
			// The runner returned without a terminal status; treat as
			// cancellation in flight.
			return false, context.Canceled
		}
	}
	return true, nil
}

// attemptOf clones a milestone for one executor attempt, so the plan's
// milestone freezes only on the orchestrator's final verdict.
func (o *Orchestrator) attemptOf(ms *model.Milestone, hint string) *model.Milestone {
	return &model.Milestone{
		ID:           ms.ID,
		Description:  ms.Description,
		Kind:         ms.Kind,
		ActionBudget: ms.ActionBudget,
		Timeout:      ms.Timeout,
		MaxRetries:   ms.MaxRetries,
		Status:       model.StepPending,
		ContextHint:  hint,
	}
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return o.interrupted.Load() || ctx.Err() != nil
}

// emit targets the owning session when possible, else broadcasts.
func (o *Orchestrator) emit(sessionID string, event push.Event) {
	if sessionID != "" && o.sink.SendByID(sessionID, event) {
		return
	}
	o.sink.Broadcast(event)
}

func failureReason(pm *model.PostMortem) string {
	if pm == nil {
		return "unknown failure"
	}
	if pm.ScreenState != "" {
		return fmt.Sprintf("%s: %s", pm.Reason, pm.ScreenState)
	}
	return pm.Reason.String()
}

func retryHint(pm *model.PostMortem) string {
	if pm == nil {
		return "The previous attempt failed. Try a different approach."
	}
	return fmt.Sprintf("The previous attempt failed (%s). %s", pm.Reason, pm.SuggestedRecovery)
}

func completionSummary(plan *model.Plan) string {
	if n := len(plan.Milestones); n > 0 {
		last := plan.Milestones[n-1]
		if last.ResultSummary != "" {
			return last.ResultSummary
		}
	}
	return "task completed"
}

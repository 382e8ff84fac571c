// Package executor drives a single milestone to completion: a bounded
// perceive-decide-act-reflect loop over the screen, the decision model
// and the system actuator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/internal/jsonx"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/memory"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/screen"
)

// Loop bounds beyond configuration.
const (
	maxParseFailures     = 2
	maxPermissionReports = 3
	reportWindow         = 3
)

// CompleteMilestoneTool is the fixed signal tool mounted alongside the
// skill tools; calling it ends the milestone successfully.
const CompleteMilestoneTool = "complete_milestone"

// Decider is the model surface the executor needs.
type Decider interface {
	ChatDefaultWithTools(ctx context.Context, messages []llm.ChatMessage, tools []llm.ToolSpec) (*llm.Reply, error)
}

// Capturer produces screen frames.
type Capturer interface {
	CaptureAsBase64(ctx context.Context, thumbnail bool) (screen.Frame, error)
}

// Performer executes decided actions.
type Performer interface {
	Perform(ctx context.Context, action model.Action) (model.ExecutionReport, error)
}

// ToolSource supplies skill tools and executes them. May be nil.
type ToolSource interface {
	ToolSpecifications() []llm.ToolSpec
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

// Deps are the collaborators of a MicroExecutor.
type Deps struct {
	Model    Decider
	Screen   Capturer
	Actuator Performer
	Skills   ToolSource
	Sink     push.Sink
	Logger   *zap.Logger
}

// MicroExecutor runs the per-milestone loop. It is stateless across
// milestones; all cross-milestone history flows through GlobalContext.
type MicroExecutor struct {
	deps      Deps
	cfg       config.ExecutorConfig
	deviation int
	logger    *zap.Logger
}

// New creates an executor. deviationThreshold is the logical-pixel
// tolerance used when hinting pointer misses back to the model.
func New(deps Deps, cfg config.ExecutorConfig, deviationThreshold int) *MicroExecutor {
	if cfg.CycleCap < 1 {
		cfg.CycleCap = 8
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 150 * time.Millisecond
	}
	return &MicroExecutor{
		deps:      deps,
		cfg:       cfg,
		deviation: deviationThreshold,
		logger:    deps.Logger.Named("executor"),
	}
}

// loopState carries the per-milestone mutable state across iterations.
type loopState struct {
	lastResult      model.LastActionResult
	feedback        string
	parseFailures   int
	permissionCount int
	lastThought     string
	recentReports   []model.ExecutionReport
	recentActions   []string
}

// Run drives one milestone until success, failure or cancellation. The
// milestone is mutated in place: Complete on success, Fail with a
// post-mortem otherwise. The returned error is non-nil only for
// cancellation of the parent context.
func (e *MicroExecutor) Run(ctx context.Context, ms *model.Milestone, gctx *memory.GlobalContext, mem *memory.TurnMemory, sessionID string) error {
	cycles := e.cfg.CycleCap
	if ms.MaxRetries > 0 && ms.MaxRetries < cycles {
		cycles = ms.MaxRetries
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if ms.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ms.Timeout)
	}
	defer cancel()

	tools := e.toolset()
	state := &loopState{}

	for cycle := 1; cycle <= cycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if runCtx.Err() != nil {
			e.failTimeout(ms, state)
			return nil
		}

		frame, err := e.perceive(runCtx, ms)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.noteHardFault(ms, state, err) {
				return nil
			}
			continue
		}

		e.emit(sessionID, push.Thinking(ms.Description))
		bundle, toolDone, summary, err := e.decide(runCtx, ms, gctx, mem, tools, frame, state)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				e.failTimeout(ms, state)
				return nil
			}
			var parseErr *faults.ParseError
			if errors.As(err, &parseErr) {
				state.parseFailures++
				state.feedback = "Your previous reply was not a valid decision JSON object. Reply with exactly one JSON object and nothing else."
				if state.parseFailures >= maxParseFailures {
					e.fail(ms, state, model.ReasonUnknown, "the decision output could not be parsed twice in a row")
					return nil
				}
				continue
			}
			// Model transport errors burn a cycle but carry no feedback
			// the model could use.
			e.logger.Warn("decision call failed", zap.Int("cycle", cycle), zap.Error(err))
			continue
		}
		state.parseFailures = 0
		if toolDone {
			ms.Complete(summary)
			return nil
		}
		if bundle == nil {
			// Skill tool executed; its result is in memory for the next
			// decision cycle.
			continue
		}

		state.lastThought = bundle.Thought
		if bundle.IsGoalComplete {
			ms.Complete(bundle.CompletionSummary)
			return nil
		}

		done, err := e.act(ctx, runCtx, ms, gctx, mem, bundle, sessionID, state)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		e.emit(sessionID, push.IterationProgress(cycle, cycles, bundle.ExecuteNow.Intent))
	}

	e.fail(ms, state, e.inferReason(state), fmt.Sprintf("cycle budget of %d exhausted", cycles))
	return nil
}

// perceive captures a frame with the UI overlay hidden around the grab.
func (e *MicroExecutor) perceive(ctx context.Context, ms *model.Milestone) (screen.Frame, error) {
	e.deps.Sink.Broadcast(push.HideWindow("screen capture"))
	settle(ctx, e.cfg.SettleWait)
	frame, err := e.deps.Screen.CaptureAsBase64(ctx, false)
	e.deps.Sink.Broadcast(push.ShowWindow("screen capture done"))
	if err != nil {
		e.logger.Warn("screen capture failed", zap.String("milestone", ms.Description), zap.Error(err))
		return screen.Frame{}, err
	}
	return frame, nil
}

// decide runs one model call. Exactly one of these outcomes holds:
//   - toolDone: the model called complete_milestone; summary carries its text
//   - bundle == nil, toolDone == false: a skill tool ran, loop again
//   - bundle != nil: a parsed decision to act on
func (e *MicroExecutor) decide(
	ctx context.Context,
	ms *model.Milestone,
	gctx *memory.GlobalContext,
	mem *memory.TurnMemory,
	tools []llm.ToolSpec,
	frame screen.Frame,
	state *loopState,
) (bundle *model.DecisionBundle, toolDone bool, summary string, err error) {
	mem.AddWithFrames(llm.RoleUser, e.perceptionText(ms, frame, state), []memory.Frame{{MIME: frame.MIME, B64: frame.B64}})

	messages := make([]llm.ChatMessage, 0, 2)
	messages = append(messages, llm.SystemMessage(systemPrompt+"\n\n"+gctx.ContextInjection()))
	messages = append(messages, mem.Messages()...)

	reply, err := e.deps.Model.ChatDefaultWithTools(ctx, messages, tools)
	if err != nil {
		return nil, false, "", err
	}

	if reply.ToolCall != nil {
		return e.handleToolCall(ctx, mem, reply.ToolCall)
	}

	parsed, err := jsonx.Decode[model.DecisionBundle](reply.Content)
	if err != nil {
		return nil, false, "", faults.NewParseError(faults.ParseDecisionBundleMalformed, "decision output is not parseable JSON", err)
	}
	if err := parsed.Validate(); err != nil {
		return nil, false, "", faults.NewParseError(faults.ParseDecisionBundleMalformed, err.Error(), nil)
	}

	mem.Add(llm.RoleAssistant, reply.Content)
	return &parsed, false, "", nil
}

// handleToolCall dispatches a model tool call: the completion signal ends
// the milestone, a skill tool executes and feeds its result back.
func (e *MicroExecutor) handleToolCall(ctx context.Context, mem *memory.TurnMemory, call *llm.ToolCallRequest) (*model.DecisionBundle, bool, string, error) {
	if call.Name == CompleteMilestoneTool {
		var args struct {
			Summary string `json:"summary"`
		}
		_ = jsonx.Unmarshal(string(call.Arguments), &args)
		return nil, true, args.Summary, nil
	}

	if e.deps.Skills == nil {
		mem.Add(llm.RoleUser, fmt.Sprintf("Tool %q is not available. Decide with the primitives instead.", call.Name))
		return nil, false, "", nil
	}

	params := map[string]any{}
	if len(call.Arguments) > 0 {
		_ = jsonx.Unmarshal(string(call.Arguments), &params)
	}
	result, err := e.deps.Skills.Execute(ctx, call.Name, params)
	if err != nil {
		e.logger.Warn("skill tool failed", zap.String("tool", call.Name), zap.Error(err))
		mem.Add(llm.RoleUser, fmt.Sprintf("Tool %s failed: %v", call.Name, err))
		return nil, false, "", nil
	}
	mem.Add(llm.RoleUser, fmt.Sprintf("Tool %s result: %s", call.Name, truncate(result, 2000)))
	return nil, false, "", nil
}

// act performs one decided batch. parentCtx is checked between actions so
// an interrupt lands between primitives, never inside one.
func (e *MicroExecutor) act(
	parentCtx, runCtx context.Context,
	ms *model.Milestone,
	gctx *memory.GlobalContext,
	mem *memory.TurnMemory,
	bundle *model.DecisionBundle,
	sessionID string,
	state *loopState,
) (done bool, err error) {
	state.lastResult = model.ResultSuccess
	state.feedback = ""

	for _, action := range bundle.ExecuteNow.Actions {
		if err := parentCtx.Err(); err != nil {
			return false, err
		}

		if action.Kind == model.ActionCompleteMilestone {
			ms.Complete(action.Summary)
			return true, nil
		}

		report, performErr := e.deps.Actuator.Perform(runCtx, action)
		described := action.Describe()
		state.recentActions = appendBounded(state.recentActions, described, reportWindow)
		state.recentReports = appendBoundedReport(state.recentReports, report, reportWindow)

		e.emit(sessionID, push.ActionExecuted(action.Kind.String(), described, report.Success && performErr == nil))
		mem.Add(llm.RoleAssistant, fmt.Sprintf("Did: %s (%s)", described, resultWord(report, performErr)))
		gctx.AddActionSummary(described, report.Message, report.Success && performErr == nil)

		if performErr != nil {
			if runCtx.Err() != nil && parentCtx.Err() == nil {
				e.failTimeout(ms, state)
				return true, nil
			}
			if parentCtx.Err() != nil {
				return false, parentCtx.Err()
			}
			if e.noteHardFault(ms, state, performErr) {
				return true, nil
			}
			state.lastResult = model.ResultFailure
			state.feedback = fmt.Sprintf("The action %q failed: %v. Adjust your approach.", described, performErr)
			return false, nil
		}

		if !report.Success {
			state.lastResult = model.ResultFailure
			state.feedback = deviationHint(described, report)
			return false, nil
		}
	}
	return false, nil
}

// noteHardFault counts PERMISSION faults; the third one fails the
// milestone fatally. Returns true when the milestone was terminated.
func (e *MicroExecutor) noteHardFault(ms *model.Milestone, state *loopState, err error) bool {
	actErr, ok := faults.AsActuatorError(err)
	if !ok || actErr.Category != faults.ActuatorPermission {
		return false
	}
	state.permissionCount++
	e.logger.Warn("permission fault",
		zap.Int("count", state.permissionCount), zap.Error(err))
	if state.permissionCount >= maxPermissionReports {
		e.fail(ms, state, model.ReasonUnknown,
			"the system denied automation permission repeatedly; grant accessibility and screen recording access")
		return true
	}
	return false
}

// perceptionText renders the user message accompanying a fresh frame.
func (e *MicroExecutor) perceptionText(ms *model.Milestone, frame screen.Frame, state *loopState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current milestone: %s\n", ms.Description)
	if ms.ContextHint != "" {
		fmt.Fprintf(&b, "Note: %s\n", ms.ContextHint)
	}
	fmt.Fprintf(&b, "Screen: %dx%d logical pixels.\n", frame.LogicalWidth, frame.LogicalHeight)
	if state.lastResult != model.ResultNone {
		fmt.Fprintf(&b, "Last action result: %s\n", state.lastResult)
	}
	if state.feedback != "" {
		fmt.Fprintf(&b, "%s\n", state.feedback)
	}
	b.WriteString("Decide the next step from this screenshot.")
	return b.String()
}

// toolset is the skill tools plus the fixed completion signal.
func (e *MicroExecutor) toolset() []llm.ToolSpec {
	var tools []llm.ToolSpec
	if e.deps.Skills != nil {
		tools = append(tools, e.deps.Skills.ToolSpecifications()...)
	}
	return append(tools, llm.ToolSpec{
		Name:        CompleteMilestoneTool,
		Description: "Signal that the current milestone is fully achieved.",
		Parameters: map[string]interface{}{
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "One line describing the achieved outcome.",
			},
		},
		Required: []string{"summary"},
	})
}

// fail freezes the milestone with an inferred post-mortem.
func (e *MicroExecutor) fail(ms *model.Milestone, state *loopState, reason model.FailureReason, detail string) {
	pm := model.NewPostMortem(reason, detail, append([]string(nil), state.recentActions...))
	ms.Fail(pm)
	e.logger.Info("milestone failed",
		zap.String("milestone", ms.Description),
		zap.String("reason", reason.String()),
		zap.String("detail", detail))
}

func (e *MicroExecutor) failTimeout(ms *model.Milestone, state *loopState) {
	e.fail(ms, state, model.ReasonTimeout, "the milestone timeout expired")
}

// inferReason maps the last reports and thought onto a failure reason.
func (e *MicroExecutor) inferReason(state *loopState) model.FailureReason {
	thought := strings.ToLower(state.lastThought)
	switch {
	case containsAny(thought, "dialog", "popup", "pop-up", "modal"):
		return model.ReasonUnexpectedDialog
	case containsAny(thought, "not responding", "frozen", "beachball", "hang"):
		return model.ReasonAppNotResponding
	case containsAny(thought, "cannot find", "can't find", "not found", "no such element", "don't see", "do not see"):
		return model.ReasonElementNotFound
	}

	misses := 0
	for _, report := range state.recentReports {
		if !report.Success && report.ExceedsDeviation(e.deviation) {
			misses++
		}
	}
	if misses >= 2 {
		return model.ReasonClickMissed
	}

	if len(state.recentActions) == reportWindow &&
		state.recentActions[0] == state.recentActions[1] &&
		state.recentActions[1] == state.recentActions[2] {
		return model.ReasonInfiniteLoop
	}
	return model.ReasonUnknown
}

// emit targets the owning session when one exists, else broadcasts.
func (e *MicroExecutor) emit(sessionID string, event push.Event) {
	if sessionID != "" && e.deps.Sink.SendByID(sessionID, event) {
		return
	}
	e.deps.Sink.Broadcast(event)
}

func deviationHint(described string, report model.ExecutionReport) string {
	if report.DeviationX != 0 || report.DeviationY != 0 {
		return fmt.Sprintf(
			"The action %q missed: the cursor landed at (%d,%d) instead of (%d,%d), deviation (%d,%d). Re-aim using the new screenshot.",
			described, report.ActualX, report.ActualY,
			report.RequestedX, report.RequestedY,
			report.DeviationX, report.DeviationY)
	}
	if report.Message != "" {
		return fmt.Sprintf("The action %q failed: %s", described, report.Message)
	}
	return fmt.Sprintf("The action %q failed. Reassess from the new screenshot.", described)
}

func resultWord(report model.ExecutionReport, err error) string {
	if err != nil {
		return "error"
	}
	if report.Success {
		return "ok"
	}
	return "failed"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func appendBounded(list []string, v string, max int) []string {
	list = append(list, v)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func appendBoundedReport(list []model.ExecutionReport, v model.ExecutionReport, max int) []model.ExecutionReport {
	list = append(list, v)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func settle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

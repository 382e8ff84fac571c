package actuator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/model"
)

// dragDwell is the hold time around a drag's press and release. Shorter
// dwells make macOS treat the gesture as a click.
const dragDwell = 50 * time.Millisecond

// Actuator is the public control surface. It clamps pointer targets to the
// safe zone, moves along generated paths, verifies the landing position and
// reports deviation. Pointer misses are unsuccessful reports, not errors;
// only hard environment faults (missing tool, revoked permission) surface
// as *faults.ActuatorError.
type Actuator struct {
	driver Driver
	cfg    config.ActuatorConfig
	logger *zap.Logger

	sizeOnce sync.Once
	screenW  int
	screenH  int
}

// New creates an actuator over the platform driver.
func New(driver Driver, cfg config.ActuatorConfig, logger *zap.Logger) *Actuator {
	return &Actuator{driver: driver, cfg: cfg, logger: logger.Named("actuator")}
}

// ShellResult is the outcome of a shell or OS-script execution.
type ShellResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Perform translates one decision action into the matching primitive.
// complete_milestone is a control signal; performing it is a no-op success.
func (a *Actuator) Perform(ctx context.Context, action model.Action) (model.ExecutionReport, error) {
	switch action.Kind {
	case model.ActionClick:
		return a.Click(ctx, action.X, action.Y)
	case model.ActionDoubleClick:
		return a.DoubleClick(ctx, action.X, action.Y)
	case model.ActionRightClick:
		return a.RightClick(ctx, action.X, action.Y)
	case model.ActionDrag:
		return a.Drag(ctx, action.X, action.Y, action.ToX, action.ToY)
	case model.ActionScroll:
		return a.Scroll(ctx, action.Amount)
	case model.ActionType:
		return a.Type(ctx, action.Text)
	case model.ActionKey:
		return a.Key(ctx, action.Combo)
	case model.ActionShellExec:
		result, err := a.ShellExec(ctx, action.Command, 0)
		report := model.ExecutionReport{Success: result.Success, Message: result.Output}
		return report, err
	case model.ActionOpenApp:
		return a.OpenApp(ctx, action.App)
	case model.ActionWait:
		return a.WaitMs(ctx, action.WaitMs)
	case model.ActionCompleteMilestone:
		return model.ExecutionReport{Success: true, Message: action.Summary}, nil
	default:
		return model.ExecutionReport{Message: "unknown action kind"}, nil
	}
}

// MoveTo moves the cursor to the clamped target along a generated path.
func (a *Actuator) MoveTo(ctx context.Context, x, y int) (model.ExecutionReport, error) {
	return a.pointerOp(ctx, x, y, func(opCtx context.Context, tx, ty int) error {
		return nil // travel to the target is the whole operation
	})
}

// Click performs a single left click at the clamped target.
func (a *Actuator) Click(ctx context.Context, x, y int) (model.ExecutionReport, error) {
	return a.pointerOp(ctx, x, y, func(opCtx context.Context, tx, ty int) error {
		return a.driver.ClickAt(opCtx, tx, ty, ButtonLeft, 1)
	})
}

// DoubleClick performs a double left click at the clamped target.
func (a *Actuator) DoubleClick(ctx context.Context, x, y int) (model.ExecutionReport, error) {
	return a.pointerOp(ctx, x, y, func(opCtx context.Context, tx, ty int) error {
		return a.driver.ClickAt(opCtx, tx, ty, ButtonLeft, 2)
	})
}

// RightClick performs a context click at the clamped target.
func (a *Actuator) RightClick(ctx context.Context, x, y int) (model.ExecutionReport, error) {
	return a.pointerOp(ctx, x, y, func(opCtx context.Context, tx, ty int) error {
		return a.driver.ClickAt(opCtx, tx, ty, ButtonRight, 1)
	})
}

// Drag presses at the clamped start, travels to the clamped end and
// releases. The gesture dwells around press and release and uses enough
// path steps that the OS does not cancel the drag.
func (a *Actuator) Drag(ctx context.Context, x1, y1, x2, y2 int) (model.ExecutionReport, error) {
	started := time.Now()

	fx, fy := a.clamp(ctx, x1, y1)
	tx, ty := a.clamp(ctx, x2, y2)

	report := model.ExecutionReport{RequestedX: x2, RequestedY: y2}
	fail := func(err error) (model.ExecutionReport, error) {
		report.ExecutionMs = time.Since(started).Milliseconds()
		report.Message = err.Error()
		if ae, ok := faults.AsActuatorError(err); ok && ae.Category != faults.ActuatorOSFailure {
			return report, err
		}
		return report, nil
	}

	if err := a.driver.MoveTo(ctx, fx, fy); err != nil {
		return fail(err)
	}
	if err := a.driver.ButtonDown(ctx, ButtonLeft); err != nil {
		return fail(err)
	}
	sleepCtx(ctx, dragDwell)

	steps := dragSteps(fx, fy, tx, ty)
	for _, p := range straightPath(point{fx, fy}, point{tx, ty}, steps) {
		if err := a.driver.MoveTo(ctx, p.x, p.y); err != nil {
			_ = a.driver.ButtonUp(ctx, ButtonLeft)
			return fail(err)
		}
		sleepCtx(ctx, time.Millisecond)
	}

	sleepCtx(ctx, dragDwell)
	if err := a.driver.ButtonUp(ctx, ButtonLeft); err != nil {
		return fail(err)
	}

	return a.verify(ctx, report, tx, ty, started), nil
}

// Scroll scrolls vertically; negative amounts scroll down.
func (a *Actuator) Scroll(ctx context.Context, amount int) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.Scroll(opCtx, amount)
	})
}

// Type types literal text into the focused control.
func (a *Actuator) Type(ctx context.Context, text string) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.TypeText(opCtx, text)
	})
}

// Key presses a chord like "cmd+shift+s" or a named key like "enter".
func (a *Actuator) Key(ctx context.Context, combo string) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.KeyCombo(opCtx, combo)
	})
}

// Named key and editing shortcuts. All delegate to Key with the platform's
// primary modifier where one applies.

func (a *Actuator) PressEnter(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, "enter")
}

func (a *Actuator) PressEscape(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, "escape")
}

func (a *Actuator) PressTab(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, "tab")
}

func (a *Actuator) PressBackspace(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, "backspace")
}

func (a *Actuator) Copy(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, a.driver.ShortcutModifier()+"+c")
}

func (a *Actuator) Paste(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, a.driver.ShortcutModifier()+"+v")
}

func (a *Actuator) Save(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, a.driver.ShortcutModifier()+"+s")
}

func (a *Actuator) Undo(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, a.driver.ShortcutModifier()+"+z")
}

func (a *Actuator) SelectAll(ctx context.Context) (model.ExecutionReport, error) {
	return a.Key(ctx, a.driver.ShortcutModifier()+"+a")
}

// ShellExec runs a shell command under a hard timeout. The process group
// is killed when the deadline passes. A zero timeout uses the configured
// default.
func (a *Actuator) ShellExec(ctx context.Context, command string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = a.cfg.ShellTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := ShellResult{Success: err == nil, Output: text, ExitCode: exitCode}
	if err == nil {
		return result, nil
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return result, faults.NewActuatorError(faults.ActuatorTimeout,
			fmt.Sprintf("shell command exceeded %s", timeout), err)
	}
	a.logger.Debug("shell command failed",
		zap.String("command", truncateForLog(command)), zap.Int("exit", result.ExitCode))
	return result, nil
}

// OsScript runs an AppleScript (or shell script elsewhere) under a hard
// timeout.
func (a *Actuator) OsScript(ctx context.Context, script string, timeout time.Duration) (ShellResult, error) {
	if timeout <= 0 {
		timeout = a.cfg.ShellTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := runCommandInput(execCtx, script, "osascript", "-")
	if err != nil {
		result := ShellResult{Output: output, ExitCode: 1}
		if ae, ok := faults.AsActuatorError(err); ok && ae.Category != faults.ActuatorOSFailure {
			return result, err
		}
		return result, nil
	}
	return ShellResult{Success: true, Output: output}, nil
}

// OpenApp launches or focuses an application by name.
func (a *Actuator) OpenApp(ctx context.Context, name string) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.OpenApp(opCtx, name)
	})
}

// OpenURL opens a URL in the default browser.
func (a *Actuator) OpenURL(ctx context.Context, url string) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.OpenURL(opCtx, url)
	})
}

// Reveal shows a path in the system file browser.
func (a *Actuator) Reveal(ctx context.Context, path string) (model.ExecutionReport, error) {
	return a.simpleOp(ctx, func(opCtx context.Context) error {
		return a.driver.Reveal(opCtx, path)
	})
}

// ClipboardGet returns the clipboard text.
func (a *Actuator) ClipboardGet(ctx context.Context) (string, error) {
	return a.driver.ClipboardGet(ctx)
}

// ClipboardSet replaces the clipboard text.
func (a *Actuator) ClipboardSet(ctx context.Context, text string) error {
	return a.driver.ClipboardSet(ctx, text)
}

// VolumeGet returns the output volume, 0-100.
func (a *Actuator) VolumeGet(ctx context.Context) (int, error) {
	return a.driver.VolumeGet(ctx)
}

// VolumeSet sets the output volume, 0-100.
func (a *Actuator) VolumeSet(ctx context.Context, volume int) error {
	return a.driver.VolumeSet(ctx, volume)
}

// ScreenshotToFile writes a PNG screenshot of the primary display.
func (a *Actuator) ScreenshotToFile(ctx context.Context, path string) error {
	return a.driver.CaptureScreen(ctx, path)
}

// Notify shows a desktop notification.
func (a *Actuator) Notify(ctx context.Context, title, message string) error {
	return a.driver.Notify(ctx, title, message)
}

// WaitMs pauses between actions. Always succeeds unless the context ends.
func (a *Actuator) WaitMs(ctx context.Context, ms int) (model.ExecutionReport, error) {
	started := time.Now()
	sleepCtx(ctx, time.Duration(ms)*time.Millisecond)
	return model.ExecutionReport{
		Success:     ctx.Err() == nil,
		ExecutionMs: time.Since(started).Milliseconds(),
	}, nil
}

// pointerOp clamps the target, travels there, runs op at the landing
// point and verifies the cursor position afterwards.
func (a *Actuator) pointerOp(ctx context.Context, x, y int, op func(context.Context, int, int) error) (model.ExecutionReport, error) {
	started := time.Now()
	report := model.ExecutionReport{RequestedX: x, RequestedY: y}

	tx, ty := a.clamp(ctx, x, y)
	if tx != x || ty != y {
		a.logger.Debug("target clamped to safe zone",
			zap.Int("x", x), zap.Int("y", y), zap.Int("clamped_x", tx), zap.Int("clamped_y", ty))
	}

	if err := a.travel(ctx, tx, ty); err != nil {
		return a.pointerFailure(report, started, err)
	}
	if err := op(ctx, tx, ty); err != nil {
		return a.pointerFailure(report, started, err)
	}

	return a.verify(ctx, report, tx, ty, started), nil
}

// simpleOp wraps a non-pointer primitive into a report. Hard faults still
// propagate so the executor can count permission failures.
func (a *Actuator) simpleOp(ctx context.Context, op func(context.Context) error) (model.ExecutionReport, error) {
	started := time.Now()
	err := op(ctx)
	report := model.ExecutionReport{
		Success:     err == nil,
		ExecutionMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		report.Message = err.Error()
		if ae, ok := faults.AsActuatorError(err); ok && ae.Category != faults.ActuatorOSFailure {
			return report, err
		}
	}
	return report, nil
}

// travel moves the cursor to the target along a Bézier path in human-like
// mode, or a straight path in mechanical mode.
func (a *Actuator) travel(ctx context.Context, tx, ty int) error {
	cx, cy, err := a.driver.CursorPos(ctx)
	if err != nil {
		// No known origin: jump straight to the target.
		return a.driver.MoveTo(ctx, tx, ty)
	}

	from, to := point{cx, cy}, point{tx, ty}
	var path []point
	if a.cfg.HumanLike {
		path = bezierPath(from, to, travelSteps(from, to))
	} else {
		path = straightPath(from, to, travelSteps(from, to))
	}

	for _, p := range path {
		if err := a.driver.MoveTo(ctx, p.x, p.y); err != nil {
			return err
		}
		if a.cfg.HumanLike {
			sleepCtx(ctx, stepDelay())
		}
	}
	return a.driver.MoveTo(ctx, tx, ty)
}

// verify reads back the cursor position and fills the deviation fields.
// An unreadable position counts as landing on target.
func (a *Actuator) verify(ctx context.Context, report model.ExecutionReport, tx, ty int, started time.Time) model.ExecutionReport {
	report.ActualX, report.ActualY = tx, ty
	if ax, ay, err := a.driver.CursorPos(ctx); err == nil {
		report.ActualX, report.ActualY = ax, ay
	}
	report.DeviationX = report.ActualX - tx
	report.DeviationY = report.ActualY - ty
	report.ExecutionMs = time.Since(started).Milliseconds()
	report.Success = !report.ExceedsDeviation(a.cfg.DeviationThreshold)
	if !report.Success {
		report.Message = fmt.Sprintf("cursor deviated by (%d, %d)", report.DeviationX, report.DeviationY)
	}
	return report
}

func (a *Actuator) pointerFailure(report model.ExecutionReport, started time.Time, err error) (model.ExecutionReport, error) {
	report.ExecutionMs = time.Since(started).Milliseconds()
	report.Message = err.Error()
	if ae, ok := faults.AsActuatorError(err); ok && ae.Category != faults.ActuatorOSFailure {
		return report, err
	}
	return report, nil
}

// clamp forces a target into the safe zone. Right and bottom margins apply
// only once the screen size is known; top and left always apply.
func (a *Actuator) clamp(ctx context.Context, x, y int) (int, int) {
	a.sizeOnce.Do(func() {
		if w, h, err := a.driver.ScreenSize(ctx); err == nil {
			a.screenW, a.screenH = w, h
		} else {
			a.logger.Warn("screen size unavailable, clamping top and left only", zap.Error(err))
		}
	})

	if x < a.cfg.SafeLeft {
		x = a.cfg.SafeLeft
	}
	if y < a.cfg.SafeTop {
		y = a.cfg.SafeTop
	}
	if a.screenW > 0 && x > a.screenW-1-a.cfg.SafeRight {
		x = a.screenW - 1 - a.cfg.SafeRight
	}
	if a.screenH > 0 && y > a.screenH-1-a.cfg.SafeBottom {
		y = a.screenH - 1 - a.cfg.SafeBottom
	}
	return x, y
}

// sleepCtx sleeps unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func truncateForLog(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

package actuator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lavisapp/lavis/faults"
)

// darwinDriver drives macOS through cliclick and osascript.
type darwinDriver struct{}

func newDarwinDriver() *darwinDriver { return &darwinDriver{} }

func (d *darwinDriver) MoveTo(ctx context.Context, x, y int) error {
	_, err := runCommand(ctx, "cliclick", fmt.Sprintf("m:%d,%d", x, y))
	return err
}

func (d *darwinDriver) CursorPos(ctx context.Context) (int, int, error) {
	out, err := runCommand(ctx, "cliclick", "p")
	if err != nil {
		return 0, 0, err
	}
	return parsePoint(out)
}

func (d *darwinDriver) ButtonDown(ctx context.Context, button MouseButton) error {
	x, y, err := d.CursorPos(ctx)
	if err != nil {
		return err
	}
	// cliclick only drags with the left button.
	_, err = runCommand(ctx, "cliclick", fmt.Sprintf("dd:%d,%d", x, y))
	return err
}

func (d *darwinDriver) ButtonUp(ctx context.Context, button MouseButton) error {
	x, y, err := d.CursorPos(ctx)
	if err != nil {
		return err
	}
	_, err = runCommand(ctx, "cliclick", fmt.Sprintf("du:%d,%d", x, y))
	return err
}

func (d *darwinDriver) ClickAt(ctx context.Context, x, y int, button MouseButton, count int) error {
	op := "c"
	switch {
	case button == ButtonRight:
		op = "rc"
	case count >= 2:
		op = "dc"
	}
	_, err := runCommand(ctx, "cliclick", fmt.Sprintf("%s:%d,%d", op, x, y))
	return err
}

// Scroll maps wheel motion to arrow key presses; macOS has no scriptable
// wheel primitive without a custom event tap.
func (d *darwinDriver) Scroll(ctx context.Context, amount int) error {
	key := "arrow-down"
	if amount > 0 {
		key = "arrow-up"
	}
	steps := amount
	if steps < 0 {
		steps = -steps
	}
	if steps == 0 {
		return nil
	}
	args := make([]string, 0, steps)
	for i := 0; i < steps; i++ {
		args = append(args, "kp:"+key)
	}
	_, err := runCommand(ctx, "cliclick", args...)
	return err
}

func (d *darwinDriver) TypeText(ctx context.Context, text string) error {
	_, err := runCommand(ctx, "cliclick", "t:"+text)
	return err
}

func (d *darwinDriver) KeyCombo(ctx context.Context, combo string) error {
	script, err := keystrokeScript(combo)
	if err != nil {
		return err
	}
	_, err = runCommandInput(ctx, script, "osascript", "-")
	return err
}

func (d *darwinDriver) ShortcutModifier() string { return "cmd" }

func (d *darwinDriver) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := runCommand(ctx, "osascript", "-e",
		`tell application "Finder" to get bounds of window of desktop`)
	if err != nil {
		return 0, 0, err
	}
	// Output shape: "0, 0, 1512, 982".
	parts := strings.Split(out, ",")
	if len(parts) != 4 {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected desktop bounds: "+out, nil)
	}
	width, werr := strconv.Atoi(strings.TrimSpace(parts[2]))
	height, herr := strconv.Atoi(strings.TrimSpace(parts[3]))
	if werr != nil || herr != nil {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected desktop bounds: "+out, nil)
	}
	return width, height, nil
}

func (d *darwinDriver) OpenApp(ctx context.Context, name string) error {
	_, err := runCommand(ctx, "open", "-a", name)
	return err
}

func (d *darwinDriver) OpenURL(ctx context.Context, url string) error {
	_, err := runCommand(ctx, "open", url)
	return err
}

func (d *darwinDriver) Reveal(ctx context.Context, path string) error {
	_, err := runCommand(ctx, "open", "-R", path)
	return err
}

func (d *darwinDriver) ClipboardGet(ctx context.Context) (string, error) {
	return runCommand(ctx, "pbpaste")
}

func (d *darwinDriver) ClipboardSet(ctx context.Context, text string) error {
	_, err := runCommandInput(ctx, text, "pbcopy")
	return err
}

func (d *darwinDriver) VolumeGet(ctx context.Context) (int, error) {
	out, err := runCommand(ctx, "osascript", "-e", "output volume of (get volume settings)")
	if err != nil {
		return 0, err
	}
	volume, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected volume output: "+out, convErr)
	}
	return volume, nil
}

func (d *darwinDriver) VolumeSet(ctx context.Context, volume int) error {
	_, err := runCommand(ctx, "osascript", "-e",
		fmt.Sprintf("set volume output volume %d", clampRange(volume, 0, 100)))
	return err
}

func (d *darwinDriver) CaptureScreen(ctx context.Context, path string) error {
	_, err := runCommand(ctx, "screencapture", "-x", "-t", "png", path)
	return err
}

func (d *darwinDriver) Notify(ctx context.Context, title, message string) error {
	script := fmt.Sprintf("display notification %s with title %s",
		appleScriptString(message), appleScriptString(title))
	_, err := runCommandInput(ctx, script, "osascript", "-")
	return err
}

// keystrokeScript builds the System Events AppleScript for a chord like
// "cmd+shift+s" or a named key like "enter".
func keystrokeScript(combo string) (string, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(combo)), "+")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return "", faults.NewActuatorError(faults.ActuatorOSFailure, "empty key combo", nil)
	}

	key := strings.TrimSpace(parts[len(parts)-1])
	var modifiers []string
	for _, part := range parts[:len(parts)-1] {
		switch strings.TrimSpace(part) {
		case "cmd", "command", "meta":
			modifiers = append(modifiers, "command down")
		case "ctrl", "control":
			modifiers = append(modifiers, "control down")
		case "shift":
			modifiers = append(modifiers, "shift down")
		case "alt", "opt", "option":
			modifiers = append(modifiers, "option down")
		}
	}

	using := ""
	if len(modifiers) > 0 {
		using = " using {" + strings.Join(modifiers, ", ") + "}"
	}

	if code, ok := darwinKeyCodes[key]; ok {
		return fmt.Sprintf(`tell application "System Events" to key code %d%s`, code, using), nil
	}
	return fmt.Sprintf(`tell application "System Events" to keystroke %s%s`,
		appleScriptString(key), using), nil
}

// darwinKeyCodes maps named keys to macOS virtual key codes.
var darwinKeyCodes = map[string]int{
	"enter":     36,
	"return":    36,
	"tab":       48,
	"space":     49,
	"backspace": 51,
	"escape":    53,
	"esc":       53,
	"delete":    117,
	"left":      123,
	"right":     124,
	"down":      125,
	"up":        126,
}

// appleScriptString quotes a Go string as an AppleScript literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func parsePoint(out string) (int, int, error) {
	// cliclick prints "x,y".
	parts := strings.Split(strings.TrimSpace(out), ",")
	if len(parts) != 2 {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected cursor position: "+out, nil)
	}
	x, xerr := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, yerr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if xerr != nil || yerr != nil {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected cursor position: "+out, nil)
	}
	return x, y, nil
}

func clampRange(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

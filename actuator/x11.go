package actuator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lavisapp/lavis/faults"
)

// x11Driver drives Linux desktops through xdotool and friends.
type x11Driver struct{}

func newX11Driver() *x11Driver { return &x11Driver{} }

func (d *x11Driver) MoveTo(ctx context.Context, x, y int) error {
	_, err := runCommand(ctx, "xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (d *x11Driver) CursorPos(ctx context.Context) (int, int, error) {
	out, err := runCommand(ctx, "xdotool", "getmouselocation", "--shell")
	if err != nil {
		return 0, 0, err
	}
	// Output shape: "X=512\nY=384\nSCREEN=0\nWINDOW=...".
	x, y := -1, -1
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "X="); ok {
			x, _ = strconv.Atoi(strings.TrimSpace(v))
		}
		if v, ok := strings.CutPrefix(line, "Y="); ok {
			y, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if x < 0 || y < 0 {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected mouse location: "+out, nil)
	}
	return x, y, nil
}

func (d *x11Driver) ButtonDown(ctx context.Context, button MouseButton) error {
	_, err := runCommand(ctx, "xdotool", "mousedown", x11Button(button))
	return err
}

func (d *x11Driver) ButtonUp(ctx context.Context, button MouseButton) error {
	_, err := runCommand(ctx, "xdotool", "mouseup", x11Button(button))
	return err
}

func (d *x11Driver) ClickAt(ctx context.Context, x, y int, button MouseButton, count int) error {
	if err := d.MoveTo(ctx, x, y); err != nil {
		return err
	}
	args := []string{"click"}
	if count >= 2 {
		args = append(args, "--repeat", strconv.Itoa(count), "--delay", "50")
	}
	args = append(args, x11Button(button))
	_, err := runCommand(ctx, "xdotool", args...)
	return err
}

func (d *x11Driver) Scroll(ctx context.Context, amount int) error {
	// Wheel up is button 4, wheel down is button 5.
	button := "5"
	if amount > 0 {
		button = "4"
	}
	steps := amount
	if steps < 0 {
		steps = -steps
	}
	if steps == 0 {
		return nil
	}
	_, err := runCommand(ctx, "xdotool", "click", "--repeat", strconv.Itoa(steps), "--delay", "30", button)
	return err
}

func (d *x11Driver) TypeText(ctx context.Context, text string) error {
	_, err := runCommand(ctx, "xdotool", "type", "--delay", "20", "--", text)
	return err
}

func (d *x11Driver) KeyCombo(ctx context.Context, combo string) error {
	_, err := runCommand(ctx, "xdotool", "key", "--clearmodifiers", x11Chord(combo))
	return err
}

func (d *x11Driver) ShortcutModifier() string { return "ctrl" }

func (d *x11Driver) ScreenSize(ctx context.Context) (int, int, error) {
	out, err := runCommand(ctx, "xdotool", "getdisplaygeometry")
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected display geometry: "+out, nil)
	}
	width, werr := strconv.Atoi(parts[0])
	height, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil {
		return 0, 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected display geometry: "+out, nil)
	}
	return width, height, nil
}

func (d *x11Driver) OpenApp(ctx context.Context, name string) error {
	if _, err := runCommand(ctx, "gtk-launch", name); err == nil {
		return nil
	}
	// Fall back to treating the name as an executable on PATH.
	_, err := runCommand(ctx, "sh", "-c", fmt.Sprintf("nohup %s >/dev/null 2>&1 &", shellQuote(name)))
	return err
}

func (d *x11Driver) OpenURL(ctx context.Context, url string) error {
	_, err := runCommand(ctx, "xdg-open", url)
	return err
}

func (d *x11Driver) Reveal(ctx context.Context, path string) error {
	_, err := runCommand(ctx, "xdg-open", parentDir(path))
	return err
}

func (d *x11Driver) ClipboardGet(ctx context.Context) (string, error) {
	return runCommand(ctx, "xclip", "-selection", "clipboard", "-o")
}

func (d *x11Driver) ClipboardSet(ctx context.Context, text string) error {
	_, err := runCommandInput(ctx, text, "xclip", "-selection", "clipboard")
	return err
}

func (d *x11Driver) VolumeGet(ctx context.Context) (int, error) {
	out, err := runCommand(ctx, "pactl", "get-sink-volume", "@DEFAULT_SINK@")
	if err != nil {
		return 0, err
	}
	// Output shape: "Volume: front-left: 39322 /  60% / ...".
	for _, field := range strings.Fields(out) {
		if v, ok := strings.CutSuffix(field, "%"); ok {
			volume, convErr := strconv.Atoi(v)
			if convErr == nil {
				return volume, nil
			}
		}
	}
	return 0, faults.NewActuatorError(faults.ActuatorOSFailure, "unexpected volume output: "+out, nil)
}

func (d *x11Driver) VolumeSet(ctx context.Context, volume int) error {
	_, err := runCommand(ctx, "pactl", "set-sink-volume", "@DEFAULT_SINK@",
		fmt.Sprintf("%d%%", clampRange(volume, 0, 100)))
	return err
}

func (d *x11Driver) CaptureScreen(ctx context.Context, path string) error {
	if _, err := runCommand(ctx, "gnome-screenshot", "-f", path); err == nil {
		return nil
	}
	_, err := runCommand(ctx, "import", "-window", "root", path)
	return err
}

func (d *x11Driver) Notify(ctx context.Context, title, message string) error {
	_, err := runCommand(ctx, "notify-send", title, message)
	return err
}

func x11Button(button MouseButton) string {
	if button == ButtonRight {
		return "3"
	}
	return "1"
}

// x11Chord rewrites a chord like "cmd+shift+s" into xdotool syntax,
// translating the macOS-flavored modifier names callers tend to use.
func x11Chord(combo string) string {
	parts := strings.Split(strings.TrimSpace(combo), "+")
	for i, part := range parts {
		p := strings.ToLower(strings.TrimSpace(part))
		if name, ok := x11KeyNames[p]; ok {
			parts[i] = name
			continue
		}
		parts[i] = p
	}
	return strings.Join(parts, "+")
}

var x11KeyNames = map[string]string{
	"cmd":       "ctrl",
	"command":   "ctrl",
	"meta":      "super",
	"opt":       "alt",
	"option":    "alt",
	"enter":     "Return",
	"return":    "Return",
	"escape":    "Escape",
	"esc":       "Escape",
	"tab":       "Tab",
	"space":     "space",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"left":      "Left",
	"right":     "Right",
	"up":        "Up",
	"down":      "Down",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Page_Up",
	"pagedown":  "Page_Down",
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

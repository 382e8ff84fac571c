// Package actuator provides pointer, keyboard, shell and OS primitives
// with coordinate safety and deviation reporting.
//
// Information Hiding:
// - OS tool invocation hidden behind the Driver interface
// - Safe-zone clamping and path generation hidden from callers
package actuator

import (
	"context"
	"runtime"
)

// MouseButton identifies a pointer button.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonRight
)

// Driver is the raw OS control surface. Implementations translate each
// primitive into one platform tool invocation; they do no clamping, no
// pathing and no retries.
type Driver interface {
	// MoveTo places the cursor at logical coordinates.
	MoveTo(ctx context.Context, x, y int) error

	// CursorPos reports the cursor's current logical coordinates.
	CursorPos(ctx context.Context) (x, y int, err error)

	// ButtonDown presses and holds a pointer button.
	ButtonDown(ctx context.Context, button MouseButton) error

	// ButtonUp releases a pointer button.
	ButtonUp(ctx context.Context, button MouseButton) error

	// ClickAt clicks count times with the button at the coordinates.
	ClickAt(ctx context.Context, x, y int, button MouseButton, count int) error

	// Scroll scrolls vertically; negative amounts scroll down.
	Scroll(ctx context.Context, amount int) error

	// TypeText types literal text into the focused control.
	TypeText(ctx context.Context, text string) error

	// KeyCombo presses a chord like "cmd+shift+s" or "enter".
	KeyCombo(ctx context.Context, combo string) error

	// ShortcutModifier returns the platform's primary shortcut modifier
	// ("cmd" or "ctrl").
	ShortcutModifier() string

	// ScreenSize reports the logical size of the primary display.
	ScreenSize(ctx context.Context) (width, height int, err error)

	// OpenApp launches or focuses an application by name.
	OpenApp(ctx context.Context, name string) error

	// OpenURL opens a URL in the default browser.
	OpenURL(ctx context.Context, url string) error

	// Reveal shows a path in the system file browser.
	Reveal(ctx context.Context, path string) error

	// ClipboardGet returns the clipboard text.
	ClipboardGet(ctx context.Context) (string, error)

	// ClipboardSet replaces the clipboard text.
	ClipboardSet(ctx context.Context, text string) error

	// VolumeGet returns the output volume, 0-100.
	VolumeGet(ctx context.Context) (int, error)

	// VolumeSet sets the output volume, 0-100.
	VolumeSet(ctx context.Context, volume int) error

	// CaptureScreen writes a PNG screenshot of the primary display.
	CaptureScreen(ctx context.Context, path string) error

	// Notify shows a desktop notification.
	Notify(ctx context.Context, title, message string) error
}

// NewSystemDriver returns the driver for the current platform.
func NewSystemDriver() Driver {
	if runtime.GOOS == "darwin" {
		return newDarwinDriver()
	}
	return newX11Driver()
}

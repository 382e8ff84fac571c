// Package screen captures the primary display for the decision loop.
package screen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/lavisapp/lavis/faults"
)

// Grabber produces one PNG frame of the primary display. Implementations
// do no decoding or scaling.
type Grabber interface {
	CapturePNG(ctx context.Context) ([]byte, error)
}

// execGrabber shells out to the platform screenshot tool through a
// temporary file.
type execGrabber struct{}

// NewSystemGrabber returns the grabber for the current platform.
func NewSystemGrabber() Grabber { return &execGrabber{} }

func (g *execGrabber) CapturePNG(ctx context.Context) ([]byte, error) {
	path := filepath.Join(os.TempDir(), "lavis-frame-"+uuid.NewString()+".png")
	defer os.Remove(path)

	if err := captureToFile(ctx, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.NewActuatorError(faults.ActuatorOSFailure, "read captured frame", err)
	}
	if len(data) == 0 {
		return nil, faults.NewActuatorError(faults.ActuatorPermission,
			"screenshot tool produced an empty frame; screen recording permission may be missing", nil)
	}
	return data, nil
}

func captureToFile(ctx context.Context, path string) error {
	var candidates [][]string
	if runtime.GOOS == "darwin" {
		candidates = [][]string{{"screencapture", "-x", "-t", "png", path}}
	} else {
		candidates = [][]string{
			{"gnome-screenshot", "-f", path},
			{"import", "-window", "root", path},
			{"scrot", path},
		}
	}

	var lastErr error
	for _, argv := range candidates {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		output, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		text := strings.TrimSpace(string(output))
		if isPermissionRefusal(text) {
			return faults.NewActuatorError(faults.ActuatorPermission,
				argv[0]+" lacks screen recording permission", err)
		}
		if execErr := new(exec.Error); errors.As(err, &execErr) {
			lastErr = err
			continue // tool not installed, try the next one
		}
		msg := argv[0] + " failed"
		if text != "" {
			msg += ": " + text
		}
		return faults.NewActuatorError(faults.ActuatorOSFailure, msg, err)
	}
	return faults.NewActuatorError(faults.ActuatorOSFailure,
		fmt.Sprintf("no screenshot tool available on %s", runtime.GOOS), lastErr)
}

func isPermissionRefusal(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "screen recording") ||
		strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "permission denied")
}

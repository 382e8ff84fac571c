package actuator

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/lavisapp/lavis/faults"
)

// runCommand executes one OS tool and returns its combined output.
// Failures are classified: missing accessibility/screen-recording grants
// surface as PERMISSION so the executor can stop retrying a lost cause.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	return runCommandInput(ctx, "", name, args...)
}

// runCommandInput is runCommand with data piped to stdin.
func runCommandInput(ctx context.Context, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return text, faults.NewActuatorError(faults.ActuatorTimeout, name+" timed out", err)
	}
	if isPermissionDenied(text) {
		return text, faults.NewActuatorError(faults.ActuatorPermission,
			name+" lacks accessibility or screen-recording permission", err)
	}
	if execErr := new(exec.Error); errors.As(err, &execErr) {
		return text, faults.NewActuatorError(faults.ActuatorOSFailure, name+" not available", err)
	}

	msg := name + " failed"
	if text != "" {
		msg += ": " + text
	}
	return text, faults.NewActuatorError(faults.ActuatorOSFailure, msg, err)
}

// isPermissionDenied sniffs tool output for the macOS/X11 permission
// refusals. Kept in one place; nothing else matches on these strings.
func isPermissionDenied(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "assistive access") ||
		strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "not permitted") ||
		strings.Contains(lower, "screen recording") ||
		strings.Contains(lower, "permission denied")
}

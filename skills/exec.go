package skills

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
)

// Command prefixes selecting the execution path. A command without a
// prefix runs as a shell command.
const (
	shellPrefix = "shell:"
	agentPrefix = "agent:"
)

// defaultShellTimeout bounds shell: skill commands.
const defaultShellTimeout = 60 * time.Second

// Execute runs a skill by name or tool name with the given arguments
// and returns its textual result. The skill's use counter is bumped on
// every attempt, successful or not.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	skill, ok := r.Get(name)
	if !ok {
		return "", faults.NewSkillError(faults.SkillNotFound, name,
			fmt.Sprintf("no skill named %q", name), nil)
	}

	args, err := resolveParams(skill, params)
	if err != nil {
		return "", err
	}

	if r.mirror != nil {
		if mirrorErr := r.mirror.IncrementSkillUse(ctx, skill.Name); mirrorErr != nil {
			r.logger.Warn("skill use counter update failed",
				zap.String("skill", skill.Name), zap.Error(mirrorErr))
		}
	}

	command := skill.Command
	switch {
	case strings.HasPrefix(command, agentPrefix):
		goal := substitute(strings.TrimSpace(strings.TrimPrefix(command, agentPrefix)), args)
		return r.runAgent(ctx, skill, goal)
	case strings.HasPrefix(command, shellPrefix):
		command = strings.TrimSpace(strings.TrimPrefix(command, shellPrefix))
		fallthrough
	default:
		return r.runShell(ctx, skill, substitute(command, args))
	}
}

// runShell executes a rendered shell command through the actuator.
func (r *Registry) runShell(ctx context.Context, skill *Skill, command string) (string, error) {
	if r.shell == nil {
		return "", faults.NewSkillError(faults.SkillExecutionFailed, skill.Name,
			"no shell executor configured", nil)
	}

	r.logger.Info("executing shell skill",
		zap.String("skill", skill.Name), zap.String("command", command))

	result, err := r.shell.ShellExec(ctx, command, defaultShellTimeout)
	if err != nil {
		return "", faults.NewSkillError(faults.SkillExecutionFailed, skill.Name,
			"shell execution failed", err)
	}
	if !result.Success {
		return "", faults.NewSkillError(faults.SkillExecutionFailed, skill.Name,
			fmt.Sprintf("command exited %d: %s", result.ExitCode, strings.TrimSpace(result.Output)), nil)
	}
	return result.Output, nil
}

// runAgent dispatches an agent: command to the installed runner with the
// skill's knowledge attached. Without a runner the composed knowledge is
// returned directly, so the caller's model can apply it itself.
func (r *Registry) runAgent(ctx context.Context, skill *Skill, goal string) (string, error) {
	r.mu.RLock()
	runner := r.runner
	r.mu.RUnlock()

	if runner == nil {
		r.logger.Debug("no agent runner installed, returning skill knowledge",
			zap.String("skill", skill.Name))
		return composeKnowledge(skill, goal), nil
	}

	r.logger.Info("executing agent skill",
		zap.String("skill", skill.Name), zap.String("goal", goal))

	result, err := runner(ctx, goal, skill.Knowledge)
	if err != nil {
		return "", faults.NewSkillError(faults.SkillExecutionFailed, skill.Name,
			"agent execution failed", err)
	}
	return result, nil
}

// composeKnowledge renders a goal with the skill's knowledge body for a
// caller that will act on it without a dedicated runner.
func composeKnowledge(skill *Skill, goal string) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(goal)
	if strings.TrimSpace(skill.Knowledge) != "" {
		b.WriteString("\n\n## Skill Knowledge: ")
		b.WriteString(skill.Name)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(skill.Knowledge))
	}
	return b.String()
}

// resolveParams merges defaults into the caller's arguments and
// validates required fields and enum membership.
func resolveParams(skill *Skill, params map[string]any) (map[string]string, error) {
	args := make(map[string]string, len(skill.Parameters))
	for _, param := range skill.Parameters {
		value, present := params[param.Name]
		if !present || value == nil {
			if param.Default != nil {
				args[param.Name] = renderValue(param.Default)
				continue
			}
			if param.Required {
				return nil, faults.NewSkillError(faults.SkillInvalidParams, skill.Name,
					fmt.Sprintf("missing required parameter %q", param.Name), nil)
			}
			continue
		}

		rendered := renderValue(value)
		if len(param.Enum) > 0 && !contains(param.Enum, rendered) {
			return nil, faults.NewSkillError(faults.SkillInvalidParams, skill.Name,
				fmt.Sprintf("parameter %q must be one of %v, got %q",
					param.Name, param.Enum, rendered), nil)
		}
		args[param.Name] = rendered
	}

	// Unknown arguments are rejected so typos fail loudly instead of
	// silently rendering an un-substituted command.
	for key := range params {
		if !declaredParam(skill, key) {
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, faults.NewSkillError(faults.SkillInvalidParams, skill.Name,
				fmt.Sprintf("unknown parameter %q (got %v)", key, keys), nil)
		}
	}
	return args, nil
}

func declaredParam(skill *Skill, name string) bool {
	for _, param := range skill.Parameters {
		if param.Name == name {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// renderValue formats an argument for ${name} substitution. JSON
// numbers arrive as float64; integral ones render without a decimal.
func renderValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// substitute replaces every ${name} placeholder with its argument.
// Placeholders without an argument are left intact.
func substitute(command string, args map[string]string) string {
	out := command
	for name, value := range args {
		out = strings.ReplaceAll(out, "${"+name+"}", value)
	}
	return out
}

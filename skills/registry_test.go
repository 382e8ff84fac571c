package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/store"
)

type fakeShell struct {
	mu       sync.Mutex
	commands []string
	result   actuator.ShellResult
	err      error
}

func (f *fakeShell) ShellExec(_ context.Context, command string, _ time.Duration) (actuator.ShellResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeShell) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("no shell command executed")
	}
	return f.commands[len(f.commands)-1]
}

type fakeMirror struct {
	mu       sync.Mutex
	upserted []string
	deleted  []string
	used     []string
}

func (f *fakeMirror) UpsertSkill(_ context.Context, rec store.SkillRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, rec.Name)
	return int64(len(f.upserted)), nil
}

func (f *fakeMirror) DeleteSkillByName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeMirror) IncrementSkillUse(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, name)
	return nil
}

func writeSkill(t *testing.T, root, dir, content string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(skillDir, SkillFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func skillDoc(name, command string) string {
	return "---\nname: " + name + "\ncommand: \"" + command + "\"\n---\nknowledge for " + name + "\n"
}

func TestReloadParsesTree(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "jira", skillDoc("Open Jira Ticket", "shell: jira create"))
	writeSkill(t, root, "nested/weather", skillDoc("Weather Report", "shell: curl wttr.in"))
	writeSkill(t, root, "broken", "not a skill file")

	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got := len(reg.List()); got != 2 {
		t.Fatalf("skills = %d, want 2", got)
	}
	specs := reg.ToolSpecifications()
	if len(specs) != 2 || specs[0].Name != "open_jira_ticket" || specs[1].Name != "weather_report" {
		t.Errorf("specs = %+v", specs)
	}
}

func TestReloadMissingRoot(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "absent"), &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload on missing root: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestReloadDeduplicatesNames(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a", skillDoc("Same Name", "shell: echo a"))
	writeSkill(t, root, "b", skillDoc("same name", "shell: echo b"))

	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("skills = %d, want 1 after dedupe", got)
	}
}

func TestReloadMirrorsStore(t *testing.T) {
	root := t.TempDir()
	path := writeSkill(t, root, "jira", skillDoc("Open Jira Ticket", "shell: jira create"))
	mirror := &fakeMirror{}

	reg := NewRegistry(root, &fakeShell{}, mirror, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(mirror.upserted) != 1 || mirror.upserted[0] != "Open Jira Ticket" {
		t.Errorf("upserted = %v", mirror.upserted)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(mirror.deleted) != 1 || mirror.deleted[0] != "Open Jira Ticket" {
		t.Errorf("deleted = %v", mirror.deleted)
	}
}

func TestGetByToolName(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "jira", skillDoc("Open Jira Ticket", "shell: jira create"))
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"Open Jira Ticket", "open jira ticket", "open_jira_ticket"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("Get(%q) missed", name)
		}
	}
	if _, ok := reg.Get("nonexistent"); ok {
		t.Error("Get for unknown name should miss")
	}
}

func TestListenerNotifiedAndUnregistered(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "jira", skillDoc("Open Jira Ticket", "shell: jira create"))
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())

	notified := make(chan int, 4)
	handle := reg.RegisterListener(func(specs []llm.ToolSpec) { notified <- len(specs) })

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-notified:
		if n != 1 {
			t.Errorf("listener saw %d specs, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never notified")
	}

	handle.Close()
	handle.Close() // idempotent
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-notified:
		t.Error("closed listener still notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecuteShellSubstitution(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", `---
name: Greet
command: "shell: echo hello ${who} ${tone}"
parameters:
  - name: who
    type: string
    required: true
  - name: tone
    type: string
    default: warmly
---
`)
	shell := &fakeShell{result: actuator.ShellResult{Success: true, Output: "hello world warmly\n"}}
	mirror := &fakeMirror{}
	reg := NewRegistry(root, shell, mirror, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, err := reg.Execute(context.Background(), "greet", map[string]any{"who": "world"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello world warmly\n" {
		t.Errorf("output = %q", out)
	}
	if got := shell.last(t); got != "echo hello world warmly" {
		t.Errorf("command = %q", got)
	}
	if len(mirror.used) != 1 || mirror.used[0] != "Greet" {
		t.Errorf("use counter = %v", mirror.used)
	}
}

func TestExecuteBareCommandRunsAsShell(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "ls", skillDoc("Disk Usage", "df -h"))
	shell := &fakeShell{result: actuator.ShellResult{Success: true, Output: "ok"}}
	reg := NewRegistry(root, shell, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Execute(context.Background(), "disk_usage", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := shell.last(t); got != "df -h" {
		t.Errorf("command = %q", got)
	}
}

func TestExecuteShellFailure(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "bad", skillDoc("Bad", "shell: false"))
	shell := &fakeShell{result: actuator.ShellResult{Success: false, Output: "boom", ExitCode: 3}}
	reg := NewRegistry(root, shell, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Execute(context.Background(), "bad", nil)
	var skillErr *faults.SkillError
	if !errors.As(err, &skillErr) || skillErr.Category != faults.SkillExecutionFailed {
		t.Fatalf("want SkillExecutionFailed, got %v", err)
	}
	if !strings.Contains(skillErr.Error(), "exited 3") {
		t.Errorf("error lost exit code: %v", skillErr)
	}
}

func TestExecuteUnknownSkill(t *testing.T) {
	reg := NewRegistry(t.TempDir(), &fakeShell{}, nil, zap.NewNop())
	_, err := reg.Execute(context.Background(), "ghost", nil)
	var skillErr *faults.SkillError
	if !errors.As(err, &skillErr) || skillErr.Category != faults.SkillNotFound {
		t.Fatalf("want SkillNotFound, got %v", err)
	}
}

func TestExecuteMissingRequiredParam(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", `---
name: Greet
command: "shell: echo ${who}"
parameters:
  - name: who
    required: true
---
`)
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Execute(context.Background(), "greet", nil)
	var skillErr *faults.SkillError
	if !errors.As(err, &skillErr) || skillErr.Category != faults.SkillInvalidParams {
		t.Fatalf("want SkillInvalidParams, got %v", err)
	}
}

func TestExecuteEnumViolation(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "vol", `---
name: Set Level
command: "shell: set-level ${level}"
parameters:
  - name: level
    enum: [low, high]
---
`)
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Execute(context.Background(), "set_level", map[string]any{"level": "medium"})
	var skillErr *faults.SkillError
	if !errors.As(err, &skillErr) || skillErr.Category != faults.SkillInvalidParams {
		t.Fatalf("want SkillInvalidParams, got %v", err)
	}
}

func TestExecuteUnknownParamRejected(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", skillDoc("Greet", "shell: echo hi"))
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Execute(context.Background(), "greet", map[string]any{"typo": 1}); err == nil {
		t.Fatal("expected rejection of undeclared parameter")
	}
}

func TestExecuteNumericParamRendering(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "vol", `---
name: Set Volume
command: "shell: set-volume ${level}"
parameters:
  - name: level
    type: number
    required: true
---
`)
	shell := &fakeShell{result: actuator.ShellResult{Success: true}}
	reg := NewRegistry(root, shell, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	// JSON decoding hands numbers over as float64.
	if _, err := reg.Execute(context.Background(), "set_volume", map[string]any{"level": float64(40)}); err != nil {
		t.Fatal(err)
	}
	if got := shell.last(t); got != "set-volume 40" {
		t.Errorf("command = %q", got)
	}
}

func TestExecuteAgentWithoutRunnerReturnsKnowledge(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "report", `---
name: Daily Report
command: "agent: compile the daily report for ${team}"
parameters:
  - name: team
    default: platform
---
Use the dashboard at grafana/daily.
`)
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, err := reg.Execute(context.Background(), "daily_report", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "compile the daily report for platform") {
		t.Errorf("goal not composed: %q", out)
	}
	if !strings.Contains(out, "Use the dashboard at grafana/daily.") {
		t.Errorf("knowledge not composed: %q", out)
	}
}

func TestExecuteAgentWithRunner(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "report", `---
name: Daily Report
command: "agent: compile the report"
---
dashboard knowledge
`)
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	var gotGoal, gotKnowledge string
	reg.SetRunner(func(_ context.Context, goal, knowledge string) (string, error) {
		gotGoal, gotKnowledge = goal, knowledge
		return "done", nil
	})

	out, err := reg.Execute(context.Background(), "daily_report", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "done" {
		t.Errorf("output = %q", out)
	}
	if gotGoal != "compile the report" {
		t.Errorf("goal = %q", gotGoal)
	}
	if !strings.Contains(gotKnowledge, "dashboard knowledge") {
		t.Errorf("knowledge = %q", gotKnowledge)
	}
}

func TestWatchHotReload(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry(root, &fakeShell{}, nil, zap.NewNop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Watch(ctx)
	}()

	// Give the watcher a moment to arm before mutating the tree.
	time.Sleep(100 * time.Millisecond)
	writeSkill(t, root, "late", skillDoc("Late Arrival", "shell: echo hi"))

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := reg.Get("late_arrival"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never reloaded the new skill")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

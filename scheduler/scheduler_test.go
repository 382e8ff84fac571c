package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/faults"
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
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.result, f.err
}

func newScheduler(t *testing.T, shell *fakeShell, agent AgentFunc) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	sched := New(st, shell, agent, zap.NewNop())
	t.Cleanup(sched.Stop)
	return sched, st
}

func TestNormalizeCron(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		invalid bool
	}{
		{in: "0 30 9 * * *", want: "0 30 9 * * *"},
		{in: "30 9 * * *", want: "0 30 9 * * *"},
		{in: "@hourly", want: "@hourly"},
		{in: "*/5 * * * * *", want: "*/5 * * * * *"},
		{in: "", invalid: true},
		{in: "not a cron", invalid: true},
		{in: "99 99 99 * * *", invalid: true},
	}
	for _, tc := range cases {
		got, err := normalizeCron(tc.in)
		if tc.invalid {
			if err == nil {
				t.Errorf("normalizeCron(%q) should fail", tc.in)
				continue
			}
			schedErr, ok := faults.AsSchedulerError(err)
			if !ok || schedErr.Category != faults.SchedulerInvalidCron {
				t.Errorf("normalizeCron(%q) error = %v, want INVALID_CRON", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeCron(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalizeCron(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateRejectsInvalidCron(t *testing.T) {
	sched, _ := newScheduler(t, &fakeShell{}, nil)
	if _, err := sched.Create(context.Background(), "bad", "whenever", "echo hi", true); err == nil {
		t.Fatal("expected INVALID_CRON")
	}
}

func TestCreatePersistsTask(t *testing.T) {
	sched, st := newScheduler(t, &fakeShell{}, nil)
	rec, err := sched.Create(context.Background(), "nightly", "30 2 * * *", "shell: backup.sh", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == 0 {
		t.Error("record has no id")
	}
	if rec.CronExpression != "0 30 2 * * *" {
		t.Errorf("stored cron = %q, want seconds-normalized form", rec.CronExpression)
	}

	stored, err := st.GetTask(context.Background(), rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetTask: %v, %v", stored, err)
	}
	if !stored.Enabled {
		t.Error("task should be enabled")
	}
}

func TestRunNowShellTask(t *testing.T) {
	shell := &fakeShell{result: actuator.ShellResult{Success: true, Output: "backed up"}}
	sched, st := newScheduler(t, shell, nil)

	rec, err := sched.Create(context.Background(), "backup", "@daily", "shell: backup.sh", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.RunNow(context.Background(), rec.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	if len(shell.commands) != 1 || shell.commands[0] != "backup.sh" {
		t.Errorf("commands = %v", shell.commands)
	}

	history, err := st.TaskHistory(context.Background(), rec.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("run logs = %d, want exactly 1", len(history))
	}
	if history[0].Status != store.RunSuccess || history[0].Result != "backed up" {
		t.Errorf("log = %+v", history[0])
	}

	task, _ := st.GetTask(context.Background(), rec.ID)
	if task.RunCount != 1 || task.SuccessCount != 1 {
		t.Errorf("counters = %d/%d", task.RunCount, task.SuccessCount)
	}
}

func TestRunNowBareCommandRunsAsShell(t *testing.T) {
	shell := &fakeShell{result: actuator.ShellResult{Success: true}}
	sched, _ := newScheduler(t, shell, nil)

	rec, _ := sched.Create(context.Background(), "plain", "@daily", "df -h", true)
	if err := sched.RunNow(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	if len(shell.commands) != 1 || shell.commands[0] != "df -h" {
		t.Errorf("commands = %v", shell.commands)
	}
}

func TestRunNowFailedShellLogsFailed(t *testing.T) {
	shell := &fakeShell{result: actuator.ShellResult{Success: false, Output: "exit 1", ExitCode: 1}}
	sched, st := newScheduler(t, shell, nil)

	rec, _ := sched.Create(context.Background(), "flaky", "@daily", "false", true)
	if err := sched.RunNow(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	history, _ := st.TaskHistory(context.Background(), rec.ID, 10)
	if len(history) != 1 || history[0].Status != store.RunFailed {
		t.Errorf("history = %+v", history)
	}
	task, _ := st.GetTask(context.Background(), rec.ID)
	if task.FailureCount != 1 {
		t.Errorf("failureCount = %d", task.FailureCount)
	}
}

func TestRunNowShellErrorLogsError(t *testing.T) {
	shell := &fakeShell{err: errors.New("sandbox violation")}
	sched, st := newScheduler(t, shell, nil)

	rec, _ := sched.Create(context.Background(), "broken", "@daily", "rm -rf /", true)
	if err := sched.RunNow(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	history, _ := st.TaskHistory(context.Background(), rec.ID, 10)
	if len(history) != 1 || history[0].Status != store.RunError {
		t.Fatalf("history = %+v", history)
	}
	if !strings.Contains(history[0].Error, "sandbox violation") {
		t.Errorf("log error = %q", history[0].Error)
	}
}

func TestRunNowAgentTask(t *testing.T) {
	var gotGoal string
	agent := func(_ context.Context, goal string) (string, error) {
		gotGoal = goal
		return "note created", nil
	}
	sched, st := newScheduler(t, &fakeShell{}, agent)

	rec, _ := sched.Create(context.Background(), "morning", "@daily", "agent: create the daily note", true)
	if err := sched.RunNow(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	if gotGoal != "create the daily note" {
		t.Errorf("goal = %q", gotGoal)
	}

	history, _ := st.TaskHistory(context.Background(), rec.ID, 10)
	if len(history) != 1 || history[0].Status != store.RunSuccess || history[0].Result != "note created" {
		t.Errorf("history = %+v", history)
	}
}

func TestEnableDisableLifecycle(t *testing.T) {
	sched, _ := newScheduler(t, &fakeShell{}, nil)
	rec, _ := sched.Create(context.Background(), "t", "@daily", "echo", false)

	if err := sched.Disable(context.Background(), rec.ID); err == nil {
		t.Error("disabling a disabled task should fail")
	} else if schedErr, _ := faults.AsSchedulerError(err); schedErr.Category != faults.SchedulerAlreadyDisabled {
		t.Errorf("category = %v", schedErr.Category)
	}

	if err := sched.Enable(context.Background(), rec.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := sched.Enable(context.Background(), rec.ID); err == nil {
		t.Error("enabling an enabled task should fail")
	} else if schedErr, _ := faults.AsSchedulerError(err); schedErr.Category != faults.SchedulerAlreadyEnabled {
		t.Errorf("category = %v", schedErr.Category)
	}

	if err := sched.Disable(context.Background(), rec.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	sched, _ := newScheduler(t, &fakeShell{}, nil)
	err := sched.Delete(context.Background(), 12345)
	schedErr, ok := faults.AsSchedulerError(err)
	if !ok || schedErr.Category != faults.SchedulerNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	sched, _ := newScheduler(t, &fakeShell{}, nil)
	err := sched.RunNow(context.Background(), 999)
	schedErr, ok := faults.AsSchedulerError(err)
	if !ok || schedErr.Category != faults.SchedulerNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestUpdateRewritesCron(t *testing.T) {
	sched, st := newScheduler(t, &fakeShell{}, nil)
	rec, _ := sched.Create(context.Background(), "t", "@daily", "echo", true)

	updated, err := sched.Update(context.Background(), rec.ID, "t2", "15 8 * * *", "echo hi")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CronExpression != "0 15 8 * * *" || updated.Name != "t2" {
		t.Errorf("updated = %+v", updated)
	}

	stored, _ := st.GetTask(context.Background(), rec.ID)
	if stored.Command != "echo hi" {
		t.Errorf("stored command = %q", stored.Command)
	}
}

func TestCronTriggerFires(t *testing.T) {
	shell := &fakeShell{result: actuator.ShellResult{Success: true}}
	sched, st := newScheduler(t, shell, nil)

	// Every second.
	rec, err := sched.Create(context.Background(), "tick", "* * * * * *", "echo tick", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		history, err := st.TaskHistory(context.Background(), rec.ID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("trigger never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
	sched.Stop()
}

func TestStartLoadsOnlyEnabledTasks(t *testing.T) {
	sched, st := newScheduler(t, &fakeShell{}, nil)

	if _, err := st.CreateTask(context.Background(), store.TaskRecord{
		Name: "on", CronExpression: "0 0 1 * * *", Command: "echo", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(context.Background(), store.TaskRecord{
		Name: "off", CronExpression: "0 0 1 * * *", Command: "echo", Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sched.mu.Lock()
	registered := len(sched.entries)
	sched.mu.Unlock()
	if registered != 1 {
		t.Errorf("registered = %d, want only the enabled task", registered)
	}
}

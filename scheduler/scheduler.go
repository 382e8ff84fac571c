// Package scheduler runs stored tasks on cron triggers, dispatching
// agent goals through the chat service and shell commands through the
// actuator. Every invocation leaves exactly one run log.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/store"
)

// Command prefixes. A bare command runs as shell.
const (
	agentPrefix = "agent:"
	shellPrefix = "shell:"
)

// shellTimeout bounds scheduled shell commands.
const shellTimeout = 5 * time.Minute

// ShellRunner is the actuator surface for shell tasks.
type ShellRunner interface {
	ShellExec(ctx context.Context, command string, timeout time.Duration) (actuator.ShellResult, error)
}

// AgentFunc runs an agent goal through the orchestrated chat path and
// returns its textual outcome.
type AgentFunc func(ctx context.Context, goal string) (string, error)

// parser accepts six-field (seconds) expressions; five-field ones are
// normalized before they reach it.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler owns the cron runner and the task registrations.
type Scheduler struct {
	st     *store.Store
	shell  ShellRunner
	agent  AgentFunc
	logger *zap.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	started bool
}

// New creates a scheduler. The cron runner is not started yet.
func New(st *store.Store, shell ShellRunner, agent AgentFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		st:      st,
		shell:   shell,
		agent:   agent,
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[int64]cron.EntryID),
	}
}

// Start loads all enabled tasks, registers their triggers and starts
// the runner.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.st.ListTasks(ctx, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if err := s.registerLocked(task); err != nil {
			s.logger.Warn("skipping task with invalid cron",
				zap.Int64("task", task.ID), zap.String("cron", task.CronExpression), zap.Error(err))
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.entries)))
	return nil
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// Create validates, stores and (when enabled) registers a new task.
func (s *Scheduler) Create(ctx context.Context, name, cronExpr, command string, enabled bool) (*store.TaskRecord, error) {
	normalized, err := normalizeCron(cronExpr)
	if err != nil {
		return nil, err
	}

	rec, err := s.st.CreateTask(ctx, store.TaskRecord{
		Name:           name,
		CronExpression: normalized,
		Command:        command,
		Enabled:        enabled,
	})
	if err != nil {
		return nil, err
	}

	if enabled {
		s.mu.Lock()
		err = s.registerLocked(rec)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info("task created", zap.Int64("task", rec.ID), zap.String("name", name))
	return &rec, nil
}

// Update rewrites a task and re-registers its trigger.
func (s *Scheduler) Update(ctx context.Context, id int64, name, cronExpr, command string) (*store.TaskRecord, error) {
	normalized, err := normalizeCron(cronExpr)
	if err != nil {
		return nil, err
	}

	existing, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	existing.Name = name
	existing.CronExpression = normalized
	existing.Command = command
	if err := s.st.UpdateTask(ctx, *existing); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.unregisterLocked(id)
	if existing.Enabled {
		err = s.registerLocked(*existing)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// Delete unregisters and removes a task.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	s.unregisterLocked(id)
	s.mu.Unlock()

	if err := s.st.DeleteTask(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NewSchedulerError(faults.SchedulerNotFound, "no such task", err)
		}
		return err
	}
	return nil
}

// Enable turns a disabled task on and registers its trigger.
func (s *Scheduler) Enable(ctx context.Context, id int64) error {
	task, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if task.Enabled {
		return faults.NewSchedulerError(faults.SchedulerAlreadyEnabled, "task is already enabled", nil)
	}
	if err := s.st.SetTaskEnabled(ctx, id, true); err != nil {
		return err
	}
	task.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(*task)
}

// Disable turns an enabled task off and drops its trigger.
func (s *Scheduler) Disable(ctx context.Context, id int64) error {
	task, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Enabled {
		return faults.NewSchedulerError(faults.SchedulerAlreadyDisabled, "task is already disabled", nil)
	}
	if err := s.st.SetTaskEnabled(ctx, id, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.unregisterLocked(id)
	s.mu.Unlock()
	return nil
}

// RunNow executes a task immediately, bypassing its trigger. The run
// still produces its log.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	task, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	s.execute(ctx, *task)
	return nil
}

// List returns all tasks.
func (s *Scheduler) List(ctx context.Context) ([]store.TaskRecord, error) {
	return s.st.ListTasks(ctx, false)
}

// Get returns one task.
func (s *Scheduler) Get(ctx context.Context, id int64) (*store.TaskRecord, error) {
	return s.get(ctx, id)
}

// History returns the most recent run logs for a task.
func (s *Scheduler) History(ctx context.Context, id int64, limit int) ([]store.RunLog, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	return s.st.TaskHistory(ctx, id, limit)
}

func (s *Scheduler) get(ctx context.Context, id int64) (*store.TaskRecord, error) {
	task, err := s.st.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, faults.NewSchedulerError(faults.SchedulerNotFound, "no such task", nil)
	}
	return task, nil
}

// registerLocked adds a cron trigger for a task. Caller holds s.mu.
func (s *Scheduler) registerLocked(task store.TaskRecord) error {
	if _, exists := s.entries[task.ID]; exists {
		return nil
	}
	id := task.ID
	entry, err := s.cron.AddFunc(task.CronExpression, func() { s.fire(id) })
	if err != nil {
		return faults.NewSchedulerError(faults.SchedulerInvalidCron, "invalid cron expression", err)
	}
	s.entries[task.ID] = entry
	return nil
}

// unregisterLocked drops a task's trigger. Caller holds s.mu.
func (s *Scheduler) unregisterLocked(id int64) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// fire is the cron callback: it reloads the task so edits between
// trigger and fire are honored.
func (s *Scheduler) fire(id int64) {
	ctx := context.Background()
	task, err := s.st.GetTask(ctx, id)
	if err != nil || task == nil || !task.Enabled {
		return
	}
	s.execute(ctx, *task)
}

// execute runs one task invocation and records exactly one run log.
func (s *Scheduler) execute(ctx context.Context, task store.TaskRecord) {
	started := time.Now()
	status, result, runErr := s.dispatch(ctx, task.Command)
	ended := time.Now()

	log := store.RunLog{
		TaskID:     task.ID,
		StartedAt:  started,
		EndedAt:    ended,
		Status:     status,
		Result:     truncate(result, 4000),
		DurationMs: ended.Sub(started).Milliseconds(),
	}
	if runErr != nil {
		log.Error = runErr.Error()
	}
	if err := s.st.RecordRun(ctx, log); err != nil {
		s.logger.Error("run log write failed", zap.Int64("task", task.ID), zap.Error(err))
	}

	s.logger.Info("task executed",
		zap.Int64("task", task.ID),
		zap.String("name", task.Name),
		zap.String("status", string(status)),
		zap.Int64("durationMs", log.DurationMs))
}

// dispatch routes a command by prefix: agent goals through the chat
// service, everything else through the shell.
func (s *Scheduler) dispatch(ctx context.Context, command string) (store.RunStatus, string, error) {
	switch {
	case strings.HasPrefix(command, agentPrefix):
		goal := strings.TrimSpace(strings.TrimPrefix(command, agentPrefix))
		if s.agent == nil {
			return store.RunError, "", errors.New("no agent runner configured")
		}
		result, err := s.agent(ctx, goal)
		if err != nil {
			return store.RunError, "", err
		}
		return store.RunSuccess, result, nil

	case strings.HasPrefix(command, shellPrefix):
		return s.runShell(ctx, strings.TrimSpace(strings.TrimPrefix(command, shellPrefix)))

	default:
		return s.runShell(ctx, command)
	}
}

func (s *Scheduler) runShell(ctx context.Context, command string) (store.RunStatus, string, error) {
	result, err := s.shell.ShellExec(ctx, command, shellTimeout)
	if err != nil {
		return store.RunError, "", err
	}
	if !result.Success {
		return store.RunFailed, result.Output, nil
	}
	return store.RunSuccess, result.Output, nil
}

// normalizeCron validates an expression, accepting the five-field form
// by prepending a zero seconds field.
func normalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", faults.NewSchedulerError(faults.SchedulerInvalidCron, "empty cron expression", nil)
	}
	if !strings.HasPrefix(expr, "@") && len(strings.Fields(expr)) == 5 {
		expr = "0 " + expr
	}
	if _, err := parser.Parse(expr); err != nil {
		return "", faults.NewSchedulerError(faults.SchedulerInvalidCron, "invalid cron expression", err)
	}
	return expr, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

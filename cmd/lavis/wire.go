package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/chat"
	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/executor"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/orchestrator"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/scheduler"
	"github.com/lavisapp/lavis/screen"
	"github.com/lavisapp/lavis/server"
	"github.com/lavisapp/lavis/skills"
	"github.com/lavisapp/lavis/speech"
	"github.com/lavisapp/lavis/store"
)

// newLogger builds the process logger: production config, ISO8601
// timestamps, debug level when verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// backend is the fully wired service graph.
type backend struct {
	store        *store.Store
	hub          *push.Hub
	tts          *speech.AsyncTts
	registry     *skills.Registry
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
}

// close tears the graph down in dependency order.
func (b *backend) close() {
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	if b.tts != nil {
		b.tts.Shutdown()
	}
	if b.hub != nil {
		b.hub.Shutdown()
	}
	if b.store != nil {
		b.store.Close()
	}
}

// buildBackend assembles the serve-mode graph: every component, pushing
// progress through the websocket hub.
func buildBackend(settings config.Settings, logger *zap.Logger) (*backend, error) {
	hub := push.NewHub(settings.Push.QueueSize, logger)
	return assemble(settings, logger, hub, true)
}

// buildConsoleBackend assembles the one-shot task graph: progress goes
// to stdout, no HTTP server, no speech.
func buildConsoleBackend(settings config.Settings, logger *zap.Logger) (*backend, error) {
	return assemble(settings, logger, &consoleSink{}, false)
}

func assemble(settings config.Settings, logger *zap.Logger, sink push.Sink, serving bool) (*backend, error) {
	st, err := store.Open(settings.Paths.DatabasePath(), settings.Paths.BackupDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.StartMaintenance()

	keys := llm.NewKeyStore()
	gateway := llm.NewGateway(settings.Models, keys, logger)

	driver := actuator.NewSystemDriver()
	act := actuator.New(driver, settings.Actuator, logger)
	src := screen.New(screen.NewSystemGrabber(), driver, logger)

	registry := skills.NewRegistry(settings.Paths.SkillsDir, act, st, logger)

	exec := executor.New(executor.Deps{
		Model:    gateway,
		Screen:   src,
		Actuator: act,
		Skills:   registry,
		Sink:     sink,
		Logger:   logger,
	}, settings.Executor, settings.Actuator.DeviationThreshold)

	orch := orchestrator.New(gateway, exec, sink, settings.Executor, settings.Memory, logger)

	b := &backend{
		store:        st,
		registry:     registry,
		orchestrator: orch,
	}

	gate := speech.NewGate(gateway, logger)
	var speaker chat.Speaker
	if serving {
		b.tts = speech.NewAsyncTts(gateway, sink, settings.Speech, logger)
		speaker = b.tts
	}

	chatSvc := chat.New(gateway, orch, gate, speaker, src, sink, st,
		settings.Memory.MaxEntries, settings.Memory.LegacyFrameWindow, logger)
	registry.SetRunner(chatSvc.RunAgentGoal)

	agentRun := func(ctx context.Context, goal string) (string, error) {
		result, err := orch.Run(ctx, goal, "")
		if err != nil {
			return "", err
		}
		return result.Summary, nil
	}
	b.scheduler = scheduler.New(st, act, agentRun, logger)

	if serving {
		hub, ok := sink.(*push.Hub)
		if !ok {
			return nil, fmt.Errorf("serve mode requires a websocket hub sink")
		}
		b.hub = hub
		b.server = server.New(settings.Server, server.Deps{
			Chat:      chatSvc,
			Tasks:     orch,
			Gateway:   gateway,
			Screen:    src,
			Skills:    registry,
			Scheduler: b.scheduler,
			Store:     st,
			Hub:       hub,
			Keys:      keys,
			Logger:    logger,
		})
	}
	return b, nil
}

// consoleSink prints plan progress to stdout for the one-shot task mode.
type consoleSink struct{}

func (c *consoleSink) Broadcast(event push.Event) {
	data, _ := event.Data.(map[string]any)
	switch event.Type {
	case "plan_created":
		fmt.Printf("plan: %v step(s)\n", data["totalSteps"])
	case "step_started":
		fmt.Printf("→ [%v] %v\n", data["stepId"], data["description"])
	case "step_completed":
		fmt.Printf("  ✓ [%v] %v\n", data["stepId"], data["status"])
	case "step_failed":
		fmt.Printf("  ✗ [%v] %v\n", data["stepId"], data["reason"])
	case "action_executed":
		fmt.Printf("    %v\n", data["description"])
	case "plan_completed", "plan_failed":
		fmt.Printf("%s\n", event.Type)
	}
}

func (c *consoleSink) SendByID(_ string, event push.Event) bool {
	c.Broadcast(event)
	return true
}

func (c *consoleSink) IsActive(string) bool        { return false }
func (c *consoleSink) FirstActive() (string, bool) { return "", false }
func (c *consoleSink) Count() int                  { return 0 }

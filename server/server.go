// Package server exposes the backend over HTTP: the agent endpoints,
// skill and scheduler management, preferences, the runtime API key
// group, and the websocket push channel. Everything binds localhost.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lavisapp/lavis/chat"
	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/orchestrator"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/scheduler"
	"github.com/lavisapp/lavis/screen"
	"github.com/lavisapp/lavis/skills"
	"github.com/lavisapp/lavis/store"
)

const (
	readHeaderTimeout = 60 * time.Second
	shutdownGrace     = 30 * time.Second
)

// ChatService is the chat surface the handlers call.
type ChatService interface {
	NormalizeText(ctx context.Context, text string, opts chat.Options) (*chat.Response, error)
	NormalizeAudio(ctx context.Context, audio []byte, mimeType string, opts chat.Options) (*chat.Response, error)
	Reset()
}

// TaskService is the orchestrated-run surface.
type TaskService interface {
	Run(ctx context.Context, goal, sessionID string) (*orchestrator.Result, error)
	Interrupt()
	Running() bool
	Status() orchestrator.Status
	History() []orchestrator.TaskRecord
	ClearHistory()
}

// ModelGateway is the slice of the llm gateway the server needs for
// status, TTS and the runtime key group.
type ModelGateway interface {
	DefaultModelName() string
	KeyStatus() (overrideActive, configured bool)
	Synthesize(ctx context.Context, text, voice, format string) ([]byte, error)
	TTSFormat() string
}

// Capturer serves the screenshot endpoint.
type Capturer interface {
	CaptureAsBase64(ctx context.Context, thumbnail bool) (screen.Frame, error)
}

// Deps collects everything the handlers reach.
type Deps struct {
	Chat      ChatService
	Tasks     TaskService
	Gateway   ModelGateway
	Screen    Capturer
	Skills    *skills.Registry
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	Hub       *push.Hub
	Keys      *llm.KeyStore
	Logger    *zap.Logger
}

// Server owns the two listeners: the main API port and the config port.
type Server struct {
	cfg  config.ServerConfig
	deps Deps
	log  *zap.Logger
}

// New builds a server around wired dependencies.
func New(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps, log: deps.Logger.Named("server")}
}

// Run serves both listeners until ctx is cancelled, then drains with a
// bounded grace period.
func (s *Server) Run(ctx context.Context) error {
	api := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.withLogging(s.Routes()),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	cfgSrv := &http.Server{
		Addr:              s.cfg.ConfigAddr(),
		Handler:           s.withLogging(s.configRoutes()),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return serve(api) })
	group.Go(func() error { return serve(cfgSrv) })
	group.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = api.Shutdown(drainCtx)
		_ = cfgSrv.Shutdown(drainCtx)
		return ctx.Err()
	})

	s.log.Info("listening", zap.String("addr", api.Addr), zap.String("configAddr", cfgSrv.Addr))
	err := group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Routes builds the main API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agent/chat", s.handleChat)
	mux.HandleFunc("POST /api/agent/task", s.handleTask)
	mux.HandleFunc("POST /api/agent/voice-chat", s.handleVoiceChat)
	mux.HandleFunc("POST /api/agent/stop", s.handleStop)
	mux.HandleFunc("POST /api/agent/reset", s.handleReset)
	mux.HandleFunc("GET /api/agent/status", s.handleStatus)
	mux.HandleFunc("GET /api/agent/screenshot", s.handleScreenshot)
	mux.HandleFunc("GET /api/agent/history", s.handleHistoryList)
	mux.HandleFunc("DELETE /api/agent/history", s.handleHistoryClear)
	mux.HandleFunc("POST /api/agent/tts", s.handleTts)

	mux.HandleFunc("GET /api/skills", s.handleSkillList)
	mux.HandleFunc("GET /api/skills/categories", s.handleSkillCategories)
	mux.HandleFunc("GET /api/skills/by-name/{name}", s.handleSkillShow)
	mux.HandleFunc("GET /api/skills/{name}", s.handleSkillShow)
	mux.HandleFunc("POST /api/skills", s.handleSkillCreate)
	mux.HandleFunc("PUT /api/skills/{name}", s.handleSkillUpdate)
	mux.HandleFunc("DELETE /api/skills/{name}", s.handleSkillDelete)
	mux.HandleFunc("POST /api/skills/reload", s.handleSkillReload)
	mux.HandleFunc("POST /api/skills/{name}/execute", s.handleSkillExecute)

	mux.HandleFunc("GET /api/scheduler/tasks", s.handleTaskList)
	mux.HandleFunc("POST /api/scheduler/tasks", s.handleTaskCreate)
	mux.HandleFunc("GET /api/scheduler/tasks/{id}", s.handleTaskShow)
	mux.HandleFunc("PUT /api/scheduler/tasks/{id}", s.handleTaskUpdate)
	mux.HandleFunc("DELETE /api/scheduler/tasks/{id}", s.handleTaskDelete)
	mux.HandleFunc("POST /api/scheduler/tasks/{id}/start", s.handleTaskStart)
	mux.HandleFunc("POST /api/scheduler/tasks/{id}/stop", s.handleTaskStop)
	mux.HandleFunc("POST /api/scheduler/tasks/{id}/run", s.handleTaskRun)
	mux.HandleFunc("GET /api/scheduler/tasks/{id}/history", s.handleTaskHistory)

	mux.HandleFunc("GET /api/preferences/{key}", s.handlePrefGet)
	mux.HandleFunc("PUT /api/preferences/{key}", s.handlePrefSet)
	mux.HandleFunc("DELETE /api/preferences/{key}", s.handlePrefDelete)

	s.mountKeyGroup(mux)

	mux.HandleFunc("GET /ws/agent", s.handleWebsocket)

	return mux
}

// configRoutes is the config-port mux: only the runtime key group.
func (s *Server) configRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	s.mountKeyGroup(mux)
	return mux
}

func (s *Server) mountKeyGroup(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/config/api-key", s.handleKeySet)
	mux.HandleFunc("GET /api/config/api-key", s.handleKeyStatus)
	mux.HandleFunc("DELETE /api/config/api-key", s.handleKeyClear)
}

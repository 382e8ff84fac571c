package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/actuator"
	"github.com/lavisapp/lavis/chat"
	"github.com/lavisapp/lavis/config"
	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/orchestrator"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/scheduler"
	"github.com/lavisapp/lavis/screen"
	"github.com/lavisapp/lavis/skills"
	"github.com/lavisapp/lavis/store"
)

type fakeChat struct {
	resp      *chat.Response
	err       error
	lastText  string
	lastAudio []byte
	lastOpts  chat.Options
	resets    int
}

func (f *fakeChat) NormalizeText(_ context.Context, text string, opts chat.Options) (*chat.Response, error) {
	f.lastText, f.lastOpts = text, opts
	return f.resp, f.err
}

func (f *fakeChat) NormalizeAudio(_ context.Context, audio []byte, _ string, opts chat.Options) (*chat.Response, error) {
	f.lastAudio, f.lastOpts = audio, opts
	return f.resp, f.err
}

func (f *fakeChat) Reset() { f.resets++ }

type fakeTasks struct {
	result     *orchestrator.Result
	err        error
	status     orchestrator.Status
	history    []orchestrator.TaskRecord
	interrupts int
	cleared    bool
}

func (f *fakeTasks) Run(context.Context, string, string) (*orchestrator.Result, error) {
	return f.result, f.err
}
func (f *fakeTasks) Interrupt()                         { f.interrupts++ }
func (f *fakeTasks) Running() bool                      { return f.status.Running }
func (f *fakeTasks) Status() orchestrator.Status        { return f.status }
func (f *fakeTasks) History() []orchestrator.TaskRecord { return f.history }
func (f *fakeTasks) ClearHistory()                      { f.cleared = true }

type fakeGateway struct {
	model      string
	configured bool
	audio      []byte
	synthErr   error
}

func (f *fakeGateway) DefaultModelName() string { return f.model }
func (f *fakeGateway) KeyStatus() (bool, bool)  { return false, f.configured }
func (f *fakeGateway) Synthesize(context.Context, string, string, string) ([]byte, error) {
	return f.audio, f.synthErr
}
func (f *fakeGateway) TTSFormat() string { return "mp3" }

type fakeScreen struct {
	frame screen.Frame
	err   error
}

func (f *fakeScreen) CaptureAsBase64(context.Context, bool) (screen.Frame, error) {
	return f.frame, f.err
}

type fakeShell struct {
	result actuator.ShellResult
}

func (f *fakeShell) ShellExec(context.Context, string, time.Duration) (actuator.ShellResult, error) {
	return f.result, nil
}

type testEnv struct {
	srv   *Server
	chat  *fakeChat
	tasks *fakeTasks
	st    *store.Store
	root  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	registry := skills.NewRegistry(root, &fakeShell{result: actuator.ShellResult{Success: true, Output: "hi"}}, nil, zap.NewNop())
	sched := scheduler.New(st, &fakeShell{result: actuator.ShellResult{Success: true, Output: "ok"}}, nil, zap.NewNop())
	t.Cleanup(sched.Stop)
	hub := push.NewHub(8, zap.NewNop())
	t.Cleanup(hub.Shutdown)

	chatSvc := &fakeChat{resp: &chat.Response{Success: true, AgentText: "the answer", RequestID: "req-1"}}
	tasks := &fakeTasks{status: orchestrator.Status{State: "IDLE"}}

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 8080, ConfigPort: 18765}, Deps{
		Chat:      chatSvc,
		Tasks:     tasks,
		Gateway:   &fakeGateway{model: "gpt-4o", configured: true, audio: []byte("mp3data")},
		Screen:    &fakeScreen{frame: screen.Frame{B64: "aW1n", LogicalWidth: 1440, LogicalHeight: 900}},
		Skills:    registry,
		Scheduler: sched,
		Store:     st,
		Hub:       hub,
		Keys:      llm.NewKeyStore(),
		Logger:    zap.NewNop(),
	})
	return &testEnv{srv: srv, chat: chatSvc, tasks: tasks, st: st, root: root}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not JSON: %v: %s", err, rec.Body.String())
	}
	return out
}

func TestChatEndpoint(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, "POST", "/api/agent/chat", map[string]any{
		"message": "hello", "needsTts": true, "ws_session_id": "ws-7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["agent_text"] != "the answer" {
		t.Errorf("agent_text = %v", body["agent_text"])
	}
	if body["response"] != "the answer" {
		t.Errorf("deprecated alias = %v", body["response"])
	}
	if env.chat.lastText != "hello" || !env.chat.lastOpts.NeedsTts || env.chat.lastOpts.SessionID != "ws-7" {
		t.Errorf("options = %+v", env.chat.lastOpts)
	}
}

func TestChatInvalidBody(t *testing.T) {
	env := newEnv(t)
	req := httptest.NewRequest("POST", "/api/agent/chat", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	env.srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestChatModelAuthErrorMapsTo401(t *testing.T) {
	env := newEnv(t)
	env.chat.resp = nil
	env.chat.err = faults.NewModelError(faults.ModelAuth, "chat-default", "bad key", nil)
	rec := env.do(t, "POST", "/api/agent/chat", map[string]any{"message": "hello"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if decode(t, rec)["error"] == "" {
		t.Error("error body missing")
	}
}

func TestVoiceChatEndpoint(t *testing.T) {
	env := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("RIFFdata"))
	mw.WriteField("needsTts", "true")
	mw.WriteField("ws_session_id", "ws-3")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/agent/voice-chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if string(env.chat.lastAudio) != "RIFFdata" {
		t.Errorf("audio = %q", env.chat.lastAudio)
	}
	if !env.chat.lastOpts.NeedsTts || env.chat.lastOpts.SessionID != "ws-3" {
		t.Errorf("options = %+v", env.chat.lastOpts)
	}
}

func TestTaskEndpoint(t *testing.T) {
	env := newEnv(t)
	plan := &model.Plan{
		Goal: "open calc",
		Milestones: []*model.Milestone{
			{ID: 1, Description: "open the calculator", Status: model.StepSuccess},
		},
	}
	env.tasks.result = &orchestrator.Result{Status: model.PlanCompleted, Summary: "done", Plan: plan}

	rec := env.do(t, "POST", "/api/agent/task", map[string]any{"goal": "open calc"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["message"] != "done" {
		t.Errorf("body = %v", body)
	}
	if body["steps_total"].(float64) != 1 {
		t.Errorf("steps_total = %v", body["steps_total"])
	}
	if !strings.Contains(body["plan_summary"].(string), "calculator") {
		t.Errorf("plan_summary = %v", body["plan_summary"])
	}
}

func TestTaskRequiresGoal(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, "POST", "/api/agent/task", map[string]any{"goal": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStopAndReset(t *testing.T) {
	env := newEnv(t)
	if rec := env.do(t, "POST", "/api/agent/stop", nil); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}
	if env.tasks.interrupts != 1 {
		t.Errorf("interrupts = %d", env.tasks.interrupts)
	}
	if rec := env.do(t, "POST", "/api/agent/reset", nil); rec.Code != http.StatusOK {
		t.Errorf("reset status = %d", rec.Code)
	}
	if env.chat.resets != 1 {
		t.Errorf("resets = %d", env.chat.resets)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newEnv(t)
	env.tasks.status = orchestrator.Status{Running: true, Goal: "tidy desktop", Progress: 40, State: "RUNNING"}

	body := decode(t, env.do(t, "GET", "/api/agent/status", nil))
	if body["available"] != true || body["model"] != "gpt-4o" {
		t.Errorf("body = %v", body)
	}
	if body["current_plan_progress"].(float64) != 40 || body["current_plan"] != "tidy desktop" {
		t.Errorf("plan fields = %v", body)
	}
}

func TestScreenshotEndpoint(t *testing.T) {
	env := newEnv(t)
	body := decode(t, env.do(t, "GET", "/api/agent/screenshot?thumbnail=true", nil))
	if body["image"] != "aW1n" {
		t.Errorf("image = %v", body["image"])
	}
	size := body["size"].(map[string]any)
	if size["width"].(float64) != 1440 {
		t.Errorf("size = %v", size)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newEnv(t)
	env.tasks.history = []orchestrator.TaskRecord{{ID: "t1", Goal: "g"}}

	body := decode(t, env.do(t, "GET", "/api/agent/history", nil))
	if len(body["records"].([]any)) != 1 {
		t.Errorf("records = %v", body["records"])
	}

	if rec := env.do(t, "DELETE", "/api/agent/history", nil); rec.Code != http.StatusOK {
		t.Errorf("clear status = %d", rec.Code)
	}
	if !env.tasks.cleared {
		t.Error("history not cleared")
	}
}

func TestTtsEndpoint(t *testing.T) {
	env := newEnv(t)
	body := decode(t, env.do(t, "POST", "/api/agent/tts", map[string]any{"text": "hello"}))
	if body["format"] != "mp3" || body["audio"] == "" {
		t.Errorf("body = %v", body)
	}
}

func writeTestSkill(t *testing.T, root, name, command string) {
	t.Helper()
	dir := filepath.Join(root, skills.SnakeCase(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("---\nname: %s\ncommand: %s\n---\nBody.\n", name, command)
	if err := os.WriteFile(filepath.Join(dir, skills.SkillFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSkillListAndShow(t *testing.T) {
	env := newEnv(t)
	writeTestSkill(t, env.root, "hello", "shell:/bin/echo hi")
	if err := env.srv.deps.Skills.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	body := decode(t, env.do(t, "GET", "/api/skills", nil))
	if len(body["skills"].([]any)) != 1 {
		t.Fatalf("skills = %v", body["skills"])
	}

	show := decode(t, env.do(t, "GET", "/api/skills/by-name/hello", nil))
	if show["name"] != "hello" || show["knowledge"] == "" {
		t.Errorf("show = %v", show)
	}

	if rec := env.do(t, "GET", "/api/skills/by-name/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing skill status = %d", rec.Code)
	}
}

func TestSkillCreateWritesToDisk(t *testing.T) {
	env := newEnv(t)
	rec := env.do(t, "POST", "/api/skills", map[string]any{
		"name":        "Open Notes",
		"description": "opens the notes app",
		"category":    "productivity",
		"command":     "shell:open -a Notes",
		"knowledge":   "Use when the user asks for notes.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	path := filepath.Join(env.root, "open_notes", skills.SkillFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("skill file not written: %v", err)
	}
	parsed, err := skills.Parse(string(data))
	if err != nil {
		t.Fatalf("written file does not round-trip: %v", err)
	}
	if parsed.Name != "Open Notes" || parsed.Category != "productivity" {
		t.Errorf("parsed = %+v", parsed)
	}

	if _, ok := env.srv.deps.Skills.Get("open_notes"); !ok {
		t.Error("created skill not registered")
	}
}

func TestSkillCreateConflict(t *testing.T) {
	env := newEnv(t)
	writeTestSkill(t, env.root, "hello", "shell:/bin/echo hi")
	env.srv.deps.Skills.Reload(context.Background())

	rec := env.do(t, "POST", "/api/skills", map[string]any{"name": "hello", "command": "shell:true"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSkillUpdateAndDelete(t *testing.T) {
	env := newEnv(t)
	writeTestSkill(t, env.root, "hello", "shell:/bin/echo hi")
	env.srv.deps.Skills.Reload(context.Background())

	rec := env.do(t, "PUT", "/api/skills/hello", map[string]any{
		"command":   "shell:/bin/echo updated",
		"knowledge": "new body",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	skill, _ := env.srv.deps.Skills.Get("hello")
	if skill.Command != "shell:/bin/echo updated" {
		t.Errorf("command = %q", skill.Command)
	}

	if rec := env.do(t, "DELETE", "/api/skills/hello", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(env.root, "hello")); !os.IsNotExist(err) {
		t.Error("skill directory still on disk")
	}
	if _, ok := env.srv.deps.Skills.Get("hello"); ok {
		t.Error("deleted skill still registered")
	}
}

func TestSkillExecuteEndpoint(t *testing.T) {
	env := newEnv(t)
	writeTestSkill(t, env.root, "hello", "shell:/bin/echo hi")
	env.srv.deps.Skills.Reload(context.Background())

	body := decode(t, env.do(t, "POST", "/api/skills/hello/execute", map[string]any{}))
	if body["success"] != true || body["output"] != "hi" {
		t.Errorf("body = %v", body)
	}
}

func TestSkillCategories(t *testing.T) {
	env := newEnv(t)
	writeTestSkill(t, env.root, "a", "shell:true")
	writeTestSkill(t, env.root, "b", "shell:true")
	env.srv.deps.Skills.Reload(context.Background())

	body := decode(t, env.do(t, "GET", "/api/skills/categories", nil))
	// Neither fixture declares a category.
	if got := body["categories"].([]any); len(got) != 0 {
		t.Errorf("categories = %v", got)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newEnv(t)

	rec := env.do(t, "POST", "/api/scheduler/tasks", map[string]any{
		"name": "beep", "cronExpression": "30 2 * * *", "command": "shell:/bin/echo ok",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode(t, rec)
	if created["cronExpression"] != "0 30 2 * * *" {
		t.Errorf("cron = %v", created["cronExpression"])
	}
	id := int64(created["id"].(float64))

	if rec := env.do(t, "POST", "/api/scheduler/tasks", map[string]any{
		"name": "bad", "cronExpression": "whenever", "command": "x",
	}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid cron status = %d", rec.Code)
	}

	// Already enabled: /start conflicts.
	if rec := env.do(t, "POST", fmt.Sprintf("/api/scheduler/tasks/%d/start", id), nil); rec.Code != http.StatusConflict {
		t.Errorf("start status = %d", rec.Code)
	}
	if rec := env.do(t, "POST", fmt.Sprintf("/api/scheduler/tasks/%d/stop", id), nil); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}

	if rec := env.do(t, "POST", fmt.Sprintf("/api/scheduler/tasks/%d/run", id), nil); rec.Code != http.StatusOK {
		t.Errorf("run status = %d", rec.Code)
	}
	history := decode(t, env.do(t, "GET", fmt.Sprintf("/api/scheduler/tasks/%d/history?limit=5", id), nil))
	runs := history["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("runs = %v", runs)
	}
	if runs[0].(map[string]any)["status"] != "SUCCESS" {
		t.Errorf("run = %v", runs[0])
	}

	if rec := env.do(t, "DELETE", fmt.Sprintf("/api/scheduler/tasks/%d", id), nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, "GET", fmt.Sprintf("/api/scheduler/tasks/%d", id), nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestPreferencesEndpoints(t *testing.T) {
	env := newEnv(t)

	if rec := env.do(t, "GET", "/api/preferences/theme", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing pref status = %d", rec.Code)
	}

	if rec := env.do(t, "PUT", "/api/preferences/theme", map[string]any{"value": "dark"}); rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	body := decode(t, env.do(t, "GET", "/api/preferences/theme", nil))
	if body["value"] != "dark" || body["type"] != "string" {
		t.Errorf("body = %v", body)
	}

	if rec := env.do(t, "DELETE", "/api/preferences/theme", nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/preferences/theme", nil); rec.Code != http.StatusNotFound {
		t.Errorf("pref survived delete: %d", rec.Code)
	}
}

func TestApiKeyGroupOnConfigPort(t *testing.T) {
	env := newEnv(t)
	mux := env.srv.configRoutes()

	do := func(method string, body any) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if body != nil {
			data, _ := json.Marshal(body)
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, "/api/config/api-key", reader)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("POST", map[string]any{"apiKey": "sk-test"}); rec.Code != http.StatusOK {
		t.Fatalf("set status = %d", rec.Code)
	}
	if !env.srv.deps.Keys.IsSet() {
		t.Error("key not stored")
	}
	if rec := do("GET", nil); rec.Code != http.StatusOK {
		t.Errorf("status status = %d", rec.Code)
	}
	if rec := do("DELETE", nil); rec.Code != http.StatusOK {
		t.Errorf("clear status = %d", rec.Code)
	}
	if env.srv.deps.Keys.IsSet() {
		t.Error("key survived clear")
	}

	// The config port never exposes the agent surface.
	req := httptest.NewRequest("POST", "/api/agent/chat", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("agent route on config port: %d", rec.Code)
	}
}

func TestHttpStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{faults.NewModelError(faults.ModelAuth, "a", "m", nil), http.StatusUnauthorized},
		{faults.NewModelError(faults.ModelRateLimit, "a", "m", nil), http.StatusTooManyRequests},
		{faults.NewModelError(faults.ModelUnavailable, "a", "m", nil), http.StatusBadGateway},
		{faults.NewSkillError(faults.SkillNotFound, "s", "m", nil), http.StatusNotFound},
		{faults.NewSkillError(faults.SkillInvalidParams, "s", "m", nil), http.StatusBadRequest},
		{faults.NewSchedulerError(faults.SchedulerInvalidCron, "m", nil), http.StatusBadRequest},
		{faults.NewSchedulerError(faults.SchedulerAlreadyEnabled, "m", nil), http.StatusConflict},
		{faults.NewActuatorError(faults.ActuatorPermission, "m", nil), http.StatusForbidden},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := httpStatus(tc.err); got != tc.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

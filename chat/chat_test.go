package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lavisapp/lavis/faults"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/model"
	"github.com/lavisapp/lavis/orchestrator"
	"github.com/lavisapp/lavis/push"
	"github.com/lavisapp/lavis/screen"
	"github.com/lavisapp/lavis/store"
)

type fakeGateway struct {
	mu         sync.Mutex
	reply      *llm.Reply
	chatErr    error
	transcript string
	sttErr     error
	prompts    [][]llm.ChatMessage
}

func (f *fakeGateway) ChatDefault(_ context.Context, messages []llm.ChatMessage) (*llm.Reply, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, messages)
	f.mu.Unlock()
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.reply, nil
}

func (f *fakeGateway) Transcribe(context.Context, []byte, string) (string, error) {
	if f.sttErr != nil {
		return "", f.sttErr
	}
	return f.transcript, nil
}

type fakeTasks struct {
	result *orchestrator.Result
	err    error
	goals  []string
}

func (f *fakeTasks) Run(_ context.Context, goal, _ string) (*orchestrator.Result, error) {
	f.goals = append(f.goals, goal)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeTasks) Status() orchestrator.Status {
	return orchestrator.Status{State: "idle"}
}

type fakeGate struct{ speak bool }

func (f *fakeGate) ShouldSpeak(context.Context, string) bool { return f.speak }

type fakeSpeaker struct {
	mu       sync.Mutex
	sessions []string
	texts    []string
}

func (f *fakeSpeaker) Submit(sessionID, text, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.texts = append(f.texts, text)
	return true
}

type fakeScreen struct{ err error }

func (f *fakeScreen) CaptureAsBase64(context.Context, bool) (screen.Frame, error) {
	if f.err != nil {
		return screen.Frame{}, f.err
	}
	return screen.Frame{B64: "cGl4", MIME: "image/png", LogicalWidth: 1440, LogicalHeight: 900}, nil
}

type fakeSink struct {
	active []string
}

func (f *fakeSink) Broadcast(push.Event)                {}
func (f *fakeSink) SendByID(string, push.Event) bool    { return true }
func (f *fakeSink) Count() int                          { return len(f.active) }
func (f *fakeSink) IsActive(id string) bool {
	for _, a := range f.active {
		if a == id {
			return true
		}
	}
	return false
}
func (f *fakeSink) FirstActive() (string, bool) {
	if len(f.active) == 0 {
		return "", false
	}
	return f.active[0], true
}

type fakeMirror struct {
	mu       sync.Mutex
	messages []store.SessionMessage
}

func (f *fakeMirror) AppendSessionMessage(_ context.Context, msg store.SessionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func newService(g *fakeGateway, tasks *fakeTasks, gate *fakeGate, speaker *fakeSpeaker, sink *fakeSink, mirror Mirror) *Service {
	return New(g, tasks, gate, speaker, &fakeScreen{}, sink, mirror, 50, 4, zap.NewNop())
}

func TestFastPathRepliesWithScreenshot(t *testing.T) {
	g := &fakeGateway{reply: &llm.Reply{Content: "You have three windows open.", Usage: &llm.TokenUsage{TotalTokens: 42}}}
	mirror := &fakeMirror{}
	svc := newService(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, mirror)

	resp, err := svc.NormalizeText(context.Background(), "what's on my screen?", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("NormalizeText: %v", err)
	}
	if !resp.Success || resp.AgentText != "You have three windows open." {
		t.Errorf("response = %+v", resp)
	}
	if resp.RequestID == "" {
		t.Error("missing request id")
	}

	prompt := g.prompts[0]
	var sawImage bool
	for _, msg := range prompt {
		if len(msg.Images) > 0 {
			sawImage = true
		}
	}
	if !sawImage {
		t.Error("fast path prompt carried no screenshot")
	}

	if len(mirror.messages) != 2 {
		t.Fatalf("mirrored %d messages, want 2", len(mirror.messages))
	}
	if !mirror.messages[0].HasImage {
		t.Error("user message should record the attached frame")
	}
	if mirror.messages[1].TokenCount != 42 {
		t.Errorf("assistant tokenCount = %d", mirror.messages[1].TokenCount)
	}
}

func TestFastPathDegradesWithoutScreen(t *testing.T) {
	g := &fakeGateway{reply: &llm.Reply{Content: "hello"}}
	svc := New(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeScreen{err: errors.New("no display")},
		&fakeSink{}, nil, 50, 4, zap.NewNop())

	resp, err := svc.NormalizeText(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatalf("NormalizeText: %v", err)
	}
	if resp.AgentText != "hello" {
		t.Errorf("agent text = %q", resp.AgentText)
	}
}

func TestOrchestratedPath(t *testing.T) {
	tasks := &fakeTasks{result: &orchestrator.Result{Status: model.PlanCompleted, Summary: "note created"}}
	svc := newService(&fakeGateway{}, tasks, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	resp, err := svc.NormalizeText(context.Background(), "create a note", Options{UseOrchestrator: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentText != "note created" {
		t.Errorf("agent text = %q", resp.AgentText)
	}
	if resp.OrchestratorState == nil {
		t.Error("orchestrated response missing state")
	}
	if len(tasks.goals) != 1 || tasks.goals[0] != "create a note" {
		t.Errorf("goals = %v", tasks.goals)
	}
}

func TestOrchestratedFailureNamesMilestone(t *testing.T) {
	failed := &model.Milestone{ID: 2, Description: "click the save button"}
	failed.Start()
	failed.Fail(model.NewPostMortem(model.ReasonClickMissed, "kept missing", nil))
	tasks := &fakeTasks{result: &orchestrator.Result{
		Status:  model.PlanFailed,
		Summary: "failed",
		Plan:    &model.Plan{Milestones: []*model.Milestone{failed}},
	}}
	svc := newService(&fakeGateway{}, tasks, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	resp, err := svc.NormalizeText(context.Background(), "save it", Options{UseOrchestrator: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.AgentText, "click the save button") {
		t.Errorf("failure text should name the milestone: %q", resp.AgentText)
	}
}

func TestAudioPathTranscribesFirst(t *testing.T) {
	g := &fakeGateway{transcript: "打开备忘录", reply: &llm.Reply{Content: "好的"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	resp, err := svc.NormalizeAudio(context.Background(), []byte("wav"), "audio/wav", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.UserText != "打开备忘录" {
		t.Errorf("user text = %q", resp.UserText)
	}
}

func TestAudioPathMapsSttErrors(t *testing.T) {
	g := &fakeGateway{sttErr: faults.NewModelError(faults.ModelUnavailable, "stt-default", "503", nil)}
	svc := newService(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	_, err := svc.NormalizeAudio(context.Background(), []byte("wav"), "audio/wav", Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "暂时不可用") {
		t.Errorf("error not user-mapped: %v", err)
	}
}

func TestSpeechSubmittedWhenGateApproves(t *testing.T) {
	speaker := &fakeSpeaker{}
	sink := &fakeSink{active: []string{"s1"}}
	g := &fakeGateway{reply: &llm.Reply{Content: "The download finished."}}
	svc := newService(g, &fakeTasks{}, &fakeGate{speak: true}, speaker, sink, nil)

	resp, err := svc.NormalizeText(context.Background(), "status?", Options{SessionID: "s1", NeedsTts: true})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.AudioPending {
		t.Error("audioPending should be true")
	}
	if len(speaker.sessions) != 1 || speaker.sessions[0] != "s1" {
		t.Errorf("speaker sessions = %v", speaker.sessions)
	}
}

func TestSpeechSkippedWhenGateDeclines(t *testing.T) {
	speaker := &fakeSpeaker{}
	g := &fakeGateway{reply: &llm.Reply{Content: "ok"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{speak: false}, speaker, &fakeSink{active: []string{"s1"}}, nil)

	resp, err := svc.NormalizeText(context.Background(), "anything", Options{SessionID: "s1", NeedsTts: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AudioPending {
		t.Error("audioPending should be false")
	}
	if len(speaker.texts) != 0 {
		t.Errorf("speaker received %v", speaker.texts)
	}
}

func TestSpeechSessionFallback(t *testing.T) {
	speaker := &fakeSpeaker{}
	sink := &fakeSink{active: []string{"other"}}
	g := &fakeGateway{reply: &llm.Reply{Content: "reply"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{speak: true}, speaker, sink, nil)

	resp, err := svc.NormalizeText(context.Background(), "hi", Options{SessionID: "gone", NeedsTts: true})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.AudioPending {
		t.Error("fallback session should still carry audio")
	}
	if speaker.sessions[0] != "other" {
		t.Errorf("speaker session = %q", speaker.sessions[0])
	}
}

func TestSpeechNoActiveSession(t *testing.T) {
	speaker := &fakeSpeaker{}
	g := &fakeGateway{reply: &llm.Reply{Content: "reply"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{speak: true}, speaker, &fakeSink{}, nil)

	resp, err := svc.NormalizeText(context.Background(), "hi", Options{NeedsTts: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AudioPending {
		t.Error("audioPending must be false without any push session")
	}
	if len(speaker.sessions) != 0 {
		t.Errorf("speaker should not be invoked: %v", speaker.sessions)
	}
}

func TestResetClearsHistory(t *testing.T) {
	g := &fakeGateway{reply: &llm.Reply{Content: "first"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	if _, err := svc.NormalizeText(context.Background(), "remember this", Options{}); err != nil {
		t.Fatal(err)
	}
	svc.Reset()
	if _, err := svc.NormalizeText(context.Background(), "second question", Options{}); err != nil {
		t.Fatal(err)
	}

	lastPrompt := g.prompts[len(g.prompts)-1]
	for _, msg := range lastPrompt {
		if strings.Contains(msg.Content, "remember this") {
			t.Error("history survived Reset")
		}
	}
}

func TestRunAgentGoalInjectsKnowledge(t *testing.T) {
	g := &fakeGateway{reply: &llm.Reply{Content: "report filed"}}
	svc := newService(g, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)

	out, err := svc.RunAgentGoal(context.Background(), "file the report", "use the ops dashboard")
	if err != nil {
		t.Fatal(err)
	}
	if out != "report filed" {
		t.Errorf("out = %q", out)
	}
	prompt := g.prompts[0]
	if !strings.Contains(prompt[0].Content, "use the ops dashboard") {
		t.Error("knowledge not injected into the system prompt")
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	svc := newService(&fakeGateway{}, &fakeTasks{}, &fakeGate{}, &fakeSpeaker{}, &fakeSink{}, nil)
	if _, err := svc.NormalizeText(context.Background(), "   ", Options{}); err == nil {
		t.Error("blank message should be rejected")
	}
}

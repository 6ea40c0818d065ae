package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/porter/internal/assistant"
	"github.com/zulandar/porter/internal/command"
	"github.com/zulandar/porter/internal/lock"
	"github.com/zulandar/porter/internal/models"
	"github.com/zulandar/porter/internal/session"
	"github.com/zulandar/porter/internal/stream"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordSink struct {
	mu    sync.Mutex
	mode  stream.Mode
	texts []string
}

func (s *recordSink) Deliver(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordSink) Mode() stream.Mode { return s.mode }

func (s *recordSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *recordSink) joined() string { return strings.Join(s.all(), "\n") }

// mapLoader is an in-memory TemplateLoader for tests.
type mapLoader map[string]string

func (m mapLoader) Load(name string) (string, error) {
	tpl, ok := m[name]
	if !ok {
		return "", command.ErrNotFound
	}
	return tpl, nil
}

type fixture struct {
	orch     *Orchestrator
	engine   *assistant.MockEngine
	sessions *session.Store
	locks    *lock.Manager
}

func newFixture(t *testing.T, templates mapLoader, engine *assistant.MockEngine) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Conversation{}, &models.Session{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if engine == nil {
		engine = &assistant.MockEngine{}
	}
	if templates == nil {
		templates = mapLoader{command.DefaultName: "$ARGUMENTS"}
	}
	locks := lock.NewManager(2)
	orch, err := New(Opts{
		Locks:          locks,
		Sessions:       sessions,
		Templates:      templates,
		Engine:         engine,
		AcquireTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{orch: orch, engine: engine, sessions: sessions, locks: locks}
}

func (f *fixture) handle(t *testing.T, text string, sink *recordSink) {
	t.Helper()
	err := f.orch.Handle(context.Background(), Request{
		Platform:       "discord",
		ConversationID: "chan-1",
		UserName:       "tester",
		Text:           text,
		Sink:           sink,
	})
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
}

func (f *fixture) activeSession(t *testing.T) *models.Session {
	t.Helper()
	conv, err := f.sessions.FindOrCreateConversation("discord", "chan-1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	sess, err := f.sessions.GetActive(conv.ID)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	return sess
}

func TestHandle_ChatCreatesSessionAndStoresHandle(t *testing.T) {
	f := newFixture(t, nil, &assistant.MockEngine{NextHandle: "h-1"})
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "please fix the flaky test", sink)

	sess := f.activeSession(t)
	if sess == nil {
		t.Fatal("no active session after chat")
	}
	if sess.ExternalHandle != "h-1" {
		t.Errorf("handle = %q, want h-1", sess.ExternalHandle)
	}
	if sess.EngineKind != "mock" {
		t.Errorf("engine kind = %q", sess.EngineKind)
	}

	req, ok := f.engine.LastRequest()
	if !ok {
		t.Fatal("engine never engaged")
	}
	if req.ResumeHandle != "" {
		t.Errorf("fresh session should not resume, got %q", req.ResumeHandle)
	}
	if req.Prompt != "please fix the flaky test" {
		t.Errorf("prompt = %q", req.Prompt)
	}

	doc, err := f.sessions.LoadMetadata(sess.ID)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if doc.String(session.KeyLastCommand) != command.DefaultName {
		t.Errorf("lastCommand = %q", doc.String(session.KeyLastCommand))
	}
	if doc.String(session.KeyConfigFingerprint) != "mock-fp" {
		t.Errorf("configFingerprint = %q", doc.String(session.KeyConfigFingerprint))
	}
}

func TestHandle_SecondMessageResumes(t *testing.T) {
	f := newFixture(t, nil, &assistant.MockEngine{NextHandle: "h-1"})
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "first", sink)
	f.handle(t, "second", sink)

	req, _ := f.engine.LastRequest()
	if req.ResumeHandle != "h-1" {
		t.Errorf("second pass resume = %q, want h-1", req.ResumeHandle)
	}
	if len(f.engine.Requests) != 2 {
		t.Errorf("engagements = %d, want 2", len(f.engine.Requests))
	}
}

func TestHandle_BoundaryTransition(t *testing.T) {
	templates := mapLoader{
		command.DefaultName:  "$ARGUMENTS",
		"plan":               "Plan this: $ARGUMENTS",
		command.BoundaryName: "Implement the plan:\n$PLAN",
	}
	engine := &assistant.MockEngine{
		Script: []stream.Chunk{
			{Kind: stream.KindText, Text: "step 1 then step 2"},
			{Kind: stream.KindCompletion, Handle: "h-plan"},
		},
	}
	f := newFixture(t, templates, engine)
	sink := &recordSink{mode: stream.ModeConsolidated}

	f.handle(t, "/plan add retries", sink)

	planned := f.activeSession(t)
	if planned == nil {
		t.Fatal("no session after plan")
	}
	doc, _ := f.sessions.LoadMetadata(planned.ID)
	if doc.String(session.KeyPlan) != "step 1 then step 2" {
		t.Fatalf("plan = %q", doc.String(session.KeyPlan))
	}

	f.handle(t, "/execute", sink)

	// Old session ended, a new one took its place.
	current := f.activeSession(t)
	if current == nil {
		t.Fatal("no session after execute")
	}
	if current.ID == planned.ID {
		t.Error("boundary command did not start a new session")
	}

	// The new session's prompt was built from the old session's metadata.
	req, _ := f.engine.LastRequest()
	if !strings.Contains(req.Prompt, "step 1 then step 2") {
		t.Errorf("execute prompt missing plan: %q", req.Prompt)
	}
	if req.ResumeHandle != "" {
		t.Errorf("boundary session must start fresh, resumed %q", req.ResumeHandle)
	}

	doc, _ = f.sessions.LoadMetadata(current.ID)
	if doc.String(session.KeyImplementationSummary) != "step 1 then step 2" {
		t.Errorf("implementationSummary = %q", doc.String(session.KeyImplementationSummary))
	}
}

func TestHandle_StaleHandleRecovery(t *testing.T) {
	engine := &assistant.MockEngine{
		NextHandle:    "h-2",
		RejectHandles: map[string]bool{"h-stale": true},
	}
	f := newFixture(t, nil, engine)
	sink := &recordSink{mode: stream.ModeLive}

	// Seed a session holding a handle the engine no longer recognizes.
	conv, _ := f.sessions.FindOrCreateConversation("discord", "chan-1")
	seeded, err := f.sessions.Create(conv.ID, "mock", nil)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := f.sessions.UpdateHandle(seeded.ID, "h-stale"); err != nil {
		t.Fatalf("seed handle: %v", err)
	}

	f.handle(t, "continue the work", sink)

	if len(f.engine.Requests) != 2 {
		t.Fatalf("engagements = %d, want resume + retry", len(f.engine.Requests))
	}
	if f.engine.Requests[0].ResumeHandle != "h-stale" {
		t.Errorf("first attempt resume = %q", f.engine.Requests[0].ResumeHandle)
	}
	if f.engine.Requests[1].ResumeHandle != "" {
		t.Errorf("retry must not resume, got %q", f.engine.Requests[1].ResumeHandle)
	}

	current := f.activeSession(t)
	if current == nil {
		t.Fatal("no active session after recovery")
	}
	if current.ID == seeded.ID {
		t.Error("stale session still active")
	}
	if current.ExternalHandle != "h-2" {
		t.Errorf("recovered handle = %q, want h-2", current.ExternalHandle)
	}

	// Recovery is invisible: the user sees only the retried answer,
	// never an error notice from the rejected first attempt.
	got := sink.all()
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("deliveries = %q, want only the retried answer", got)
	}
}

func TestHandle_StaleRetryFailureSurfacesNotice(t *testing.T) {
	// The rerun after a stale handle fails too: that is a plain
	// engagement failure and the user hears about it once.
	engine := &assistant.MockEngine{
		RejectHandles: map[string]bool{"h-stale": true},
		Script: []stream.Chunk{
			{Kind: stream.KindError, Err: errors.New("subprocess exploded")},
		},
	}
	f := newFixture(t, nil, engine)
	sink := &recordSink{mode: stream.ModeLive}

	conv, _ := f.sessions.FindOrCreateConversation("discord", "chan-1")
	seeded, err := f.sessions.Create(conv.ID, "mock", nil)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := f.sessions.UpdateHandle(seeded.ID, "h-stale"); err != nil {
		t.Fatalf("seed handle: %v", err)
	}

	f.handle(t, "continue the work", sink)

	if len(f.engine.Requests) != 2 {
		t.Fatalf("engagements = %d, want resume + retry", len(f.engine.Requests))
	}
	got := sink.all()
	if len(got) != 1 || !strings.Contains(got[0], "went wrong") {
		t.Errorf("deliveries = %q, want exactly one error notice", got)
	}
}

func TestHandle_Busy(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	lease, err := f.locks.Acquire(context.Background(), "discord:chan-1", time.Second)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer lease.Release()

	f.handle(t, "anything", sink)

	if got := sink.joined(); !strings.Contains(got, "try again shortly") {
		t.Errorf("busy notice missing, deliveries = %q", got)
	}
	if len(f.engine.Requests) != 0 {
		t.Errorf("engine engaged while busy: %d requests", len(f.engine.Requests))
	}
}

func TestHandle_UnknownCommand(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "/nope args", sink)

	if got := sink.joined(); !strings.Contains(got, "Unknown command: /nope") {
		t.Errorf("deliveries = %q", got)
	}
	if sess := f.activeSession(t); sess != nil {
		t.Error("unknown command must not create a session")
	}
	if len(f.engine.Requests) != 0 {
		t.Error("unknown command must not engage the engine")
	}
}

func TestHandle_EngagementFailureDeactivatesFreshSession(t *testing.T) {
	engine := &assistant.MockEngine{
		Script: []stream.Chunk{
			{Kind: stream.KindError, Err: errors.New("subprocess exploded")},
		},
	}
	f := newFixture(t, nil, engine)
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "do something", sink)

	if sess := f.activeSession(t); sess != nil {
		t.Errorf("failed fresh session left active: %+v", sess)
	}
	if got := sink.joined(); !strings.Contains(got, "went wrong") {
		t.Errorf("error notice missing, deliveries = %q", got)
	}
}

func TestHandle_Reset(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "/reset", sink)
	if got := sink.joined(); !strings.Contains(got, "No active session") {
		t.Errorf("deliveries = %q", got)
	}

	f.handle(t, "start work", sink)
	if f.activeSession(t) == nil {
		t.Fatal("no session to reset")
	}

	f.handle(t, "/reset", sink)
	if sess := f.activeSession(t); sess != nil {
		t.Errorf("session survived reset: %+v", sess)
	}
}

func TestHandle_Workdir(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "start work", sink)
	if f.activeSession(t) == nil {
		t.Fatal("no session before workdir change")
	}

	f.handle(t, "/workdir /srv/app", sink)
	if sess := f.activeSession(t); sess != nil {
		t.Error("workdir change must end the active session")
	}

	conv, _ := f.sessions.FindOrCreateConversation("discord", "chan-1")
	if conv.WorkDir != "/srv/app" {
		t.Errorf("work dir = %q", conv.WorkDir)
	}

	// Same directory again: no-op, no new notice about fresh sessions.
	f.handle(t, "/workdir /srv/app", sink)
	if got := sink.joined(); !strings.Contains(got, "already /srv/app") {
		t.Errorf("deliveries = %q", got)
	}
}

func TestHandle_WorkdirUsage(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	f.handle(t, "/workdir", sink)
	if got := sink.joined(); !strings.Contains(got, "Usage") {
		t.Errorf("deliveries = %q", got)
	}
}

func TestHandle_StatusSkipsLock(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &recordSink{mode: stream.ModeLive}

	// Status answers even while the conversation lock is held.
	lease, err := f.locks.Acquire(context.Background(), "discord:chan-1", time.Second)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer lease.Release()

	f.handle(t, "/status", sink)
	if got := sink.joined(); !strings.Contains(got, "Assistant slots") {
		t.Errorf("deliveries = %q", got)
	}
	if len(f.engine.Requests) != 0 {
		t.Error("status must not engage the engine")
	}
}

func TestHandle_TrailingContextReachesPrompt(t *testing.T) {
	templates := mapLoader{"triage": "Triage issue $1"}
	f := newFixture(t, templates, &assistant.MockEngine{})
	sink := &recordSink{mode: stream.ModeConsolidated}

	err := f.orch.Handle(context.Background(), Request{
		Platform:       "github",
		ConversationID: "owner/repo#42",
		Text:           "/triage 42",
		Context:        "Panic in handler when body is empty.",
		Sink:           sink,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	req, _ := f.engine.LastRequest()
	if !strings.Contains(req.Prompt, "Triage issue 42") {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "Panic in handler") {
		t.Errorf("trailing context missing from prompt: %q", req.Prompt)
	}
}

func TestHandle_ContractErrors(t *testing.T) {
	f := newFixture(t, nil, nil)

	if err := f.orch.Handle(context.Background(), Request{Platform: "discord", ConversationID: "c"}); err == nil {
		t.Error("missing sink accepted")
	}
	if err := f.orch.Handle(context.Background(), Request{Sink: &recordSink{}}); err == nil {
		t.Error("missing conversation identity accepted")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("empty opts accepted")
	}
}

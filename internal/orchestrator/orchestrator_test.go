package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/llm"
	"LLM-Orchestra/internal/parser"
	"LLM-Orchestra/internal/resilience"
	"LLM-Orchestra/internal/safety"
	"LLM-Orchestra/internal/service"
	"LLM-Orchestra/internal/service/sandbox"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/workflow"
)

// scriptedLLM 按命令文本返回预设的 JSON。
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string]string
	calls   int
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	reply, ok := s.replies[req.Command]
	if !ok {
		return &llm.Response{Content: `{"type":"unparseable","reason":"unknown command"}`}, nil
	}
	return &llm.Response{Content: reply}, nil
}

type fixture struct {
	orch  *Orchestrator
	box   *sandbox.Services
	llm   *scriptedLLM
	store *session.MemoryStore
}

func newFixture(t *testing.T, replies map[string]string, opts ...Option) *fixture {
	t.Helper()
	seed := &sandbox.Seed{}
	seed.Storage.Files = []sandbox.SeedFile{{ID: "f1", Name: "Q4.pdf", Age: "2h"}, {ID: "f2", Name: "Budget.xlsx", Age: "30h"}}
	seed.Calendar.Events = []sandbox.SeedEvent{{ID: "e1", Title: "Planning", StartIn: "1h", Attendees: []string{"ann@x.com", "bob@x.com"}}}
	seed.Mail.Messages = []sandbox.SeedMessage{{ID: "m1", From: "ann@x.com", Subject: "Hello", Unread: true, Age: "1h"}}
	box := sandbox.New(seed)

	noSleep := resilience.WithSleep(func(context.Context, time.Duration) error { return nil })
	wrapper := resilience.NewWrapper(resilience.DefaultPolicy(), noSleep)
	seq := 0
	mgr := safety.New(service.NewRegistry(box.Handlers()...), wrapper, safety.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("act-%d", seq)
	}))
	stub := &scriptedLLM{replies: replies}
	store := session.NewMemoryStore()
	return &fixture{
		orch:  New(store, parser.New(stub), mgr, opts...),
		box:   box,
		llm:   stub,
		store: store,
	}
}

func (f *fixture) run(t *testing.T, text string, opts Options) *CommandOutcome {
	t.Helper()
	out, err := f.orch.HandleCommand(context.Background(), text, "s1", opts)
	if err != nil {
		t.Fatalf("HandleCommand(%q): %v", text, err)
	}
	return out
}

const (
	findQ4   = `{"type":"single","service":"storage","action":"search_file","parameters":{"query":"Q4"},"confidence":0.9}`
	shareIt  = `{"type":"single","service":"storage","action":"share_file","parameters":{"email":"a@b.com"},"confidence":0.9}`
	agendaTo = `{"type":"single","service":"mail","action":"send_email","parameters":{"subject":"Agenda","body":"see attached"},"confidence":0.9}`
)

func TestShareItResolvesToLastFile(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4, "share it with a@b.com": shareIt})

	if out := f.run(t, "find the Q4 report", Options{}); out.Status != StatusSucceeded {
		t.Fatalf("search failed: %+v", out)
	}
	out := f.run(t, "share it with a@b.com", Options{})
	if out.Status != StatusFailed || !out.NeedsConfirmation {
		t.Fatalf("share should wait for confirmation: %+v", out)
	}
	if got := out.Steps[0].Parameters["file_id"]; got != "f1" {
		t.Fatalf("expected file_id f1, got %v", got)
	}
	if f.box.Storage.Calls("share_file") != 0 {
		t.Fatalf("unconfirmed share reached the handler")
	}

	out = f.run(t, "share it with a@b.com", Options{Confirm: true})
	if out.Status != StatusSucceeded || out.Steps[0].ActionID == "" || !out.Steps[0].Undoable {
		t.Fatalf("confirmed share failed: %+v", out)
	}
	file, _ := f.box.Storage.File("f1")
	if shared := intent.StringList(file["shared_with"]); len(shared) != 1 || shared[0] != "a@b.com" {
		t.Fatalf("file not shared: %v", file["shared_with"])
	}
}

func TestUndoRestoresSharing(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4, "share it with a@b.com": shareIt})
	f.run(t, "find the Q4 report", Options{})
	f.run(t, "share it with a@b.com", Options{Confirm: true})

	out := f.run(t, "undo", Options{})
	if out.Status != StatusSucceeded || out.Steps[0].Action != "unshare_file" {
		t.Fatalf("undo failed: %+v", out)
	}
	file, _ := f.box.Storage.File("f1")
	if shared := intent.StringList(file["shared_with"]); len(shared) != 0 {
		t.Fatalf("sharing not reverted: %v", shared)
	}

	actions, _ := f.orch.Actions(context.Background(), "s1")
	if len(actions) != 1 || actions[0].Action != "unshare_file" {
		t.Fatalf("original record should be replaced by the inverse: %+v", actions)
	}
}

func TestUndoWithNothingRecorded(t *testing.T) {
	f := newFixture(t, nil)
	out := f.run(t, "undo", Options{})
	if out.Status != StatusFailed || out.ErrorCode != xerrors.CodeNotUndoable || out.Suggestion == "" {
		t.Fatalf("expected not undoable with suggestion: %+v", out)
	}
}

func TestDryRunIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4, "share it with a@b.com": shareIt})
	f.run(t, "find the Q4 report", Options{})
	before, _ := f.orch.References(context.Background(), "s1")

	for i := 0; i < 2; i++ {
		out := f.run(t, "share it with a@b.com", Options{DryRun: true})
		if out.Status != StatusSucceeded || !out.Steps[0].DryRun {
			t.Fatalf("dry run %d: %+v", i, out)
		}
	}
	after, _ := f.orch.References(context.Background(), "s1")
	if len(before) != len(after) || after["last_file"].Seq != before["last_file"].Seq {
		t.Fatalf("dry run changed references: before=%v after=%v", before, after)
	}
	actions, _ := f.orch.Actions(context.Background(), "s1")
	if len(actions) != 0 || f.box.Storage.Calls("share_file") != 0 {
		t.Fatalf("dry run recorded or executed: actions=%d calls=%d", len(actions), f.box.Storage.Calls("share_file"))
	}
	history, _ := f.orch.History(context.Background(), "s1")
	if !history[len(history)-1].DryRun {
		t.Fatalf("dry run not flagged in history")
	}
}

func TestSessionDryRunToggle(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4})
	if out := f.run(t, "dry run on", Options{}); !out.DryRun {
		t.Fatalf("toggle not applied: %+v", out)
	}
	out := f.run(t, "find the Q4 report", Options{})
	if !out.DryRun || !out.Steps[0].DryRun || f.box.Storage.Calls("search_file") != 0 {
		t.Fatalf("session dry run ignored: %+v", out)
	}
	f.run(t, "dry run off", Options{})
	if out := f.run(t, "find the Q4 report", Options{}); out.DryRun {
		t.Fatalf("dry run still active")
	}
}

func TestHistoryKeepsLastTen(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 12; i++ {
		f.run(t, fmt.Sprintf("gibberish %d", i), Options{})
	}
	history, err := f.orch.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != session.HistoryLimit {
		t.Fatalf("expected %d entries, got %d", session.HistoryLimit, len(history))
	}
	if history[0].Command != "gibberish 2" || history[9].Command != "gibberish 11" {
		t.Fatalf("unexpected eviction order: first=%s last=%s", history[0].Command, history[9].Command)
	}
	if history[0].Status != string(StatusUnparseable) {
		t.Fatalf("unexpected status %s", history[0].Status)
	}
}

func TestNextMeetingAttendeesThreadIntoEmail(t *testing.T) {
	f := newFixture(t, map[string]string{"email the agenda to everyone in my next meeting": agendaTo})
	out := f.run(t, "email the agenda to everyone in my next meeting", Options{})
	if out.Status != StatusSucceeded || len(out.Steps) != 2 {
		t.Fatalf("workflow failed: %+v", out)
	}
	if out.Steps[0].Action != "next_event" || out.Steps[1].Action != "send_email" {
		t.Fatalf("unexpected plan: %s, %s", out.Steps[0].Action, out.Steps[1].Action)
	}
	to := intent.StringList(out.Steps[1].Parameters["to"])
	if len(to) != 2 || to[0] != "ann@x.com" || to[1] != "bob@x.com" {
		t.Fatalf("attendees not threaded: %v", to)
	}
}

func TestEmptyLookupDoesNotFallBackToStaleEmail(t *testing.T) {
	f := newFixture(t, map[string]string{
		"search my inbox for ann":                 `{"type":"single","service":"mail","action":"search_email","parameters":{"query":"from:ann@x.com"},"confidence":0.9}`,
		"delete the last email from carol@x.com": `{"type":"single","service":"mail","action":"delete_email","parameters":{},"confidence":0.9}`,
	})
	f.run(t, "search my inbox for ann", Options{})
	refs, _ := f.orch.References(context.Background(), "s1")
	if _, ok := refs["last_email"]; !ok {
		t.Fatalf("last_email not bound: %v", refs)
	}

	out := f.run(t, "delete the last email from carol@x.com", Options{Confirm: true})
	if len(out.Steps) != 2 || out.Steps[0].Action != "search_email" {
		t.Fatalf("expected lookup then delete: %+v", out.Steps)
	}
	if out.Steps[0].Status != workflow.StatusSucceeded {
		t.Fatalf("lookup should succeed with no matches: %+v", out.Steps[0])
	}
	del := out.Steps[1]
	if del.Status != workflow.StatusFailed || del.ErrorCode != xerrors.CodeNotFound {
		t.Fatalf("delete must fail as not found: %+v", del)
	}
	if !strings.Contains(del.Error, "carol@x.com") {
		t.Fatalf("error should name the empty lookup: %s", del.Error)
	}
	if f.box.Mail.Calls("delete_email") != 0 {
		t.Fatalf("delete reached the handler")
	}
	if _, ok := f.box.Mail.Message("m1"); !ok {
		t.Fatalf("stale reference m1 was deleted")
	}
}

func TestEmptyCalendarDoesNotDeleteStaleMeeting(t *testing.T) {
	f := newFixture(t, map[string]string{
		"delete my next meeting": `{"type":"single","service":"calendar","action":"delete_event","parameters":{},"confidence":0.9}`,
	})
	f.run(t, "What's my next meeting?", Options{})
	refs, _ := f.orch.References(context.Background(), "s1")
	if _, ok := refs["next_meeting"]; !ok {
		t.Fatalf("next_meeting not bound: %v", refs)
	}
	// e1 仍然存在，但已不在未来，会话中的 next_meeting 成为旧引用。
	past := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	if _, err := f.box.Calendar.Execute(context.Background(), "update_event", map[string]any{"event_id": "e1", "start": past}); err != nil {
		t.Fatalf("move e1 into the past: %v", err)
	}

	out := f.run(t, "delete my next meeting", Options{Confirm: true})
	if len(out.Steps) != 2 || out.Steps[0].Action != "next_event" {
		t.Fatalf("expected lookup then delete: %+v", out.Steps)
	}
	if out.Steps[1].Status != workflow.StatusFailed || out.Steps[1].ErrorCode != xerrors.CodeNotFound {
		t.Fatalf("delete must fail as not found: %+v", out.Steps[1])
	}
	if f.box.Calendar.Calls("delete_event") != 0 {
		t.Fatalf("delete reached the handler")
	}
	if _, ok := f.box.Calendar.Event("e1"); !ok {
		t.Fatalf("stale reference e1 was deleted")
	}
}

func TestFailedStepSkipsDependentsOnly(t *testing.T) {
	reply := `{"type":"workflow","confidence":0.9,"steps":[
		{"service":"mail","action":"read_email","parameters":{"email_id":"missing"}},
		{"service":"storage","action":"upload_file","parameters":{"name":"notes.txt"},"depends_on":[1]},
		{"service":"calendar","action":"list_events","parameters":{"days":7}}
	]}`
	f := newFixture(t, map[string]string{"read it, save notes and list my week": reply})
	out := f.run(t, "read it, save notes and list my week", Options{})
	if out.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", out.Status)
	}
	want := []workflow.Status{workflow.StatusFailed, workflow.StatusSkipped, workflow.StatusSucceeded}
	for i, s := range out.Steps {
		if s.Status != want[i] {
			t.Fatalf("step %d: got %s want %s", i+1, s.Status, want[i])
		}
	}
	if out.Steps[0].ErrorCode == "" || out.Steps[0].Suggestion == "" {
		t.Fatalf("failure lacks code or suggestion: %+v", out.Steps[0])
	}
	if f.box.Storage.Calls("upload_file") != 0 {
		t.Fatalf("skipped step was executed")
	}
}

func TestCyclicPlanNeverRuns(t *testing.T) {
	reply := `{"type":"workflow","confidence":0.9,"steps":[
		{"service":"storage","action":"search_file","parameters":{"query":"a"},"depends_on":[2]},
		{"service":"storage","action":"search_file","parameters":{"query":"b"},"depends_on":[1]}
	]}`
	f := newFixture(t, map[string]string{"loop": reply})
	out := f.run(t, "loop", Options{})
	if out.Status != StatusPlanInvalid || out.ErrorCode != xerrors.CodePlanInvalid {
		t.Fatalf("expected plan_invalid, got %+v", out)
	}
	if f.box.Storage.Calls("search_file") != 0 {
		t.Fatalf("step ran despite invalid plan")
	}
}

func TestUnresolvedPronounNeedsClarification(t *testing.T) {
	f := newFixture(t, map[string]string{"share it with a@b.com": shareIt})
	out := f.run(t, "share it with a@b.com", Options{Confirm: true})
	if out.Status != StatusNeedsClarification || len(out.Unresolved) != 1 || out.Unresolved[0] != "it" {
		t.Fatalf("expected clarification, got %+v", out)
	}
	if f.box.Storage.Calls("share_file") != 0 {
		t.Fatalf("ambiguous share executed")
	}
}

func TestSmartQueryBypassesLanguageModel(t *testing.T) {
	f := newFixture(t, nil)
	out := f.run(t, "What's my next meeting?", Options{})
	if out.Source != SourceSmartQuery || out.Status != StatusSucceeded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.llm.calls != 0 {
		t.Fatalf("language model consulted %d times", f.llm.calls)
	}
	refs, _ := f.orch.References(context.Background(), "s1")
	if _, ok := refs["next_meeting"]; !ok {
		t.Fatalf("next_meeting not bound: %v", refs)
	}
}

func TestClearEmptiesSession(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4})
	f.run(t, "find the Q4 report", Options{})
	if out := f.run(t, "clear", Options{}); out.Status != StatusSucceeded {
		t.Fatalf("clear failed: %+v", out)
	}
	history, _ := f.orch.History(context.Background(), "s1")
	refs, _ := f.orch.References(context.Background(), "s1")
	if len(history) != 0 || len(refs) != 0 {
		t.Fatalf("session not cleared: history=%d refs=%d", len(history), len(refs))
	}
	out := f.run(t, "history", Options{})
	if out.Status != StatusSucceeded || len(out.History) != 0 {
		t.Fatalf("history builtin: %+v", out)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4, "share it with a@b.com": shareIt})
	ctx := context.Background()
	if _, err := f.orch.HandleCommand(ctx, "find the Q4 report", "alice", Options{}); err != nil {
		t.Fatal(err)
	}
	out, err := f.orch.HandleCommand(ctx, "share it with a@b.com", "bob", Options{Confirm: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusNeedsClarification {
		t.Fatalf("bob must not see alice's references: %+v", out)
	}
}

func TestConcurrentCommandsSerialisePerSession(t *testing.T) {
	f := newFixture(t, map[string]string{"find the Q4 report": findQ4})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.HandleCommand(context.Background(), "find the Q4 report", "shared", Options{}); err != nil {
				t.Errorf("HandleCommand: %v", err)
			}
		}()
	}
	wg.Wait()
	history, _ := f.orch.History(context.Background(), "shared")
	if len(history) != 8 {
		t.Fatalf("lost updates: %d history entries", len(history))
	}
	if f.orch.locks.size() != 0 {
		t.Fatalf("session locks leaked")
	}
}

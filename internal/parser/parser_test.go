package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/llm"
	"LLM-Orchestra/internal/session"
)

type stubLLM struct {
	content string
	err     error
	last    llm.Request
	calls   int
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func TestParseSingleIntent(t *testing.T) {
	stub := &stubLLM{content: "```json\n{\"type\":\"single\",\"service\":\"drive\",\"intent\":\"share_file\",\"parameters\":{\"email\":\"a@b.com\"},\"confidence\":0.9}\n```"}
	sc := session.New("s1")
	sc.Record(session.HistoryEntry{Command: "find the Q4 report"}, map[string]session.Reference{
		"last_file": {Kind: intent.KindFile, Value: map[string]any{"id": "f1", "name": "Q4.pdf"}},
	})

	res := New(stub).Parse(context.Background(), "share it with a@b.com", sc)
	if res.Kind != KindSingle {
		t.Fatalf("expected single, got %s (%s)", res.Kind, res.Reason)
	}
	if res.Intent.Service != intent.ServiceStorage || res.Intent.Action != "share_file" {
		t.Fatalf("unexpected intent %s", res.Intent.Key())
	}
	if res.Intent.RawText != "share it with a@b.com" {
		t.Fatalf("raw text not kept: %q", res.Intent.RawText)
	}
	if len(stub.last.History) != 1 || stub.last.History[0] != "find the Q4 report" {
		t.Fatalf("history summary not sent: %+v", stub.last.History)
	}
	if len(stub.last.References) != 1 || stub.last.References[0] != "last_file" {
		t.Fatalf("references not sent: %+v", stub.last.References)
	}
	if !strings.Contains(strings.Join(stub.last.Hints, "\n"), "latest.file: last_file (id=f1)") {
		t.Fatalf("hints missing latest file: %+v", stub.last.Hints)
	}
}

func TestParseWorkflow(t *testing.T) {
	stub := &stubLLM{content: `{"type":"workflow","confidence":0.8,"steps":[
		{"service":"calendar","action":"next_event","parameters":{"max_results":1},"depends_on":null,"output":"meeting"},
		{"service":"mail","action":"send_email","parameters":{"subject":"Agenda"},"depends_on":1,"inputs":{"to":"meeting.attendees"}},
		{"service":"storage","action":"search_file","parameters":{"query":"agenda"},"depends_on":["1","2"]}
	]}`}
	res := New(stub).Parse(context.Background(), "email the agenda to everyone in my next meeting", nil)
	if res.Kind != KindWorkflow {
		t.Fatalf("expected workflow, got %s (%s)", res.Kind, res.Reason)
	}
	if len(res.Drafts) != 3 {
		t.Fatalf("expected 3 drafts, got %d", len(res.Drafts))
	}
	if got := res.Drafts[1].DependsOn; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected deps for step 2: %v", got)
	}
	if got := res.Drafts[2].DependsOn; len(got) != 2 || got[1] != 2 {
		t.Fatalf("unexpected deps for step 3: %v", got)
	}
	if res.Drafts[1].Inputs["to"] != "meeting.attendees" || res.Drafts[0].Output != "meeting" {
		t.Fatalf("bindings lost: %+v", res.Drafts)
	}
}

func TestParseFailuresAreUnparseable(t *testing.T) {
	cases := map[string]*stubLLM{
		"not json":        {content: "I think you want to send an email"},
		"malformed":       {content: `{"type":"single","service":`},
		"unknown service": {content: `{"service":"fax","action":"send"}`},
		"unknown action":  {content: `{"service":"mail","action":"teleport"}`},
		"low confidence":  {content: `{"service":"mail","action":"search_email","confidence":0.2}`},
		"declined":        {content: `{"type":"unparseable","reason":"ambiguous"}`},
		"bad depends_on":  {content: `{"type":"workflow","steps":[{"service":"mail","action":"search_email"},{"service":"mail","action":"read_email","depends_on":"first"}]}`},
		"delegate error":  {err: errors.New("boom")},
	}
	for name, stub := range cases {
		t.Run(name, func(t *testing.T) {
			res := New(stub).Parse(context.Background(), "do something", nil)
			if res.Kind != KindUnparseable {
				t.Fatalf("expected unparseable, got %s", res.Kind)
			}
			if xerrors.CodeOf(res.Err()) != xerrors.CodeUnparseable {
				t.Fatalf("unexpected error code %v", res.Err())
			}
		})
	}
}

func TestParseTimeout(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	res := New(slow, WithTimeout(10*time.Millisecond)).Parse(context.Background(), "find my files", nil)
	if res.Kind != KindUnparseable || res.Reason != "language model timed out" {
		t.Fatalf("expected timeout to be unparseable, got %+v", res)
	}
}

func TestParseMinConfidenceOption(t *testing.T) {
	stub := &stubLLM{content: `{"service":"mail","action":"search_email","confidence":0.2}`}
	res := New(stub, WithMinConfidence(0.1)).Parse(context.Background(), "find mail", nil)
	if res.Kind != KindSingle {
		t.Fatalf("expected single with lowered threshold, got %+v", res)
	}
}

func TestParseEmptyCommandSkipsDelegate(t *testing.T) {
	stub := &stubLLM{}
	res := New(stub).Parse(context.Background(), "   ", nil)
	if res.Kind != KindUnparseable || stub.calls != 0 {
		t.Fatalf("expected unparseable without delegate call, got %+v calls=%d", res, stub.calls)
	}
}

func TestSingleStepWorkflowCollapses(t *testing.T) {
	res := Decode(`{"type":"workflow","steps":[{"service":"storage","action":"search_file","parameters":{"query":"Q4"}}]}`, "find Q4")
	if res.Kind != KindSingle || res.Intent.StringParam("query") != "Q4" {
		t.Fatalf("expected single collapse, got %+v", res)
	}
}

package workflow

import (
	"strings"
	"testing"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
)

func draft(action string, deps ...int) Draft {
	return Draft{Intent: intent.New(intent.ServiceMail, action, nil, ""), DependsOn: deps}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]Draft{draft("search_email", 3), draft("search_email", 1), draft("search_email", 2)})
	if xerrors.CodeOf(err) != xerrors.CodePlanInvalid {
		t.Fatalf("expected PLAN_INVALID, got %v", err)
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("cycle path missing from %v", err)
	}
}

func TestBuildRejectsMalformedDependencies(t *testing.T) {
	cases := map[string][]Draft{
		"self":    {draft("search_email", 1)},
		"unknown": {draft("search_email"), draft("search_email", 7)},
		"later":   {draft("search_email", 2), draft("search_email")},
		"empty":   nil,
	}
	for name, drafts := range cases {
		if _, err := Build(drafts); xerrors.CodeOf(err) != xerrors.CodePlanInvalid {
			t.Fatalf("%s: expected PLAN_INVALID, got %v", name, err)
		}
	}
}

func TestBuildOrderAndDependents(t *testing.T) {
	plan, err := Build([]Draft{draft("search_email"), draft("read_email", 1), draft("search_email"), draft("delete_email", 2, 2)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := plan.Order(); len(got) != 4 || got[0] != 1 || got[1] != 2 || got[2] != 3 || got[3] != 4 {
		t.Fatalf("unexpected order %v", got)
	}
	if deps := plan.Step(4).DependsOn; len(deps) != 1 {
		t.Fatalf("duplicate dependency not collapsed: %v", deps)
	}
	if got := plan.Dependents(1); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("unexpected dependents %v", got)
	}
	for _, s := range plan.Steps {
		if s.Status != StatusPending {
			t.Fatalf("step %d not pending", s.Index)
		}
	}
}

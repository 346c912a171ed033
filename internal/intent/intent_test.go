package intent

import (
	"testing"

	xerrors "LLM-Orchestra/internal/errors"
)

func TestParseServiceAliases(t *testing.T) {
	cases := map[string]Service{"gmail": ServiceMail, " Drive ": ServiceStorage, "calendar": ServiceCalendar}
	for raw, want := range cases {
		got, err := ParseService(raw)
		if err != nil || got != want {
			t.Fatalf("ParseService(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseService("slack"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	base := New(ServiceStorage, "share_file", map[string]any{"email": "a@b.com"}, "share it")
	next := base.With("file_id", "f1")
	if base.HasParam("file_id") {
		t.Fatalf("original intent mutated")
	}
	if next.StringParam("file_id") != "f1" || next.StringParam("email") != "a@b.com" {
		t.Fatalf("unexpected parameters %v", next.Parameters)
	}
}

func TestValidateRequiredParameters(t *testing.T) {
	err := New(ServiceStorage, "share_file", map[string]any{"email": "a@b.com"}, "").Validate()
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected missing file_id, got %v", err)
	}
	if err := New(ServiceMail, "search_email", nil, "").Validate(); err != nil {
		t.Fatalf("search_email has no required params: %v", err)
	}
	if err := New(ServiceMail, "fly", nil, "").Validate(); err == nil {
		t.Fatalf("unknown action should fail")
	}
}

func TestRiskOf(t *testing.T) {
	cases := []struct {
		in   Intent
		want Risk
	}{
		{New(ServiceMail, "search_email", nil, ""), RiskLow},
		{New(ServiceMail, "send_email", map[string]any{"to": "a@x.com"}, ""), RiskMedium},
		{New(ServiceMail, "send_email", map[string]any{"to": []any{"a@x", "b@x", "c@x", "d@x"}}, ""), RiskHigh},
		{New(ServiceStorage, "delete_file", map[string]any{"file_id": "f1"}, ""), RiskHigh},
		{New(ServiceStorage, "share_file", nil, ""), RiskHigh},
		{New(ServiceCalendar, "delete_event", nil, ""), RiskHigh},
	}
	for _, tc := range cases {
		if got := RiskOf(tc.in, 0); got != tc.want {
			t.Fatalf("RiskOf(%s) = %s want %s", tc.in.Key(), got, tc.want)
		}
	}
}

func TestInverse(t *testing.T) {
	inv, ok := Inverse(New(ServiceCalendar, "create_event", map[string]any{"title": "sync"}, ""), map[string]any{"id": "e9"})
	if !ok || inv.Key() != "calendar.delete_event" || inv.StringParam("event_id") != "e9" {
		t.Fatalf("unexpected inverse %v %v", inv, ok)
	}
	inv, ok = Inverse(New(ServiceStorage, "share_file", map[string]any{"file_id": "f1", "email": "a@b.com"}, ""), nil)
	if !ok || inv.Key() != "storage.unshare_file" || len(inv.ListParam("email")) != 1 || inv.ListParam("email")[0] != "a@b.com" {
		t.Fatalf("unexpected inverse %v %v", inv, ok)
	}
	if _, ok := Inverse(New(ServiceMail, "send_email", map[string]any{"to": "a@b.com"}, ""), map[string]any{"id": "m1"}); ok {
		t.Fatalf("send_email must not be undoable")
	}
	if _, ok := Inverse(New(ServiceCalendar, "update_event", map[string]any{"event_id": "e1"}, ""), map[string]any{}); ok {
		t.Fatalf("update without previous state must not be undoable")
	}
}

func TestTarget(t *testing.T) {
	if got := Target(New(ServiceStorage, "share_file", map[string]any{"file_id": "f1"}, ""), nil); got != "storage:file:f1" {
		t.Fatalf("unexpected target %q", got)
	}
	if got := Target(New(ServiceCalendar, "create_event", nil, ""), map[string]any{"id": "e2"}); got != "calendar:event:e2" {
		t.Fatalf("unexpected target %q", got)
	}
	if got := Target(New(ServiceMail, "search_email", nil, ""), map[string]any{}); got != "" {
		t.Fatalf("search should have no target, got %q", got)
	}
}

func TestStringList(t *testing.T) {
	got := StringList([]any{"a@x", map[string]any{"email": "b@x"}, nil})
	if len(got) != 2 || got[1] != "b@x" {
		t.Fatalf("unexpected list %v", got)
	}
	if got := StringList("a@x, b@x"); len(got) != 2 {
		t.Fatalf("comma list not split: %v", got)
	}
}

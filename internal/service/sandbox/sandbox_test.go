package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
)

var fixed = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixed }

func seeded(t *testing.T) *Services {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	doc := `
mail:
  messages:
    - {id: m1, from: bob@corp.com, subject: Budget, unread: true, age: 48h}
    - {id: m2, from: amy@corp.com, subject: Lunch, age: 240h}
calendar:
  events:
    - {id: e1, title: Standup, start_in: 30m, attendees: [a@corp.com, b@corp.com]}
    - {id: e2, title: Review, start_in: 26h}
storage:
  files:
    - {id: f1, name: Q4.pdf, age: 2h}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	return New(seed, WithClock(clock))
}

func TestMailSearchFilters(t *testing.T) {
	s := seeded(t)
	res, err := s.Mail.Execute(context.Background(), "search_email", map[string]any{"query": "is:unread newer_than:5d"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	items := res.Data["items"].([]map[string]any)
	if len(items) != 1 || items[0]["id"] != "m1" {
		t.Fatalf("unexpected items %v", items)
	}
	res, _ = s.Mail.Execute(context.Background(), "search_email", map[string]any{"query": "newer_than:5d"})
	if n := res.Data["count"].(int); n != 1 {
		t.Fatalf("ten day old message should be filtered, got %d", n)
	}
}

func TestCalendarNextEvent(t *testing.T) {
	s := seeded(t)
	res, err := s.Calendar.Execute(context.Background(), "next_event", nil)
	if err != nil {
		t.Fatalf("next_event: %v", err)
	}
	items := res.Data["items"].([]map[string]any)
	if len(items) != 1 || items[0]["id"] != "e1" {
		t.Fatalf("unexpected next event %v", items)
	}
}

func TestShareAndUnshareRestoresState(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	before, _ := s.Storage.File("f1")
	res, err := s.Storage.Execute(ctx, "share_file", map[string]any{"file_id": "f1", "email": "a@b.com"})
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if added := res.Data["added"].([]string); len(added) != 1 {
		t.Fatalf("unexpected added %v", added)
	}
	if _, err := s.Storage.Execute(ctx, "unshare_file", map[string]any{"file_id": "f1", "email": []string{"a@b.com"}}); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	after, _ := s.Storage.File("f1")
	if len(after["shared_with"].([]string)) != len(before["shared_with"].([]string)) {
		t.Fatalf("share state not restored: %v vs %v", before, after)
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	s := seeded(t)
	desc, err := s.Storage.Preview(context.Background(), "delete_file", map[string]any{"file_id": "f1"})
	if err != nil || desc == "" {
		t.Fatalf("preview: %q %v", desc, err)
	}
	if _, ok := s.Storage.File("f1"); !ok {
		t.Fatalf("preview deleted the file")
	}
	if s.Storage.Calls("delete_file") != 0 {
		t.Fatalf("preview counted as a call")
	}
	if _, err := s.Storage.Preview(context.Background(), "teleport", nil); xerrors.CodeOf(err) != xerrors.CodeDryRunUnsupported {
		t.Fatalf("expected dry-run unsupported, got %v", err)
	}
}

func TestInjectedFaultsAreConsumedInOrder(t *testing.T) {
	s := seeded(t)
	s.Mail.Inject("search_email", xerrors.New(xerrors.CodeRateLimited, "429"))
	if _, err := s.Mail.Execute(context.Background(), "search_email", nil); xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if _, err := s.Mail.Execute(context.Background(), "search_email", nil); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	if s.Mail.Calls("search_email") != 2 {
		t.Fatalf("calls = %d", s.Mail.Calls("search_email"))
	}
}

func TestDeleteMissingFileIsPermanent(t *testing.T) {
	s := seeded(t)
	_, err := s.Storage.Execute(context.Background(), "delete_file", map[string]any{"file_id": "nope"})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound || xerrors.RetryableError(err) {
		t.Fatalf("expected permanent not found, got %v", err)
	}
}

func TestLatencyHonoursCancellation(t *testing.T) {
	c := NewCalendar(WithLatency(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, "next_event", nil)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

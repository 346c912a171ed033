package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	FromContext(WithSession(context.Background(), "s-1"), "orchestrator").Info("hello", "step", 1)
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if entry["session_id"] != "s-1" || entry["component"] != "orchestrator" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARNING").String() != "WARN" {
		t.Fatalf("warning should map to WARN")
	}
	if parseLevel("nope").String() != "INFO" {
		t.Fatalf("unknown level should default to INFO")
	}
}

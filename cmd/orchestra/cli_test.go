package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"LLM-Orchestra/internal/api"
	"LLM-Orchestra/internal/bootstrap"
	"LLM-Orchestra/internal/config"
	"LLM-Orchestra/sdk/go/orchestra"
)

const testConfigYAML = `
sandbox:
  seed_file: seed.yaml
safety:
  bulk_recipient_threshold: 3
`

const testSeedYAML = `
mail:
  messages:
    - id: m1
      from: ann@x.com
      subject: Hello
      unread: true
      age: 1h
calendar:
  events:
    - id: e1
      title: Planning
      start_in: 1h
      attendees: [ann@x.com]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seed.yaml"), []byte(testSeedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	path := filepath.Join(dir, "orchestra.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunPrintsJSONOutcome(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "", "--config", path, "run", "--json", "what's", "my", "next", "meeting")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var outcome orchestra.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !outcome.Succeeded() || outcome.Source != "smart_query" || outcome.SessionID != "default" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestRunUnparseableFails(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "", "--config", path, "run", "reticulate", "the", "splines")
	if err == nil {
		t.Fatalf("expected failure, got output %s", out)
	}
	if !strings.Contains(out, "[unparseable]") {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestShellKeepsOneSession(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "any unread emails\n\nhistory\nexit\n", "--config", path, "--session", "cli", "shell")
	if err != nil {
		t.Fatalf("shell: %v\n%s", err, out)
	}
	for _, want := range []string{"session cli", "[succeeded] any unread emails", "[succeeded] history"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "any unread emails") < 2 {
		t.Fatalf("history should list the earlier command:\n%s", out)
	}
}

func TestShellGeneratesSessionID(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "", "--config", path, "shell")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	first := strings.SplitN(out, "\n", 2)[0]
	if !strings.HasPrefix(first, "session ") || strings.Contains(first, "session default") {
		t.Fatalf("unexpected banner %q", first)
	}
}

func TestTaskNeedsServer(t *testing.T) {
	_, err := execute(t, "", "task", "list")
	if !errors.Is(err, errServerRequired) {
		t.Fatalf("expected errServerRequired, got %v", err)
	}
}

func TestRemoteBackend(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()
	if err := app.EnableTasks(context.Background()); err != nil {
		t.Fatalf("EnableTasks: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", app.Orchestrator, api.WithTaskService(app.Tasks)).Handler())
	defer srv.Close()

	if out, err := execute(t, "", "--server", srv.URL, "--session", "remote", "run", "any", "unread", "emails"); err != nil {
		t.Fatalf("remote run: %v\n%s", err, out)
	}
	out, err := execute(t, "", "--server", srv.URL, "--session", "remote", "history")
	if err != nil || !strings.Contains(out, "any unread emails") {
		t.Fatalf("remote history: %v\n%s", err, out)
	}

	out, err = execute(t, "", "--server", srv.URL, "--session", "remote", "task", "submit", "--id", "t-cli", "history")
	if err != nil || !strings.Contains(out, "task t-cli  queued") {
		t.Fatalf("task submit: %v\n%s", err, out)
	}
	out, err = execute(t, "", "--server", srv.URL, "--session", "remote", "task", "list", "--json")
	if err != nil {
		t.Fatalf("task list: %v", err)
	}
	var tasks []orchestra.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil || len(tasks) != 1 || tasks[0].ID != "t-cli" {
		t.Fatalf("unexpected task list %s (%v)", out, err)
	}

	if out, err := execute(t, "", "--server", srv.URL, "--session", "remote", "clear"); err != nil || !strings.Contains(out, "session remote cleared") {
		t.Fatalf("clear: %v\n%s", err, out)
	}
}

package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"LLM-Orchestra/internal/config"
	"LLM-Orchestra/internal/llm"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/internal/task"
)

const seedYAML = `
calendar:
  events:
    - id: e1
      title: Planning
      start_in: 1h
      attendees: [ann@x.com, bob@x.com]
storage:
  files:
    - id: f1
      name: Q4.pdf
      age: 2h
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seed.yaml"), []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cfg := config.Default(dir)
	cfg.Sandbox.SeedFile = filepath.Join(dir, "seed.yaml")
	return cfg
}

var findQ4 = llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: `{"type":"single","service":"storage","action":"search_file","parameters":{"query":"Q4"},"confidence":0.9}`}, nil
})

func TestBuildWithDefaults(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	if _, err := os.Stat(cfg.Runtime.DataDir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}

	out, err := app.Orchestrator.HandleCommand(context.Background(), "what's my next meeting", "s1", orchestrator.Options{})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if out.Status != orchestrator.StatusSucceeded || out.Source != orchestrator.SourceSmartQuery {
		t.Fatalf("unexpected outcome %+v", out)
	}

	// 未配置脚本时只有快捷查询与内置命令可用。
	out, err = app.Orchestrator.HandleCommand(context.Background(), "find the Q4 report", "s1", orchestrator.Options{})
	if err != nil {
		t.Fatalf("HandleCommand: %v", err)
	}
	if out.Status != orchestrator.StatusUnparseable {
		t.Fatalf("expected unparseable without a language model, got %s", out.Status)
	}
}

func TestBuildRejectsUnknownQuotaService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota.Services = map[string]config.QuotaBudget{"fax": {Budget: 10}}
	if _, err := Build(context.Background(), cfg, WithLLMClient(findQ4)); err == nil {
		t.Fatalf("expected error for unknown quota service")
	}
}

func TestBuildRequiresAPIKeyForOpenAI(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAI.APIKey = ""
	cfg.LLM.OpenAI.APIKeyEnv = ""
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected missing api key error")
	}
}

func TestHardQuotaBlocksService(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota.Services = map[string]config.QuotaBudget{"drive": {Budget: 1, SoftRatio: 0.5, Hard: true}}
	app, err := Build(context.Background(), cfg, WithLLMClient(findQ4))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	first, _ := app.Orchestrator.HandleCommand(context.Background(), "find the Q4 report", "s1", orchestrator.Options{})
	if first.Status != orchestrator.StatusSucceeded {
		t.Fatalf("first call should pass: %+v", first)
	}
	second, _ := app.Orchestrator.HandleCommand(context.Background(), "find the Q4 report", "s1", orchestrator.Options{})
	if second.Status == orchestrator.StatusSucceeded {
		t.Fatalf("hard quota should block the second call: %+v", second)
	}
}

func TestEnableTasksRunsCommandsAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	app, err := Build(context.Background(), testConfig(t), WithLLMClient(findQ4))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()
	if err := app.EnableTasks(context.Background()); err != nil {
		t.Fatalf("EnableTasks: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = app.Processor.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	submitted, err := app.Tasks.Submit(context.Background(), task.Request{Command: "find the Q4 report", SessionID: "s2"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	finished, err := app.Tasks.WaitUntilCompleted(waitCtx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilCompleted: %v", err)
	}
	if finished.Status != task.StatusSucceeded || finished.Outcome == nil || finished.Outcome.Status != orchestrator.StatusSucceeded {
		t.Fatalf("unexpected task %+v", finished)
	}

	refs, err := app.Orchestrator.References(context.Background(), "s2")
	if err != nil {
		t.Fatalf("References: %v", err)
	}
	if _, ok := refs["last_file"]; !ok {
		t.Fatalf("async command did not update the session: %v", refs)
	}
}

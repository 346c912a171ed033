package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"LLM-Orchestra/internal/llm"
)

func TestResolveScriptPath(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"/abs/intent.py": "/abs/intent.py",
		"intent.py":      filepath.Join("/base", "intent.py"),
	}
	for in, want := range cases {
		if got := ResolveScriptPath("/base", in); got != want {
			t.Fatalf("ResolveScriptPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateEchoesScriptOutput(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "intent.sh")
	body := "cat >/dev/null\necho '{\"type\":\"unparseable\",\"reason\":\"stub\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	client, err := NewClient(sh, script, dir)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Command: "hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != `{"type":"unparseable","reason":"stub"}` {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

package llm

import (
	"strings"
	"testing"
)

func TestSystemPromptListsCatalog(t *testing.T) {
	p := SystemPrompt()
	for _, want := range []string{"mail:", "calendar:", "storage:", "share_file", "depends_on"} {
		if !strings.Contains(p, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
}

func TestUserPromptSections(t *testing.T) {
	p := UserPrompt(Request{Command: " share it ", History: []string{"find the Q4 report"}, References: []string{"last_file"}, Hints: []string{"latest.file: last_file (id=f1)"}})
	for _, want := range []string{"## Command\nshare it\n", "[1] find the Q4 report", "last_file", "- latest.file"} {
		if !strings.Contains(p, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(UserPrompt(Request{Command: "x"}), "## Hints") {
		t.Fatalf("empty sections must be omitted")
	}
}

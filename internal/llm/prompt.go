package llm

import (
	"fmt"
	"strings"

	"LLM-Orchestra/internal/intent"
)

// SystemPrompt 描述输出结构与可用的服务动作。
func SystemPrompt() string {
	var b strings.Builder
	b.WriteString("You translate a user's command into structured actions against mail, calendar and storage services.\n")
	b.WriteString("Respond with ONE JSON object and nothing else.\n")
	b.WriteString(`Single action: {"type":"single","service":"...","action":"...","parameters":{...},"confidence":0.0-1.0}` + "\n")
	b.WriteString(`Several dependent actions: {"type":"workflow","confidence":0.0-1.0,"steps":[{"service":"...","action":"...","parameters":{...},"depends_on":[1],"inputs":{"param":"reference.path"},"output":"name"}]}` + "\n")
	b.WriteString(`Not understood: {"type":"unparseable","reason":"..."}` + "\n")
	b.WriteString("Steps are numbered from 1 and may only depend on earlier steps.\n")
	b.WriteString("Leave a parameter out when the command refers to something from earlier in the conversation (\"it\", \"them\"); it is filled in later.\n")
	b.WriteString("Available actions:\n")
	for _, svc := range intent.Services() {
		b.WriteString(fmt.Sprintf("- %s: %s\n", svc, strings.Join(intent.Actions(svc), ", ")))
	}
	b.WriteString("Mail search queries use tokens like from:x@y.com is:unread is:important newer_than:5d.")
	return b.String()
}

// UserPrompt 拼接命令与会话摘要。
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("## Command\n")
	b.WriteString(strings.TrimSpace(req.Command))
	b.WriteString("\n")
	if len(req.History) > 0 {
		b.WriteString("\n## Recent commands\n")
		for idx, h := range req.History {
			b.WriteString(fmt.Sprintf("[%d] %s\n", idx+1, truncate(h)))
		}
	}
	if len(req.References) > 0 {
		b.WriteString("\n## Available references\n")
		b.WriteString(strings.Join(req.References, ", "))
		b.WriteString("\n")
	}
	if len(req.Hints) > 0 {
		b.WriteString("\n## Hints\n")
		for _, h := range req.Hints {
			b.WriteString("- " + h + "\n")
		}
	}
	return b.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 120 {
		return string(r[:120]) + "..."
	}
	return text
}

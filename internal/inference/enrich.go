package inference

import (
	"fmt"
	"sort"

	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/session"
)

// Enriched 是解析后补全的结果。
type Enriched struct {
	Intent        intent.Intent
	Substitutions map[string]string
	Unresolved    []string
}

// NeedsClarification 表示存在无法消解的代词，Intent 不应被执行。
func (e Enriched) NeedsClarification() bool {
	return len(e.Unresolved) > 0
}

const reservedMarker = "\x00reserved"

// Enrich 依次应用字面引用替换、代词消解和过滤推断。只填空字段。
// reserved 中的参数由上游步骤注入，这里视为已填充。
func Enrich(text string, in intent.Intent, sc *session.Context, reserved ...string) Enriched {
	in = substituteLiterals(in, sc)
	var held []string
	for _, name := range reserved {
		if !in.HasParam(name) {
			in = in.With(name, reservedMarker)
			held = append(held, name)
		}
	}
	res := ResolvePronouns(text, in, sc)
	out := applyFilters(res.Intent, text)
	for _, name := range held {
		out = out.Without(name)
	}
	return Enriched{
		Intent:        out,
		Substitutions: res.Substitutions,
		Unresolved:    res.Unresolved,
	}
}

// Hints 在调用语言理解服务之前给出提示：推断出的过滤条件，以及会话中各类型最新的引用。
func Hints(text string, sc *session.Context) map[string]string {
	hints := make(map[string]string)
	for _, svc := range intent.Services() {
		for k, v := range InferFilters(text, svc) {
			hints[fmt.Sprintf("%s.%s", svc, k)] = fmt.Sprint(v)
		}
	}
	if sc != nil {
		kinds := []intent.Kind{intent.KindEmail, intent.KindEvent, intent.KindFile, intent.KindContact}
		for _, kind := range kinds {
			if name, ref, ok := sc.Latest(kind, nil); ok {
				hint := name
				if id := session.ID(ref.Value); id != "" {
					hint = fmt.Sprintf("%s (id=%s)", name, id)
				}
				hints["latest."+string(kind)] = hint
			}
		}
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// HintLines 以稳定顺序输出提示，便于拼接到提示词中。
func HintLines(hints map[string]string) []string {
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+hints[k])
	}
	return lines
}

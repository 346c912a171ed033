package inference

import (
	"regexp"
	"strings"

	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/session"
)

var (
	reSingular = regexp.MustCompile(`\b(it|this|that|the (?:file|document|email|message|meeting|event))\b`)
	rePlural   = regexp.MustCompile(`\b(them|they|those|these|everyone|all of them)\b`)
	reOrdinal  = regexp.MustCompile(`\bthe (first|second|third|fourth|fifth|last) one\b`)
)

var ordinals = map[string]int{"first": 0, "second": 1, "third": 2, "fourth": 3, "fifth": 4, "last": -1}

// literalPronouns 是解析服务有时直接回填到参数中的代词。
var literalPronouns = map[string]bool{"it": true, "this": true, "that": true, "them": true, "they": true, "those": true}

// Resolution 是代词消解的结果。
type Resolution struct {
	Intent intent.Intent
	// Substitutions 记录代词到引用名的替换。
	Substitutions map[string]string
	// Unresolved 是找不到兼容引用的代词。
	Unresolved []string
}

// ResolvePronouns 按槽位类型匹配代词：
// 单数代词填对象槽位，只匹配同类型的单数引用；
// 复数代词优先填人员槽位，只匹配联系人引用，否则在复数引用恰好只有一项时填对象槽位；
// "the first one" 之类按序号取同类型最近的复数引用。
// 同类型候选中取最近写入的一个。显式参数不会被覆盖。
func ResolvePronouns(text string, in intent.Intent, sc *session.Context) Resolution {
	res := Resolution{Intent: in, Substitutions: make(map[string]string)}
	spec, ok := in.Spec()
	if !ok || sc == nil {
		return res
	}
	lower := strings.ToLower(text)

	if m := reOrdinal.FindStringSubmatch(lower); m != nil && spec.ObjectSlot != "" && !res.Intent.HasParam(spec.ObjectSlot) {
		plural := true
		name, ref, found := sc.Latest(spec.ObjectKind, &plural)
		items := session.Items(ref.Value)
		idx := ordinals[m[1]]
		if idx < 0 {
			idx = len(items) - 1
		}
		if found && idx >= 0 && idx < len(items) {
			res.Intent = res.Intent.With(spec.ObjectSlot, session.ID(items[idx]))
			res.Substitutions[m[0]] = name
		} else {
			res.Unresolved = append(res.Unresolved, m[0])
		}
	}

	if m := reSingular.FindStringSubmatch(lower); m != nil && spec.ObjectSlot != "" && !res.Intent.HasParam(spec.ObjectSlot) {
		single := false
		if name, ref, found := sc.Latest(spec.ObjectKind, &single); found && session.ID(ref.Value) != "" {
			res.Intent = res.Intent.With(spec.ObjectSlot, session.ID(ref.Value))
			res.Substitutions[m[1]] = name
		} else {
			res.Unresolved = append(res.Unresolved, m[1])
		}
	}

	if m := rePlural.FindStringSubmatch(lower); m != nil {
		word := m[1]
		switch {
		case spec.PersonSlot != "" && !res.Intent.HasParam(spec.PersonSlot):
			if name, ref, found := sc.Latest(intent.KindContact, nil); found {
				res.Intent = res.Intent.With(spec.PersonSlot, intent.StringList(ref.Value))
				res.Substitutions[word] = name
			} else {
				res.Unresolved = append(res.Unresolved, word)
			}
		case spec.ObjectSlot != "" && !res.Intent.HasParam(spec.ObjectSlot):
			plural := true
			name, ref, found := sc.Latest(spec.ObjectKind, &plural)
			if items := session.Items(ref.Value); found && len(items) == 1 {
				res.Intent = res.Intent.With(spec.ObjectSlot, session.ID(items[0]))
				res.Substitutions[word] = name
			} else {
				res.Unresolved = append(res.Unresolved, word)
			}
		}
	}
	return res
}

// substituteLiterals 处理解析服务回填的字面代词或 "$last_file.id" 形式的引用。
func substituteLiterals(in intent.Intent, sc *session.Context) intent.Intent {
	if sc == nil {
		return in
	}
	spec, _ := in.Spec()
	for k, v := range in.Parameters {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		switch {
		case literalPronouns[strings.ToLower(s)]:
			in = in.With(k, nil)
		case strings.HasPrefix(s, "$"):
			name, path, _ := strings.Cut(strings.TrimPrefix(s, "$"), ".")
			ref, err := sc.Resolve(name)
			if err != nil {
				in = in.With(k, nil)
				continue
			}
			value, ok := session.Lookup(ref.Value, path)
			if !ok {
				in = in.With(k, nil)
				continue
			}
			if k == spec.ObjectSlot {
				value = session.ID(value)
			} else if k == spec.PersonSlot {
				value = intent.StringList(value)
			}
			in = in.With(k, value)
		}
	}
	return in
}

package inference

import (
	"regexp"
	"strings"

	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/workflow"
)

var (
	reNextMeeting = regexp.MustCompile(`\b(?:next|upcoming)\s+(?:meeting|event)\b`)
	reAttendees   = regexp.MustCompile(`\b(attendees|participants|everyone|people|invitees)\b`)
	reLastEmail   = regexp.MustCompile(`\b(?:last|latest|most recent)\s+(?:email|message|mail)(?:\s+from\s+(\S+))?`)
	reLastFile    = regexp.MustCompile(`\b(?:last|latest|most recent)\s+(?:file|document|upload)\b`)
)

// InferImplicitTargets 在 Intent 引用 "next meeting"、"last email"、"last file"
// 却缺少标识时，生成一个前置查询步骤，返回两步草稿；否则返回 nil。
//
// "next meeting" 每次都重新查询；"last email/file" 仅在会话中没有对应引用时才查询。
func InferImplicitTargets(text string, in intent.Intent, sc *session.Context) []workflow.Draft {
	spec, ok := in.Spec()
	if !ok {
		return nil
	}
	lower := strings.ToLower(text)

	if reNextMeeting.MatchString(lower) && !(in.Service == intent.ServiceCalendar && spec.ReadOnly) {
		lookup := intent.New(intent.ServiceCalendar, "next_event", map[string]any{"max_results": 1}, "next meeting")
		switch {
		case spec.PersonSlot != "" && !in.HasParam(spec.PersonSlot) && (reAttendees.MatchString(lower) || in.Service != intent.ServiceCalendar):
			return chain(lookup, in, spec.PersonSlot, "next_meeting.attendees")
		case spec.ObjectKind == intent.KindEvent && !in.HasParam(spec.ObjectSlot):
			return chain(lookup, in, spec.ObjectSlot, "next_meeting.id")
		}
	}

	if m := reLastEmail.FindStringSubmatch(lower); m != nil && spec.ObjectKind == intent.KindEmail && !in.HasParam(spec.ObjectSlot) {
		if _, err := sc.Resolve("last_email"); err != nil || m[1] != "" {
			params := map[string]any{"max_results": 1}
			if m[1] != "" {
				params["query"] = "from:" + strings.Trim(m[1], ".,?!")
			}
			lookup := intent.New(intent.ServiceMail, "search_email", params, "last email")
			return chain(lookup, in, spec.ObjectSlot, "last_email.id")
		}
	}

	if reLastFile.MatchString(lower) && spec.ObjectKind == intent.KindFile && !in.HasParam(spec.ObjectSlot) {
		if _, err := sc.Resolve("last_file"); err != nil {
			lookup := intent.New(intent.ServiceStorage, "search_file", map[string]any{"max_results": 1, "order_by": "modified"}, "last file")
			return chain(lookup, in, spec.ObjectSlot, "last_file.id")
		}
	}
	return nil
}

// chain 让目标步骤只从前置查询的结果取值；查询为空时目标步骤失败，不会回退到会话中的旧引用。
func chain(lookup, target intent.Intent, param, path string) []workflow.Draft {
	output, _, _ := strings.Cut(path, ".")
	return []workflow.Draft{
		{Intent: lookup, Output: output},
		{Intent: target, DependsOn: []int{1}, Inputs: map[string]string{param: path}},
	}
}

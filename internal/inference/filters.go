package inference

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"LLM-Orchestra/internal/intent"
)

var (
	reUnread    = regexp.MustCompile(`\bunread\b`)
	reImportant = regexp.MustCompile(`\b(important|priority)\b`)
	reLastN     = regexp.MustCompile(`\b(?:last|past)\s+(\d+)\s+(day|week|month)s?\b`)
	reLastUnit  = regexp.MustCompile(`\b(?:last|past)\s+(week|month)\b`)
	reToday     = regexp.MustCompile(`\btoday\b`)
	reThisWeek  = regexp.MustCompile(`\bthis\s+week\b`)
	reNextWeek  = regexp.MustCompile(`\bnext\s+week\b`)
	reFrom      = regexp.MustCompile(`\bfrom\s+([a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,})`)
)

var unitDays = map[string]int{"day": 1, "week": 7, "month": 30}

// AgeDays 解析 "last N days/weeks/months"、"last week" 等相对时间短语，统一换算为天数。
func AgeDays(text string) (int, bool) {
	lower := strings.ToLower(text)
	if m := reLastN.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n * unitDays[m[2]], true
		}
	}
	if m := reLastUnit.FindStringSubmatch(lower); m != nil {
		return unitDays[m[1]], true
	}
	return 0, false
}

// InferFilters 把识别到的短语映射为服务相关的过滤参数，多个短语以空格连接，表示同时满足。
func InferFilters(text string, svc intent.Service) map[string]any {
	lower := strings.ToLower(text)
	out := make(map[string]any)
	switch svc {
	case intent.ServiceMail:
		var tokens []string
		if m := reFrom.FindStringSubmatch(lower); m != nil {
			tokens = append(tokens, "from:"+m[1])
		}
		if reUnread.MatchString(lower) {
			tokens = append(tokens, "is:unread")
		}
		if reImportant.MatchString(lower) {
			tokens = append(tokens, "is:important")
		}
		if days, ok := AgeDays(lower); ok {
			tokens = append(tokens, fmt.Sprintf("newer_than:%dd", days))
		}
		if len(tokens) > 0 {
			out["query"] = strings.Join(tokens, " ")
		}
	case intent.ServiceStorage:
		if days, ok := AgeDays(lower); ok {
			out["modified_within"] = fmt.Sprintf("%dd", days)
		}
	case intent.ServiceCalendar:
		switch {
		case reToday.MatchString(lower):
			out["days"] = 1
		case reThisWeek.MatchString(lower):
			out["days"] = 7
		case reNextWeek.MatchString(lower):
			out["days"] = 14
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// applyFilters 只填充空字段，显式参数优先。
func applyFilters(in intent.Intent, text string) intent.Intent {
	spec, ok := in.Spec()
	if !ok || !spec.ReadOnly {
		return in
	}
	for k, v := range InferFilters(text, in.Service) {
		if !in.HasParam(k) {
			in = in.With(k, v)
		}
	}
	return in
}

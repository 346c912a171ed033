package inference

import (
	"regexp"
	"strings"

	"LLM-Orchestra/internal/intent"
)

type smartQuery struct {
	pattern *regexp.Regexp
	build   func(text string) intent.Intent
}

var smartQueries = []smartQuery{
	{
		pattern: regexp.MustCompile(`^(?:(?:what|when)(?:'s| is)\s+|show(?: me)?\s+)?(?:my\s+)?(?:the\s+)?(?:next|upcoming)\s+(?:meeting|event)$`),
		build: func(text string) intent.Intent {
			return intent.New(intent.ServiceCalendar, "next_event", map[string]any{"max_results": 1}, text)
		},
	},
	{
		pattern: regexp.MustCompile(`^(?:(?:show|check|list)(?: me)?\s+|do i have\s+)?(?:any\s+)?(?:my\s+)?unread(?:\s+(?:emails?|messages?|mail))?$`),
		build: func(text string) intent.Intent {
			return intent.New(intent.ServiceMail, "search_email", map[string]any{"query": "is:unread"}, text)
		},
	},
	{
		pattern: regexp.MustCompile(`^(?:show(?: me)?\s+|list\s+)?(?:my\s+)?(?:recent|latest)\s+files$`),
		build: func(text string) intent.Intent {
			return intent.New(intent.ServiceStorage, "search_file", map[string]any{"order_by": "modified", "max_results": 10}, text)
		},
	},
}

// MatchSmartQuery 判断整条命令是否命中固定模式，命中时直接给出 Intent，
// 不再咨询语言理解服务。
func MatchSmartQuery(text string) (intent.Intent, bool) {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	normalized = strings.TrimRight(normalized, "?!. ")
	for _, q := range smartQueries {
		if q.pattern.MatchString(normalized) {
			return q.build(text), true
		}
	}
	return intent.Intent{}, false
}

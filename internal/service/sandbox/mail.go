package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/service"
)

type message struct {
	ID        string
	From      string
	To        []string
	Subject   string
	Body      string
	Unread    bool
	Important bool
	Sent      bool
	Trashed   bool
	At        time.Time
}

func (m *message) view() map[string]any {
	return map[string]any{
		"id":        m.ID,
		"from":      m.From,
		"to":        append([]string(nil), m.To...),
		"subject":   m.Subject,
		"unread":    m.Unread,
		"important": m.Important,
		"date":      m.At.Format(time.RFC3339),
	}
}

// Mail 是内存邮箱。
type Mail struct {
	base
	messages map[string]*message
}

// NewMail 创建空邮箱。
func NewMail(opts ...Option) *Mail {
	m := &Mail{messages: make(map[string]*message)}
	m.init(intent.ServiceMail, opts)
	return m
}

func (m *Mail) seed(s SeedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := s.ID
	if id == "" {
		id = m.nextID("m")
	}
	m.messages[id] = &message{
		ID: id, From: s.From, To: s.To, Subject: s.Subject, Body: s.Body,
		Unread: s.Unread, Important: s.Important, At: m.now().Add(-offset(s.Age)),
	}
}

// Message 返回邮件当前状态，已删除的邮件返回 false。
func (m *Mail) Message(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Trashed {
		return nil, false
	}
	return msg.view(), true
}

// Execute 实现 service.Handler。
func (m *Mail) Execute(ctx context.Context, action string, params map[string]any) (service.Result, error) {
	if err := m.enter(ctx, action); err != nil {
		return service.Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch action {
	case "search_email":
		items := m.search(str(params, "query"), num(params, "max_results", 10))
		return service.Result{
			Summary: fmt.Sprintf("找到 %d 封邮件", len(items)),
			Data:    map[string]any{"items": items, "count": len(items)},
		}, nil
	case "read_email":
		msg, err := m.lookup(str(params, "email_id"))
		if err != nil {
			return service.Result{}, err
		}
		msg.Unread = false
		view := msg.view()
		view["body"] = msg.Body
		return service.Result{Summary: "已读取邮件: " + msg.Subject, Data: view}, nil
	case "send_email":
		to := intent.StringList(params["to"])
		if len(to) == 0 {
			return service.Result{}, missing("to")
		}
		msg := &message{ID: m.nextID("m"), From: "me", To: to, Subject: str(params, "subject"), Body: str(params, "body"), Sent: true, At: m.now()}
		m.messages[msg.ID] = msg
		return service.Result{Summary: fmt.Sprintf("已发送邮件给 %s", strings.Join(to, ", ")), Data: msg.view()}, nil
	case "delete_email", "restore_email":
		id := str(params, "email_id")
		msg, ok := m.messages[id]
		if !ok || msg.Trashed == (action == "delete_email") {
			return service.Result{}, notFound("email", id)
		}
		msg.Trashed = action == "delete_email"
		summary := "已恢复邮件: " + msg.Subject
		if msg.Trashed {
			summary = "已删除邮件: " + msg.Subject
		}
		return service.Result{Summary: summary, Data: map[string]any{"id": id}}, nil
	}
	return service.Result{}, unsupported(m.svc, action)
}

// Preview 实现 service.Handler，不修改任何状态。
func (m *Mail) Preview(ctx context.Context, action string, params map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch action {
	case "search_email":
		return fmt.Sprintf("将搜索邮件 (query=%q)", str(params, "query")), nil
	case "read_email":
		return "将读取邮件 " + orUnknown(str(params, "email_id")), nil
	case "send_email":
		to := intent.StringList(params["to"])
		return fmt.Sprintf("将发送邮件 %q 给 %d 位收件人: %s", str(params, "subject"), len(to), strings.Join(to, ", ")), nil
	case "delete_email":
		return "将删除邮件 " + orUnknown(str(params, "email_id")), nil
	case "restore_email":
		return "将恢复邮件 " + orUnknown(str(params, "email_id")), nil
	}
	return "", service.ErrPreviewUnsupported(m.svc, action)
}

func (m *Mail) lookup(id string) (*message, error) {
	if id == "" {
		return nil, missing("email_id")
	}
	msg, ok := m.messages[id]
	if !ok || msg.Trashed {
		return nil, notFound("email", id)
	}
	return msg, nil
}

// search 支持 from:、is:unread、is:important、newer_than:Nd 与自由文本，条件之间为“且”。
func (m *Mail) search(query string, limit int) []map[string]any {
	var (
		matched []*message
		terms   []string
		from    string
		unread  bool
		imp     bool
		since   time.Time
	)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		switch {
		case strings.HasPrefix(tok, "from:"):
			from = strings.TrimPrefix(tok, "from:")
		case tok == "is:unread":
			unread = true
		case tok == "is:important":
			imp = true
		case strings.HasPrefix(tok, "newer_than:"):
			days, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(tok, "newer_than:"), "d"))
			since = m.now().Add(-time.Duration(days) * 24 * time.Hour)
		default:
			terms = append(terms, tok)
		}
	}
	for _, msg := range m.messages {
		if msg.Trashed || msg.Sent {
			continue
		}
		if from != "" && !strings.Contains(strings.ToLower(msg.From), from) {
			continue
		}
		if (unread && !msg.Unread) || (imp && !msg.Important) || (!since.IsZero() && msg.At.Before(since)) {
			continue
		}
		text := strings.ToLower(msg.Subject + " " + msg.Body + " " + msg.From)
		ok := true
		for _, term := range terms {
			if !strings.Contains(text, term) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].At.Equal(matched[j].At) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].At.After(matched[j].At)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	items := make([]map[string]any, 0, len(matched))
	for _, msg := range matched {
		items = append(items, msg.view())
	}
	return items
}

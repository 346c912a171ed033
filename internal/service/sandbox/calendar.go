package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/service"
)

type event struct {
	ID        string
	Title     string
	Start     time.Time
	End       time.Time
	Attendees []string
	Location  string
}

func (e *event) view() map[string]any {
	return map[string]any{
		"id":        e.ID,
		"title":     e.Title,
		"start":     e.Start.Format(time.RFC3339),
		"end":       e.End.Format(time.RFC3339),
		"attendees": append([]string(nil), e.Attendees...),
		"location":  e.Location,
	}
}

// Calendar 是内存日历。
type Calendar struct {
	base
	events map[string]*event
}

// NewCalendar 创建空日历。
func NewCalendar(opts ...Option) *Calendar {
	c := &Calendar{events: make(map[string]*event)}
	c.init(intent.ServiceCalendar, opts)
	return c
}

func (c *Calendar) seed(s SeedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := s.ID
	if id == "" {
		id = c.nextID("e")
	}
	start := c.now().Add(offset(s.StartIn))
	dur := offset(s.Duration)
	if dur == 0 {
		dur = time.Hour
	}
	c.events[id] = &event{ID: id, Title: s.Title, Start: start, End: start.Add(dur), Attendees: s.Attendees, Location: s.Location}
}

// Event 返回日程当前状态。
func (c *Calendar) Event(id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return nil, false
	}
	return ev.view(), true
}

// Len 返回日程数量。
func (c *Calendar) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Execute 实现 service.Handler。
func (c *Calendar) Execute(ctx context.Context, action string, params map[string]any) (service.Result, error) {
	if err := c.enter(ctx, action); err != nil {
		return service.Result{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch action {
	case "list_events":
		days := num(params, "days", 7)
		items := c.filter(func(e *event) bool {
			return !e.Start.Before(now) && e.Start.Before(now.Add(time.Duration(days)*24*time.Hour))
		}, num(params, "max_results", 50))
		return listResult(fmt.Sprintf("未来 %d 天有 %d 个日程", days, len(items)), items), nil
	case "search_event":
		q := strings.ToLower(str(params, "query"))
		items := c.filter(func(e *event) bool {
			return q == "" || strings.Contains(strings.ToLower(e.Title), q)
		}, num(params, "max_results", 10))
		return listResult(fmt.Sprintf("找到 %d 个日程", len(items)), items), nil
	case "next_event":
		items := c.filter(func(e *event) bool { return !e.Start.Before(now) }, 1)
		if len(items) == 0 {
			return listResult("没有即将到来的日程", items), nil
		}
		return listResult(fmt.Sprintf("下一个日程: %s (%s)", items[0]["title"], items[0]["start"]), items), nil
	case "create_event":
		title := str(params, "title")
		if title == "" {
			return service.Result{}, missing("title")
		}
		start, err := parseStart(params, now)
		if err != nil {
			return service.Result{}, err
		}
		ev := &event{
			ID: c.nextID("e"), Title: title, Start: start,
			End:       start.Add(time.Duration(num(params, "duration_minutes", 60)) * time.Minute),
			Attendees: intent.StringList(params["attendees"]), Location: str(params, "location"),
		}
		c.events[ev.ID] = ev
		return service.Result{Summary: fmt.Sprintf("已创建日程 %q", title), Data: ev.view()}, nil
	case "update_event":
		ev, err := c.lookup(str(params, "event_id"))
		if err != nil {
			return service.Result{}, err
		}
		previous := map[string]any{}
		if v := str(params, "title"); v != "" {
			previous["title"] = ev.Title
			ev.Title = v
		}
		if _, ok := params["start"]; ok {
			start, err := parseStart(params, now)
			if err != nil {
				return service.Result{}, err
			}
			previous["start"] = ev.Start.Format(time.RFC3339)
			dur := ev.End.Sub(ev.Start)
			ev.Start, ev.End = start, start.Add(dur)
		}
		if v, ok := params["attendees"]; ok {
			previous["attendees"] = append([]string(nil), ev.Attendees...)
			ev.Attendees = intent.StringList(v)
		}
		if _, ok := params["location"]; ok {
			previous["location"] = ev.Location
			ev.Location = str(params, "location")
		}
		data := ev.view()
		data["previous"] = previous
		return service.Result{Summary: fmt.Sprintf("已更新日程 %q", ev.Title), Data: data}, nil
	case "delete_event":
		ev, err := c.lookup(str(params, "event_id"))
		if err != nil {
			return service.Result{}, err
		}
		delete(c.events, ev.ID)
		return service.Result{Summary: fmt.Sprintf("已删除日程 %q", ev.Title), Data: map[string]any{"id": ev.ID}}, nil
	}
	return service.Result{}, unsupported(c.svc, action)
}

// Preview 实现 service.Handler。
func (c *Calendar) Preview(ctx context.Context, action string, params map[string]any) (string, error) {
	switch action {
	case "list_events":
		return fmt.Sprintf("将列出未来 %d 天的日程", num(params, "days", 7)), nil
	case "search_event":
		return fmt.Sprintf("将搜索日程 (query=%q)", str(params, "query")), nil
	case "next_event":
		return "将查询下一个日程", nil
	case "create_event":
		return fmt.Sprintf("将创建日程 %q，邀请 %d 人", str(params, "title"), len(intent.StringList(params["attendees"]))), nil
	case "update_event":
		return "将更新日程 " + orUnknown(str(params, "event_id")), nil
	case "delete_event":
		return "将删除日程 " + orUnknown(str(params, "event_id")), nil
	}
	return "", service.ErrPreviewUnsupported(c.svc, action)
}

func (c *Calendar) lookup(id string) (*event, error) {
	if id == "" {
		return nil, missing("event_id")
	}
	ev, ok := c.events[id]
	if !ok {
		return nil, notFound("event", id)
	}
	return ev, nil
}

func (c *Calendar) filter(keep func(*event) bool, limit int) []map[string]any {
	var matched []*event
	for _, ev := range c.events {
		if keep(ev) {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Start.Before(matched[j].Start)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	items := make([]map[string]any, 0, len(matched))
	for _, ev := range matched {
		items = append(items, ev.view())
	}
	return items
}

func parseStart(params map[string]any, now time.Time) (time.Time, error) {
	raw := str(params, "start")
	if raw == "" {
		return now.Add(time.Hour).Truncate(time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "start must be RFC3339")
	}
	return t, nil
}

func listResult(summary string, items []map[string]any) service.Result {
	return service.Result{Summary: summary, Data: map[string]any{"items": items, "count": len(items)}}
}

package task

import (
	"strings"
	"time"
)

// SortOrder 决定列表的排序方式。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序。
	SortByUpdatedAsc
)

// ListOptions 控制任务列表的筛选。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	SessionID  string
	UpdatedGTE int64
	UpdatedLTE int64
	HasOutcome *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量，最多 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSession 只返回指定会话的任务。
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) { opts.SessionID = sessionID }
}

// WithUpdatedSince 过滤在该时间之后（含）更新的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil 过滤在该时间之前（含）更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithOutcomePresence 按是否已有命令结果过滤。
func WithOutcomePresence(has bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasOutcome = &has
	}
}

// WithSortOrder 修改排序。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 按任务 ID、命令文本或错误信息模糊匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionID != "" && task.SessionID != opts.SessionID {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasOutcome != nil && (task.Outcome != nil) != *opts.HasOutcome {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(task.ID), q) &&
			!strings.Contains(strings.ToLower(task.Command), q) &&
			!strings.Contains(strings.ToLower(task.LastError), q) {
			return false
		}
	}
	return true
}

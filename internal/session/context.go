package session

import (
	"encoding/json"
	"sort"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
)

// HistoryLimit 是会话历史保留的最大条数。
const HistoryLimit = 10

// ErrReferenceNotFound 表示会话中不存在该命名引用。
var ErrReferenceNotFound = xerrors.New(xerrors.CodeNotFound, "reference not found")

// HistoryEntry 是一条历史命令。
type HistoryEntry struct {
	Command string    `json:"command"`
	Status  string    `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
	DryRun  bool      `json:"dry_run,omitempty"`
	At      time.Time `json:"at"`
}

// Reference 是会话内指向最近一次结果的命名指针。
// Seq 在会话内单调递增，用于比较引用的新旧。
type Reference struct {
	Kind      intent.Kind `json:"kind"`
	Plural    bool        `json:"plural,omitempty"`
	Value     any         `json:"value"`
	Seq       uint64      `json:"seq"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Context 是单个会话的上下文。同一会话同一时刻只允许一个写入者，
// 由编排器的会话锁保证。
type Context struct {
	ID        string
	CreatedAt time.Time
	// DryRun 为会话级的预演开关，对该会话的每条命令生效。
	DryRun bool

	history []HistoryEntry
	refs    map[string]Reference
	seq     uint64
	actions *ActionLog
	now     func() time.Time
}

// New 创建空会话。
func New(id string) *Context {
	c := &Context{ID: id, refs: make(map[string]Reference), actions: NewActionLog(ActionLogCapacity), now: time.Now}
	c.CreatedAt = c.now()
	return c
}

// Record 追加一条历史并覆盖同名引用。超过上限时淘汰最旧的历史。
func (c *Context) Record(entry HistoryEntry, produced map[string]Reference) {
	if entry.At.IsZero() {
		entry.At = c.now()
	}
	c.history = append(c.history, entry)
	if over := len(c.history) - HistoryLimit; over > 0 {
		c.history = append([]HistoryEntry(nil), c.history[over:]...)
	}
	c.Bind(produced)
}

// Bind 覆盖写入引用，不合并旧值。
func (c *Context) Bind(produced map[string]Reference) {
	if len(produced) == 0 {
		return
	}
	names := make([]string, 0, len(produced))
	for name := range produced {
		names = append(names, name)
	}
	sort.Strings(names)
	c.seq++
	for _, name := range names {
		ref := produced[name]
		ref.Seq = c.seq
		ref.UpdatedAt = c.now()
		c.refs[name] = ref
	}
}

// Resolve 返回命名引用。
func (c *Context) Resolve(name string) (Reference, error) {
	ref, ok := c.refs[name]
	if !ok {
		return Reference{}, xerrors.Wrap(xerrors.CodeNotFound, ErrReferenceNotFound, name)
	}
	return ref, nil
}

// References 返回引用表的副本。
func (c *Context) References() map[string]Reference {
	out := make(map[string]Reference, len(c.refs))
	for k, v := range c.refs {
		out[k] = v
	}
	return out
}

// History 按时间顺序返回历史，最新的在最后。
func (c *Context) History() []HistoryEntry {
	return append([]HistoryEntry(nil), c.history...)
}

// Clear 清空历史与引用。
func (c *Context) Clear() {
	c.history = nil
	c.refs = make(map[string]Reference)
}

// Actions 返回会话独占的动作日志。
func (c *Context) Actions() *ActionLog {
	return c.actions
}

// Latest 返回指定类型中最近写入的引用。plural 为 nil 时不区分单复数。
// 同一批写入的引用序号相同，此时按名称排序取第一个，保证结果确定。
func (c *Context) Latest(kind intent.Kind, plural *bool) (string, Reference, bool) {
	var (
		bestName string
		best     Reference
		found    bool
	)
	names := make([]string, 0, len(c.refs))
	for name := range c.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := c.refs[name]
		if ref.Kind != kind {
			continue
		}
		if plural != nil && ref.Plural != *plural {
			continue
		}
		if !found || ref.Seq > best.Seq {
			bestName, best, found = name, ref, true
		}
	}
	return bestName, best, found
}

// Summary 是发给语言理解服务的有界上下文摘要。
type Summary struct {
	History    []string `json:"history"`
	References []string `json:"references"`
}

// Summarize 生成最近 depth 条历史与可用引用名的摘要。
func (c *Context) Summarize(depth int) Summary {
	if depth <= 0 || depth > HistoryLimit {
		depth = HistoryLimit
	}
	start := len(c.history) - depth
	if start < 0 {
		start = 0
	}
	s := Summary{}
	for _, h := range c.history[start:] {
		s.History = append(s.History, h.Command)
	}
	for name := range c.refs {
		s.References = append(s.References, name)
	}
	sort.Strings(s.References)
	return s
}

type snapshot struct {
	ID         string               `json:"id"`
	CreatedAt  time.Time            `json:"created_at"`
	DryRun     bool                 `json:"dry_run,omitempty"`
	History    []HistoryEntry       `json:"history"`
	References map[string]Reference `json:"references"`
	Seq        uint64               `json:"seq"`
	Actions    []ActionRecord       `json:"actions"`
}

// MarshalJSON 序列化会话快照，供外部存储使用。
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{
		ID:         c.ID,
		CreatedAt:  c.CreatedAt,
		DryRun:     c.DryRun,
		History:    c.history,
		References: c.refs,
		Seq:        c.seq,
		Actions:    c.actions.Records(),
	})
}

// UnmarshalJSON 从快照恢复会话。
func (c *Context) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	restored := New(snap.ID)
	restored.CreatedAt = snap.CreatedAt
	restored.DryRun = snap.DryRun
	restored.history = snap.History
	if snap.References != nil {
		restored.refs = snap.References
	}
	restored.seq = snap.Seq
	for _, rec := range snap.Actions {
		restored.actions.Append(rec)
	}
	*c = *restored
	return nil
}

package session

import (
	"time"

	"LLM-Orchestra/internal/intent"
)

// ActionLogCapacity 是撤销日志的容量。
const ActionLogCapacity = 10

// ActionRecord 记录一次真实执行的动作，创建后不再修改。
type ActionRecord struct {
	ID            string         `json:"action_id"`
	Service       intent.Service `json:"service"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters_used,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
	Risk          intent.Risk    `json:"risk,omitempty"`
	Undoable      bool           `json:"undoable"`
	UndoIntent    *intent.Intent `json:"undo_intent,omitempty"`
	Target        string         `json:"target,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ActionLog 是固定容量的环形日志，溢出时淘汰最旧的记录。
type ActionLog struct {
	records  []ActionRecord
	capacity int
}

// NewActionLog 创建指定容量的日志。
func NewActionLog(capacity int) *ActionLog {
	if capacity <= 0 {
		capacity = ActionLogCapacity
	}
	return &ActionLog{capacity: capacity}
}

// Append 追加记录，返回被淘汰的记录（如有）。
func (l *ActionLog) Append(rec ActionRecord) (ActionRecord, bool) {
	l.records = append(l.records, rec)
	if len(l.records) <= l.capacity {
		return ActionRecord{}, false
	}
	evicted := l.records[0]
	l.records = append([]ActionRecord(nil), l.records[1:]...)
	return evicted, true
}

// Get 按 ID 查找记录。
func (l *ActionLog) Get(id string) (ActionRecord, bool) {
	for _, rec := range l.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return ActionRecord{}, false
}

// LatestUndoable 返回最近一条可撤销的记录。
func (l *ActionLog) LatestUndoable() (ActionRecord, bool) {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Undoable {
			return l.records[i], true
		}
	}
	return ActionRecord{}, false
}

// LatestForTarget 返回作用于同一对象的最近记录。
func (l *ActionLog) LatestForTarget(target string) (ActionRecord, bool) {
	if target == "" {
		return ActionRecord{}, false
	}
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Target == target {
			return l.records[i], true
		}
	}
	return ActionRecord{}, false
}

// Remove 删除记录，用于撤销成功后使原记录失效。
func (l *ActionLog) Remove(id string) bool {
	for i, rec := range l.records {
		if rec.ID == id {
			l.records = append(l.records[:i:i], l.records[i+1:]...)
			return true
		}
	}
	return false
}

// Records 返回按时间顺序排列的记录副本。
func (l *ActionLog) Records() []ActionRecord {
	return append([]ActionRecord(nil), l.records...)
}

// Len 返回当前记录数。
func (l *ActionLog) Len() int { return len(l.records) }

// Reset 清空日志。
func (l *ActionLog) Reset() { l.records = nil }

package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/orchestrator"
)

// MemoryStore 以内存方式保存任务状态，单进程部署与测试使用。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将排队中的任务标记为运行中并计一次尝试。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded, StatusFailed:
		return cloneTask(task), ErrTaskCompleted
	case StatusRunning:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录命令结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, outcome *orchestrator.CommandOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusSucceeded
	task.Outcome = cloneOutcome(outcome)
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 记录失败。非终态失败让任务回到 queued 等待重投。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusQueued
	if failure.Terminal {
		task.Status = StatusFailed
	}
	task.LastError = failure.Message
	task.ErrorCode = string(failure.Code)
	if failure.Outcome != nil {
		task.Outcome = cloneOutcome(failure.Outcome)
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats TaskStats
	for _, task := range m.tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

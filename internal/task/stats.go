package task

// TaskStats 聚合任务状态，供健康检查与 CLI 使用。
type TaskStats struct {
	Total           int   `json:"total"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusQueued:
		s.Queued++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}

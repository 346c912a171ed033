package task

import (
	"context"

	"LLM-Orchestra/internal/orchestrator"
)

// Store 抽象了命令任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, outcome *orchestrator.CommandOutcome) error
	MarkFailed(ctx context.Context, id string, failure Failure) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

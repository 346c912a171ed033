package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/pkg/logger"
)

// DefaultMaxRetries 是任务的默认最大尝试次数。
const DefaultMaxRetries = 3

// Request 是一次异步命令提交。ID 非空时按 ID 去重。
type Request struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Command   string `json:"command"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建任务并推送到队列。重复提交同一 ID 返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, xerrors.New(CodeTaskValidation, "命令不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = orchestrator.DefaultSessionID
	}
	task := &Task{
		ID:         taskID,
		SessionID:  sessionID,
		Command:    command,
		DryRun:     req.DryRun,
		Confirm:    req.Confirm,
		Status:     StatusQueued,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, Failure{Code: CodeTaskPublish, Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("命令任务入队",
		slog.String("task_id", taskID),
		slog.String("session_id", sessionID),
		slog.String("command", command),
		slog.Bool("dry_run", req.DryRun),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 轮询任务直到终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

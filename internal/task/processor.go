package task

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/pkg/logger"
)

// Executor 是处理器所需的编排能力。
type Executor interface {
	HandleCommand(ctx context.Context, text, sessionID string, opts orchestrator.Options) (*orchestrator.CommandOutcome, error)
}

// Processor 从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrTaskExhausted) {
			_ = p.store.MarkFailed(ctx, taskID, Failure{Code: CodeTaskExhausted, Message: err.Error(), Terminal: true})
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	outcome, execErr := p.executor.HandleCommand(ctx, task.Command, task.SessionID, orchestrator.Options{
		DryRun:  task.DryRun,
		Confirm: task.Confirm,
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, outcome, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, outcome); err != nil {
		logger.L().Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		// 命令已经执行过，不能重投，只记录终态失败。
		if storeErr := p.store.MarkFailed(ctx, task.ID, Failure{
			Code:     xerrors.CodeStorageFailure,
			Message:  err.Error(),
			Terminal: true,
			Outcome:  outcome,
		}); storeErr != nil {
			return storeErr
		}
		return nil
	}
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Int("attempts", task.Attempts),
	}
	if outcome != nil {
		attrs = append(attrs, slog.String("status", string(outcome.Status)), slog.Int("steps", len(outcome.Steps)))
	}
	logger.Audit().Info("命令任务完成", attrs...)
	return nil
}

// handleExecutionFailure 只有在命令尚未产生任何结果时才会重投，
// 已执行的步骤不能因为重试而再次执行。
func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, outcome *orchestrator.CommandOutcome, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr) && outcome == nil
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, task.ID, Failure{
		Code:     code,
		Message:  execErr.Error(),
		Terminal: terminal,
		Outcome:  outcome,
	}); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("命令任务失败",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		return nil
	}
	if p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, "任务 "+task.ID+" 重投失败")
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

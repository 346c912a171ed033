package resilience

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/pkg/logger"
)

// Policy 描述重试策略。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout 是单次调用的超时，超时按瞬时失败处理。
	CallTimeout time.Duration
}

// DefaultPolicy 返回默认策略：最多 3 次尝试，基础延迟 1 秒，每次翻倍。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, CallTimeout: 20 * time.Second}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Backoff 返回第 attempt 次失败后的等待时间（attempt 从 1 开始）。
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// SleepFunc 等待指定时长，ctx 结束时提前返回错误。
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempt 是一次调用尝试的瞬时状态。
type Attempt struct {
	Number    int
	LastError Kind
	NextDelay time.Duration
}

// Report 记录一次包装调用的过程。
type Report struct {
	Attempts []Attempt
	Warnings []string
}

// Wrapper 是所有外部调用的统一包装：配额检查、计数、单次超时、分类与退避重试。
type Wrapper struct {
	policy Policy
	quota  *Quota
	sleep  SleepFunc
	logger *slog.Logger
}

// Option 配置 Wrapper。
type Option func(*Wrapper)

// WithQuota 启用配额追踪。
func WithQuota(q *Quota) Option {
	return func(w *Wrapper) { w.quota = q }
}

// WithSleep 替换等待函数，测试中用于记录退避时长。
func WithSleep(fn SleepFunc) Option {
	return func(w *Wrapper) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(w *Wrapper) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWrapper 创建调用包装器。
func NewWrapper(policy Policy, opts ...Option) *Wrapper {
	w := &Wrapper{policy: policy.normalized(), sleep: sleepContext, logger: logger.Named("resilience")}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Policy 返回生效的策略。
func (w *Wrapper) Policy() Policy { return w.policy }

// Invoke 执行 fn。瞬时失败按指数退避重试，耗尽后以 TRANSIENT_FAILURE 返回并附带建议；
// 永久失败立即以 PERMANENT_FAILURE 返回；达到硬配额时不调用 fn，直接返回 QUOTA_EXCEEDED。
func (w *Wrapper) Invoke(ctx context.Context, svc intent.Service, op string, fn func(ctx context.Context) error) (Report, error) {
	var report Report
	log := w.logger.With("service", svc, "op", op)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return report, xerrors.Wrap(xerrors.CodeCancelled, err, op+" cancelled")
		}
		if w.quota != nil {
			if _, err := w.quota.Check(ctx, svc); err != nil {
				return report, err
			}
			_, warning, err := w.quota.Record(ctx, svc)
			if err != nil {
				log.Warn("配额计数失败", "error", err)
			}
			if warning != "" && !containsString(report.Warnings, warning) {
				report.Warnings = append(report.Warnings, warning)
			}
		}

		err := w.call(ctx, fn)
		if err == nil {
			if attempt > 1 {
				log.Info("重试成功", "attempt", attempt)
			}
			report.Attempts = append(report.Attempts, Attempt{Number: attempt})
			return report, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Attempts = append(report.Attempts, Attempt{Number: attempt, LastError: KindPermanent})
			return report, xerrors.Wrap(xerrors.CodeCancelled, err, op+" cancelled")
		}

		kind := Classify(err)
		state := Attempt{Number: attempt, LastError: kind}
		if kind == KindPermanent {
			report.Attempts = append(report.Attempts, state)
			log.Warn("调用失败，不重试", "attempt", attempt, "error", err)
			return report, xerrors.Wrap(xerrors.CodePermanentFailure, err, op+" failed",
				xerrors.WithSuggestion(suggestionFor(err, xerrors.CodePermanentFailure)))
		}
		if attempt >= w.policy.MaxAttempts {
			report.Attempts = append(report.Attempts, state)
			log.Warn("重试次数耗尽", "attempts", attempt, "error", err)
			return report, xerrors.Wrap(xerrors.CodeTransientFailure, err,
				fmt.Sprintf("%s failed after %d attempts", op, attempt),
				xerrors.WithRetryable(false),
				xerrors.WithSuggestion(suggestionFor(err, xerrors.CodeTransientFailure)))
		}

		state.NextDelay = w.policy.Backoff(attempt)
		report.Attempts = append(report.Attempts, state)
		log.Info("瞬时失败，准备重试", "attempt", attempt, "delay", state.NextDelay, "error", err)
		if err := w.sleep(ctx, state.NextDelay); err != nil {
			return report, xerrors.Wrap(xerrors.CodeCancelled, err, op+" cancelled during backoff")
		}
	}
}

// call 在单次超时内执行 fn，把本次超时转换为 TIMEOUT。
func (w *Wrapper) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if w.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.policy.CallTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if _, ok := xerrors.From(err); !ok || xerrors.CodeOf(err) != xerrors.CodeTimeout {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "call timed out")
		}
	}
	return err
}

// Delays 返回报告中的退避时长序列。
func (r Report) Delays() []time.Duration {
	var out []time.Duration
	for _, a := range r.Attempts {
		if a.NextDelay > 0 {
			out = append(out, a.NextDelay)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

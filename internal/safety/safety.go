package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/resilience"
	"LLM-Orchestra/internal/service"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/pkg/logger"
)

// Request 描述一次候选执行。
type Request struct {
	Intent    intent.Intent
	DryRun    bool
	Confirmed bool
}

// Outcome 是安全管理器的执行结果。
type Outcome struct {
	Intent   intent.Intent  `json:"intent"`
	Risk     intent.Risk    `json:"risk"`
	Preview  bool           `json:"preview,omitempty"`
	Summary  string         `json:"summary"`
	Data     map[string]any `json:"data,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Undoable bool           `json:"undoable,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// Manager 拦截每一次对服务处理器的调用：预演替换、风险确认、动作记录与撤销。
type Manager struct {
	registry      *service.Registry
	wrapper       *resilience.Wrapper
	bulkThreshold int
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger
}

// Option 配置 Manager。
type Option func(*Manager)

// WithBulkThreshold 设置批量收件人阈值。
func WithBulkThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bulkThreshold = n
		}
	}
}

// WithIDGenerator 替换动作 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建安全管理器。wrapper 为空时使用默认重试策略。
func New(registry *service.Registry, wrapper *resilience.Wrapper, opts ...Option) *Manager {
	if wrapper == nil {
		wrapper = resilience.NewWrapper(resilience.DefaultPolicy())
	}
	m := &Manager{
		registry:      registry,
		wrapper:       wrapper,
		bulkThreshold: intent.DefaultBulkThreshold,
		newID:         uuid.NewString,
		now:           time.Now,
		logger:        logger.Named("safety"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Risk 返回 Intent 的风险等级。
func (m *Manager) Risk(in intent.Intent) intent.Risk {
	return intent.RiskOf(in, m.bulkThreshold)
}

// Execute 执行或预演 Intent。真实执行成功后向 actions 追加一条记录。
func (m *Manager) Execute(ctx context.Context, actions *session.ActionLog, req Request) (Outcome, error) {
	in := req.Intent
	out := Outcome{Intent: in, Risk: m.Risk(in)}
	handler, err := m.registry.Handler(in.Service)
	if err != nil {
		return out, err
	}

	if req.DryRun {
		desc, err := handler.Preview(ctx, in.Action, in.Parameters)
		if err != nil {
			return out, err
		}
		out.Preview = true
		out.Summary = "[dry-run] " + desc
		return out, nil
	}

	if err := in.Validate(); err != nil {
		return out, xerrors.Wrap(xerrors.CodePermanentFailure, err, in.Key()+" rejected",
			xerrors.WithSuggestion(xerrors.SuggestionOf(err)))
	}
	if out.Risk == intent.RiskHigh && !req.Confirmed {
		logger.Audit().Info("高风险操作等待确认", "service", in.Service, "action", in.Action, "risk", out.Risk)
		return out, xerrors.New(xerrors.CodeConfirmationRequired,
			fmt.Sprintf("%s is high risk and needs confirmation", in.Key()),
			xerrors.WithMetadata("risk", string(out.Risk)))
	}

	var result service.Result
	report, err := m.wrapper.Invoke(ctx, in.Service, in.Key(), func(callCtx context.Context) error {
		var callErr error
		result, callErr = handler.Execute(callCtx, in.Action, in.Parameters)
		return callErr
	})
	out.Warnings = report.Warnings
	out.Attempts = len(report.Attempts)
	if err != nil {
		return out, err
	}
	out.Summary = result.Summary
	out.Data = result.Data

	rec := session.ActionRecord{
		ID:            m.newID(),
		Service:       in.Service,
		Action:        in.Action,
		Parameters:    in.Clone().Parameters,
		ResultSummary: result.Summary,
		Risk:          out.Risk,
		Target:        intent.Target(in, result.Data),
		Timestamp:     m.now(),
	}
	if inverse, ok := intent.Inverse(in, result.Data); ok {
		rec.Undoable = true
		rec.UndoIntent = &inverse
	}
	out.ActionID = rec.ID
	out.Undoable = rec.Undoable
	if actions != nil {
		actions.Append(rec)
	}
	logger.Audit().Info("动作已执行",
		"action_id", rec.ID,
		"service", in.Service,
		"action", in.Action,
		"risk", out.Risk,
		"undoable", rec.Undoable,
		"target", rec.Target,
		"attempts", out.Attempts,
	)
	return out, nil
}

// UndoRequest 描述一次撤销。
type UndoRequest struct {
	ActionID  string
	DryRun    bool
	Confirmed bool
}

// Undo 撤销指定动作。记录不存在、不可逆或不是其对象上的最近一次动作时返回 NOT_UNDOABLE；
// 否则以常规路径执行逆操作，成功后从日志中移除原记录。
func (m *Manager) Undo(ctx context.Context, actions *session.ActionLog, req UndoRequest) (Outcome, error) {
	if actions == nil {
		return Outcome{}, xerrors.New(xerrors.CodeNotUndoable, "no action log")
	}
	rec, ok := actions.Get(req.ActionID)
	if !ok {
		return Outcome{}, xerrors.New(xerrors.CodeNotUndoable, fmt.Sprintf("action %s not found", req.ActionID))
	}
	if !rec.Undoable || rec.UndoIntent == nil {
		return Outcome{}, xerrors.New(xerrors.CodeNotUndoable, fmt.Sprintf("%s.%s cannot be reversed", rec.Service, rec.Action))
	}
	if latest, ok := actions.LatestForTarget(rec.Target); ok && latest.ID != rec.ID {
		return Outcome{}, xerrors.New(xerrors.CodeNotUndoable,
			fmt.Sprintf("action %s is not the most recent change to %s", rec.ID, rec.Target),
			xerrors.WithMetadata("latest_action_id", latest.ID))
	}

	out, err := m.Execute(ctx, actions, Request{Intent: *rec.UndoIntent, DryRun: req.DryRun, Confirmed: req.Confirmed})
	if err != nil {
		return out, err
	}
	if !req.DryRun {
		actions.Remove(rec.ID)
		logger.Audit().Info("动作已撤销", "action_id", rec.ID, "undo_action_id", out.ActionID, "service", rec.Service, "action", rec.Action)
	}
	return out, nil
}

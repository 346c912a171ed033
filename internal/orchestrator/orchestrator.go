package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/inference"
	"LLM-Orchestra/internal/parser"
	"LLM-Orchestra/internal/safety"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/workflow"
	"LLM-Orchestra/pkg/logger"
)

// DefaultSessionID 是未指定会话时使用的标识。
const DefaultSessionID = "default"

// Orchestrator 组合会话、解析、规划与安全执行。
type Orchestrator struct {
	store         session.Store
	parser        *parser.Parser
	safety        *safety.Manager
	locks         *sessionLocks
	defaultDryRun bool
	now           func() time.Time
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithDefaultDryRun 让所有命令默认以预演方式执行。
func WithDefaultDryRun(enabled bool) Option {
	return func(o *Orchestrator) {
		o.defaultDryRun = enabled
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建编排器。store 为空时使用内存存储。
func New(store session.Store, p *parser.Parser, mgr *safety.Manager, opts ...Option) *Orchestrator {
	if store == nil {
		store = session.NewMemoryStore()
	}
	o := &Orchestrator{
		store:  store,
		parser: p,
		safety: mgr,
		locks:  newSessionLocks(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HandleCommand 处理一条命令。命令级失败体现在 CommandOutcome 中；
// 只有会话无法读取或保存时才返回 error。
func (o *Orchestrator) HandleCommand(ctx context.Context, text, sessionID string, opts Options) (*CommandOutcome, error) {
	if o.safety == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置安全管理器")
	}
	sessionID = normalizeSession(sessionID)
	ctx = logger.WithSession(ctx, sessionID)
	log := logger.FromContext(ctx, "orchestrator")

	unlock := o.locks.lock(sessionID)
	defer unlock()

	sc, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	opts.DryRun = opts.DryRun || o.defaultDryRun || sc.DryRun

	out := &CommandOutcome{SessionID: sessionID, Command: text, DryRun: opts.DryRun}
	if handled := o.builtin(ctx, sc, text, opts, out); !handled {
		o.run(ctx, sc, text, opts, out, log)
	}

	if !out.skipHistory {
		sc.Record(session.HistoryEntry{Command: text, Status: string(out.Status), Summary: out.summary(), DryRun: opts.DryRun, At: o.now()}, nil)
	}
	if err := o.store.Put(ctx, sc); err != nil {
		log.Error("保存会话失败", "error", err)
		return out, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	log.Info("命令处理完成", "status", out.Status, "source", out.Source, "steps", len(out.Steps), "dry_run", opts.DryRun)
	return out, nil
}

// run 规划并执行一条非内置命令。
func (o *Orchestrator) run(ctx context.Context, sc *session.Context, text string, opts Options, out *CommandOutcome, log *slog.Logger) {
	drafts, source, ok := o.resolve(ctx, sc, text, out)
	out.Source = source
	if !ok {
		return
	}

	var unresolved []string
	for idx := range drafts {
		d := &drafts[idx]
		reserved := make([]string, 0, len(d.Inputs)+2)
		for param := range d.Inputs {
			reserved = append(reserved, param)
		}
		if len(d.DependsOn) > 0 {
			// 有依赖的步骤由上游结果填充槽位，不从会话猜测。
			if spec, ok := d.Intent.Spec(); ok {
				for _, slot := range []string{spec.ObjectSlot, spec.PersonSlot} {
					if slot != "" {
						reserved = append(reserved, slot)
					}
				}
			}
		}
		sort.Strings(reserved)
		enriched := inference.Enrich(text, d.Intent, sc, reserved...)
		d.Intent = enriched.Intent
		if len(d.DependsOn) == 0 && enriched.NeedsClarification() {
			unresolved = append(unresolved, enriched.Unresolved...)
		}
		if len(enriched.Substitutions) > 0 {
			log.Debug("代词已替换", "step", idx+1, "substitutions", enriched.Substitutions)
		}
	}
	if len(unresolved) > 0 {
		out.Status = StatusNeedsClarification
		out.Unresolved = unresolved
		out.Message = fmt.Sprintf("could not tell what %q refers to", strings.Join(unresolved, ", "))
		out.Suggestion = "请明确指出要操作的对象，例如文件名或邮件主题。"
		return
	}

	plan, err := workflow.Build(drafts)
	if err != nil {
		out.fail(StatusPlanInvalid, err)
		return
	}

	actions := sc.Actions()
	runner := workflow.RunnerFunc(func(ctx context.Context, step *workflow.Step) (workflow.Result, error) {
		res, err := o.safety.Execute(ctx, actions, safety.Request{Intent: step.Intent, DryRun: opts.DryRun, Confirmed: opts.Confirm})
		if ctx.Err() != nil && res.ActionID != "" {
			// 取消后到达的结果不并入会话。
			actions.Remove(res.ActionID)
			log.Warn("取消后丢弃已执行动作的记录", "action_id", res.ActionID, "step", step.Index)
		}
		return workflow.Result{
			Summary:  res.Summary,
			Data:     res.Data,
			Preview:  res.Preview,
			ActionID: res.ActionID,
			Risk:     res.Risk,
			Warnings: res.Warnings,
		}, err
	})
	report := workflow.NewExecutor(runner, workflow.WithLogger(log)).Execute(ctx, plan, sc, opts.DryRun)

	for _, r := range report.Steps {
		step := stepOutcome(r, actions, o.safety.Risk(r.Intent))
		if step.ErrorCode == xerrors.CodeConfirmationRequired {
			out.NeedsConfirmation = true
		}
		if r.Result != nil {
			out.Warnings = appendUnique(out.Warnings, r.Result.Warnings...)
		}
		out.Steps = append(out.Steps, step)
	}
	out.References = report.Bound
	out.Status = Status(report.Status())
	if report.Cancelled {
		out.Warnings = appendUnique(out.Warnings, "command cancelled before all steps finished")
	}
}

// resolve 依次尝试快捷查询与语言理解服务，并补全隐式目标。
func (o *Orchestrator) resolve(ctx context.Context, sc *session.Context, text string, out *CommandOutcome) ([]workflow.Draft, Source, bool) {
	if in, ok := inference.MatchSmartQuery(text); ok {
		return []workflow.Draft{{Intent: in}}, SourceSmartQuery, true
	}
	if o.parser == nil {
		out.fail(StatusUnparseable, xerrors.New(xerrors.CodeUnparseable, "no language model configured"))
		return nil, SourceLLM, false
	}
	res := o.parser.Parse(ctx, text, sc)
	switch res.Kind {
	case parser.KindSingle:
		if drafts := inference.InferImplicitTargets(text, res.Intent, sc); drafts != nil {
			return drafts, SourceLLM, true
		}
		return []workflow.Draft{{Intent: res.Intent}}, SourceLLM, true
	case parser.KindWorkflow:
		return res.Drafts, SourceLLM, true
	default:
		out.fail(StatusUnparseable, res.Err())
		return nil, SourceLLM, false
	}
}

// builtin 处理不需要语言理解的会话命令。
func (o *Orchestrator) builtin(ctx context.Context, sc *session.Context, text string, opts Options, out *CommandOutcome) bool {
	cmd := strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?"))), " ")
	switch cmd {
	case "undo", "undo that", "undo last", "undo it":
		out.Source = SourceBuiltin
		o.undo(ctx, sc, "", opts, out)
	case "clear", "reset", "clear session", "reset session":
		out.Source = SourceBuiltin
		out.Status = StatusSucceeded
		out.skipHistory = true
		if opts.DryRun {
			out.Message = fmt.Sprintf("[dry-run] would clear %d history entries and %d actions", len(sc.History()), sc.Actions().Len())
			return true
		}
		sc.Clear()
		sc.Actions().Reset()
		out.Message = "session cleared"
		logger.Audit().Info("会话已清空", "session_id", sc.ID)
	case "history", "show history":
		out.Source = SourceBuiltin
		out.Status = StatusSucceeded
		out.History = sc.History()
		out.skipHistory = true
	case "dry run on", "dry-run on", "dry run off", "dry-run off":
		out.Source = SourceBuiltin
		sc.DryRun = strings.HasSuffix(cmd, "on")
		out.DryRun = sc.DryRun
		out.Status = StatusSucceeded
		out.skipHistory = true
		if sc.DryRun {
			out.Message = "session dry-run on"
		} else {
			out.Message = "session dry-run off"
		}
	default:
		return false
	}
	return true
}

// Undo 撤销会话中的动作。actionID 为空时撤销最近一个可撤销的动作。
func (o *Orchestrator) Undo(ctx context.Context, sessionID, actionID string, opts Options) (*CommandOutcome, error) {
	if o.safety == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置安全管理器")
	}
	sessionID = normalizeSession(sessionID)
	ctx = logger.WithSession(ctx, sessionID)
	unlock := o.locks.lock(sessionID)
	defer unlock()

	sc, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	opts.DryRun = opts.DryRun || o.defaultDryRun || sc.DryRun
	command := strings.TrimSpace("undo " + actionID)
	out := &CommandOutcome{SessionID: sessionID, Command: command, Source: SourceBuiltin, DryRun: opts.DryRun}
	o.undo(ctx, sc, actionID, opts, out)
	sc.Record(session.HistoryEntry{Command: command, Status: string(out.Status), Summary: out.summary(), DryRun: opts.DryRun, At: o.now()}, nil)
	if err := o.store.Put(ctx, sc); err != nil {
		return out, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return out, nil
}

func (o *Orchestrator) undo(ctx context.Context, sc *session.Context, actionID string, opts Options, out *CommandOutcome) {
	actions := sc.Actions()
	if actionID == "" {
		rec, ok := actions.LatestUndoable()
		if !ok {
			out.fail(StatusFailed, xerrors.New(xerrors.CodeNotUndoable, "nothing to undo"))
			return
		}
		actionID = rec.ID
	}
	res, err := o.safety.Undo(ctx, actions, safety.UndoRequest{ActionID: actionID, DryRun: opts.DryRun, Confirmed: opts.Confirm})
	step := StepOutcome{
		Index:      1,
		Service:    res.Intent.Service,
		Action:     res.Intent.Action,
		Parameters: res.Intent.Parameters,
		Risk:       res.Risk,
		Summary:    res.Summary,
		Result:     res.Data,
		ActionID:   res.ActionID,
		Undoable:   res.Undoable,
		DryRun:     res.Preview,
		Status:     workflow.StatusSucceeded,
	}
	if err != nil {
		step.Status = workflow.StatusFailed
		step.ErrorCode = xerrors.CodeOf(err)
		step.Error = err.Error()
		step.Suggestion = xerrors.SuggestionOf(err)
		out.Steps = []StepOutcome{step}
		out.fail(StatusFailed, err)
		out.NeedsConfirmation = step.ErrorCode == xerrors.CodeConfirmationRequired
		return
	}
	out.Steps = []StepOutcome{step}
	out.Warnings = res.Warnings
	out.Status = StatusSucceeded
}

// History 返回会话历史。
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]session.HistoryEntry, error) {
	sc, err := o.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sc.History(), nil
}

// Actions 返回会话的动作记录，最新的在最后。
func (o *Orchestrator) Actions(ctx context.Context, sessionID string) ([]session.ActionRecord, error) {
	sc, err := o.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sc.Actions().Records(), nil
}

// References 返回会话的命名引用。
func (o *Orchestrator) References(ctx context.Context, sessionID string) (map[string]session.Reference, error) {
	sc, err := o.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sc.References(), nil
}

// DeleteSession 删除会话及其动作记录。
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = normalizeSession(sessionID)
	unlock := o.locks.lock(sessionID)
	defer unlock()
	if err := o.store.Delete(ctx, sessionID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	logger.Audit().Info("会话已删除", "session_id", sessionID)
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, sessionID string) (*session.Context, error) {
	sessionID = normalizeSession(sessionID)
	unlock := o.locks.lock(sessionID)
	defer unlock()
	return o.load(ctx, sessionID)
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*session.Context, error) {
	sc, err := o.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		return sc, nil
	case errors.Is(err, session.ErrSessionNotFound):
		return session.New(sessionID), nil
	default:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
}

func normalizeSession(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/pkg/logger"
)

// Result 是单个步骤的执行结果。
type Result struct {
	Summary  string         `json:"summary"`
	Data     map[string]any `json:"data,omitempty"`
	Preview  bool           `json:"preview,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Risk     intent.Risk    `json:"risk,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Runner 执行单个步骤，通常由安全管理器实现。
type Runner interface {
	Run(ctx context.Context, step *Step) (Result, error)
}

// RunnerFunc 适配普通函数。
type RunnerFunc func(ctx context.Context, step *Step) (Result, error)

// Run 实现 Runner。
func (f RunnerFunc) Run(ctx context.Context, step *Step) (Result, error) { return f(ctx, step) }

// StepReport 汇总单个步骤的最终状态。
type StepReport struct {
	Index      int           `json:"index"`
	Intent     intent.Intent `json:"intent"`
	DependsOn  []int         `json:"depends_on,omitempty"`
	Status     Status        `json:"status"`
	Result     *Result       `json:"result,omitempty"`
	Err        error         `json:"-"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Report 是整个工作流的执行报告。
type Report struct {
	Steps     []StepReport
	Cancelled bool
	// Bound 记录本次执行写入会话的引用名。
	Bound []string
}

// Status 汇总整体状态：全部成功、部分成功或失败。
func (r *Report) Status() string {
	succeeded := 0
	for _, s := range r.Steps {
		if s.Status == StatusSucceeded {
			succeeded++
		}
	}
	switch {
	case succeeded == len(r.Steps):
		return "succeeded"
	case succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

// Executor 按拓扑序串行执行计划。
type Executor struct {
	runner Runner
	logger *slog.Logger
}

// Option 配置执行器。
type Option func(*Executor)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(runner Runner, opts ...Option) *Executor {
	e := &Executor{runner: runner, logger: logger.Named("workflow")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 按 plan.Order() 运行计划。失败的步骤会使 plan.Dependents() 给出的全部传递
// 依赖者变为 skipped，其余分支继续执行。dryRun 为 true 时不向会话写入任何引用。
func (e *Executor) Execute(ctx context.Context, plan *Plan, sc *session.Context, dryRun bool) *Report {
	reports := make(map[int]*StepReport, len(plan.Steps))
	for _, s := range plan.Steps {
		reports[s.Index] = &StepReport{Index: s.Index, Intent: s.Intent, DependsOn: s.DependsOn, Status: StatusPending}
	}
	results := make(map[int]Result, len(plan.Steps))
	report := &Report{}

	for _, idx := range plan.Order() {
		step := plan.Step(idx)
		if step.Status != StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			break
		}

		in, err := e.resolveInputs(step, plan, sc, results, dryRun)
		if err != nil {
			e.fail(plan, step, reports, err)
			continue
		}
		step.Intent = in
		reports[step.Index].Intent = in

		step.Status = StatusRunning
		log := e.logger.With("step", step.Index, "service", step.Intent.Service, "action", step.Intent.Action)
		log.Debug("执行步骤")
		res, err := e.runner.Run(ctx, step)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// 调用期间被取消：丢弃结果，不写入会话。
			report.Cancelled = true
			e.fail(plan, step, reports, xerrors.Wrap(xerrors.CodeCancelled, ctxErr, "step cancelled"))
			continue
		}
		if err != nil {
			log.Warn("步骤失败", "error", err, "code", xerrors.CodeOf(err))
			e.fail(plan, step, reports, err)
			continue
		}

		step.Status = StatusSucceeded
		results[step.Index] = res
		r := res
		reports[step.Index].Status = StatusSucceeded
		reports[step.Index].Result = &r
		if !dryRun && !res.Preview {
			report.Bound = append(report.Bound, bind(sc, step, res.Data)...)
		}
	}

	if report.Cancelled {
		for _, s := range plan.Steps {
			if !s.Status.Terminal() {
				e.skip(s, reports[s.Index], "cancelled before start")
			}
		}
	}
	for _, s := range plan.Steps {
		report.Steps = append(report.Steps, *reports[s.Index])
	}
	return report
}

func (e *Executor) skip(s *Step, r *StepReport, reason string) {
	s.Status = StatusSkipped
	r.Status = StatusSkipped
	r.SkipReason = reason
	e.logger.Info("跳过步骤", "step", s.Index, "reason", reason)
}

// fail 标记步骤失败，并跳过所有仍在等待的传递依赖者。
func (e *Executor) fail(plan *Plan, s *Step, reports map[int]*StepReport, err error) {
	s.Status = StatusFailed
	reports[s.Index].Status = StatusFailed
	reports[s.Index].Err = err
	for _, idx := range plan.Dependents(s.Index) {
		if d := plan.Step(idx); d.Status == StatusPending {
			e.skip(d, reports[idx], fmt.Sprintf("dependency step %d failed", s.Index))
		}
	}
}

// resolveInputs 在依赖完成之后、步骤开始之前把上游结果注入参数。显式参数优先。
func (e *Executor) resolveInputs(step *Step, plan *Plan, sc *session.Context, results map[int]Result, dryRun bool) (intent.Intent, error) {
	in := step.Intent
	spec, _ := in.Spec()

	for param, path := range step.Inputs {
		if in.HasParam(param) {
			continue
		}
		value, err := lookupInput(path, step, plan, sc, results)
		if errors.Is(err, errUnresolved) {
			if dryRun {
				in = in.With(param, fmt.Sprintf("<%s>", path))
				continue
			}
			return in, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("step %d input %s unresolved from %s", step.Index, param, path))
		}
		if err != nil {
			return in, err
		}
		in = in.With(param, coerce(spec, param, value))
	}

	// 未声明输入时按槽位类型从直接依赖的结果中取值。
	for i := len(step.DependsOn) - 1; i >= 0; i-- {
		res, ok := results[step.DependsOn[i]]
		if !ok || res.Data == nil {
			continue
		}
		first := res.Data
		if items := session.Items(res.Data["items"]); len(items) > 0 {
			first = items[0]
		}
		if spec.ObjectSlot != "" && !in.HasParam(spec.ObjectSlot) {
			if id := session.ID(first); id != "" && kindOf(plan.Step(step.DependsOn[i]).Intent) == spec.ObjectKind {
				in = in.With(spec.ObjectSlot, id)
			}
		}
		if spec.PersonSlot != "" && !in.HasParam(spec.PersonSlot) {
			if attendees := intent.StringList(first["attendees"]); len(attendees) > 0 {
				in = in.With(spec.PersonSlot, attendees)
			}
		}
	}
	return in, nil
}

var errUnresolved = errors.New("input unresolved")

// lookupInput 解析 "name.path"。name 是某个依赖步骤的输出名或 "step<N>" 时只从该步骤的
// 结果取值，列表结果取首项；没有依赖声明该名称时才读取会话引用。
func lookupInput(path string, step *Step, plan *Plan, sc *session.Context, results map[int]Result) (any, error) {
	name, rest, _ := strings.Cut(path, ".")
	for _, dep := range step.DependsOn {
		ds := plan.Step(dep)
		if ds.Output != name && fmt.Sprintf("step%d", dep) != name {
			continue
		}
		res, ok := results[dep]
		if !ok || res.Data == nil {
			return nil, errUnresolved
		}
		raw, listed := res.Data["items"]
		if v, ok := session.Lookup(res.Data, rest); ok && (rest != "" || !listed) {
			return v, nil
		}
		if !listed {
			return nil, errUnresolved
		}
		items := session.Items(raw)
		if len(items) == 0 {
			return nil, emptyResult(ds)
		}
		if v, ok := session.Lookup(items[0], rest); ok {
			return v, nil
		}
		return nil, errUnresolved
	}
	if sc == nil {
		return nil, errUnresolved
	}
	ref, err := sc.Resolve(name)
	if err != nil {
		return nil, errUnresolved
	}
	if v, ok := session.Lookup(ref.Value, rest); ok {
		return v, nil
	}
	return nil, errUnresolved
}

// emptyResult 描述查询步骤没有返回任何条目，例如 "no email from carol@x.com"。
func emptyResult(ds *Step) error {
	noun := string(kindOf(ds.Intent))
	msg := fmt.Sprintf("no %s found", noun)
	if ds.Intent.Key() == "calendar.next_event" {
		msg = "no upcoming event found"
	}
	if q := ds.Intent.StringParam("query"); q != "" {
		if from, ok := strings.CutPrefix(q, "from:"); ok {
			msg = fmt.Sprintf("no %s from %s", noun, from)
		} else {
			msg = fmt.Sprintf("no %s matching %q", noun, q)
		}
	}
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("step %d: %s", ds.Index, msg),
		xerrors.WithMetadata("step", fmt.Sprint(ds.Index)))
}

func coerce(spec intent.ActionSpec, param string, value any) any {
	switch param {
	case spec.ObjectSlot:
		if id := session.ID(value); id != "" {
			return id
		}
		if items := session.Items(value); len(items) > 0 {
			return session.ID(items[0])
		}
	case spec.PersonSlot:
		return intent.StringList(value)
	}
	return value
}

func kindOf(in intent.Intent) intent.Kind {
	switch in.Service {
	case intent.ServiceMail:
		return intent.KindEmail
	case intent.ServiceCalendar:
		return intent.KindEvent
	default:
		return intent.KindFile
	}
}

func bind(sc *session.Context, step *Step, data map[string]any) []string {
	if sc == nil {
		return nil
	}
	refs := session.Derive(step.Intent, data)
	if step.Output != "" {
		if _, derived := refs[step.Output]; !derived {
			if value, ok := outputValue(data); ok {
				if refs == nil {
					refs = make(map[string]session.Reference)
				}
				refs[step.Output] = session.Reference{Kind: kindOf(step.Intent), Value: value}
			}
		}
	}
	sc.Bind(refs)
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outputValue 取出写入输出名的值：列表结果取首项，空列表不写入。
func outputValue(data map[string]any) (any, bool) {
	if data == nil {
		return nil, false
	}
	raw, listed := data["items"]
	if !listed {
		return data, true
	}
	items := session.Items(raw)
	if len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

// ErrorOf 返回报告中第一个失败步骤的错误。
func (r *Report) ErrorOf() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s.Err
		}
	}
	return nil
}

// IsCancelled 判断错误是否来自取消。
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || xerrors.CodeOf(err) == xerrors.CodeCancelled
}

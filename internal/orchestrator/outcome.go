package orchestrator

import (
	"strings"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
	"LLM-Orchestra/internal/session"
	"LLM-Orchestra/internal/workflow"
)

// Status 是命令的整体结果。
type Status string

const (
	StatusSucceeded          Status = "succeeded"
	StatusPartial            Status = "partial"
	StatusFailed             Status = "failed"
	StatusUnparseable        Status = "unparseable"
	StatusNeedsClarification Status = "needs_clarification"
	StatusPlanInvalid        Status = "plan_invalid"
)

// Source 说明命令是如何被理解的。
type Source string

const (
	SourceBuiltin    Source = "builtin"
	SourceSmartQuery Source = "smart_query"
	SourceLLM        Source = "llm"
)

// Options 是单条命令的开关。
type Options struct {
	DryRun  bool `json:"dry_run"`
	Confirm bool `json:"confirm"`
}

// StepOutcome 是单个步骤对调用方可见的结果。
type StepOutcome struct {
	Index      int             `json:"index"`
	Service    intent.Service  `json:"service"`
	Action     string          `json:"action"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	DependsOn  []int           `json:"depends_on,omitempty"`
	Status     workflow.Status `json:"status"`
	Summary    string          `json:"summary,omitempty"`
	Result     map[string]any  `json:"result,omitempty"`
	Risk       intent.Risk     `json:"risk,omitempty"`
	ActionID   string          `json:"action_id,omitempty"`
	Undoable   bool            `json:"undoable,omitempty"`
	DryRun     bool            `json:"dry_run,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	ErrorCode  xerrors.Code    `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// CommandOutcome 是 HandleCommand 的返回值。
type CommandOutcome struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Source    Source `json:"source,omitempty"`
	Status    Status `json:"status"`
	DryRun    bool   `json:"dry_run,omitempty"`
	Message   string `json:"message,omitempty"`
	// ErrorCode 与 Suggestion 描述命令级别的失败，步骤级失败见 Steps。
	ErrorCode         xerrors.Code           `json:"error_code,omitempty"`
	Suggestion        string                 `json:"suggestion,omitempty"`
	NeedsConfirmation bool                   `json:"needs_confirmation,omitempty"`
	Unresolved        []string               `json:"unresolved,omitempty"`
	Steps             []StepOutcome          `json:"steps,omitempty"`
	Warnings          []string               `json:"warnings,omitempty"`
	References        []string               `json:"references,omitempty"`
	History           []session.HistoryEntry `json:"history,omitempty"`

	skipHistory bool
}

func (o *CommandOutcome) fail(status Status, err error) {
	o.Status = status
	o.ErrorCode = xerrors.CodeOf(err)
	o.Suggestion = xerrors.SuggestionOf(err)
	o.Message = err.Error()
}

func (o *CommandOutcome) summary() string {
	if o.Message != "" {
		return o.Message
	}
	parts := make([]string, 0, len(o.Steps))
	for _, s := range o.Steps {
		if s.Summary != "" {
			parts = append(parts, s.Summary)
		}
	}
	return strings.Join(parts, "; ")
}

func stepOutcome(r workflow.StepReport, actions *session.ActionLog, risk intent.Risk) StepOutcome {
	out := StepOutcome{
		Index:      r.Index,
		Service:    r.Intent.Service,
		Action:     r.Intent.Action,
		Parameters: r.Intent.Parameters,
		DependsOn:  r.DependsOn,
		Status:     r.Status,
		Risk:       risk,
		SkipReason: r.SkipReason,
	}
	if r.Result != nil {
		out.Summary = r.Result.Summary
		out.Result = r.Result.Data
		out.DryRun = r.Result.Preview
		out.ActionID = r.Result.ActionID
		if r.Result.Risk != "" {
			out.Risk = r.Result.Risk
		}
		if rec, ok := actions.Get(out.ActionID); ok {
			out.Undoable = rec.Undoable
		}
	}
	if r.Err != nil {
		out.ErrorCode = xerrors.CodeOf(r.Err)
		out.Error = r.Err.Error()
		out.Suggestion = xerrors.SuggestionOf(r.Err)
	}
	return out
}

package task

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/orchestrator"
)

// Status 表示异步命令任务在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task 描述一条排队执行的命令。Outcome 在编排器处理完成后写入，
// 命令本身的成败见 Outcome.Status，任务状态只反映处理过程。
type Task struct {
	ID         string                       `json:"id"`
	SessionID  string                       `json:"session_id"`
	Command    string                       `json:"command"`
	DryRun     bool                         `json:"dry_run,omitempty"`
	Confirm    bool                         `json:"confirm,omitempty"`
	Status     Status                       `json:"status"`
	Attempts   int                          `json:"attempts"`
	MaxRetries int                          `json:"max_retries"`
	LastError  string                       `json:"last_error,omitempty"`
	ErrorCode  string                       `json:"error_code,omitempty"`
	Outcome    *orchestrator.CommandOutcome `json:"outcome,omitempty"`
	CreatedAt  int64                        `json:"created_at"`
	UpdatedAt  int64                        `json:"updated_at"`
}

// Failure 描述一次处理失败。Terminal 为 false 时任务回到排队状态。
type Failure struct {
	Code     xerrors.Code
	Message  string
	Terminal bool
	// Outcome 在命令已部分执行后才失败时保留，避免丢失已产生的副作用记录。
	Outcome *orchestrator.CommandOutcome
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经处理完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		Suggestion: "确认任务 ID 是否正确，任务只在所属的存储中可见。",
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		Suggestion: "任务正在处理中，请稍后查询结果。",
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already completed",
		Severity:   xerrors.SeverityInfo,
		Suggestion: "任务已完成，直接读取结果即可。",
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:    "task retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Suggestion: "检查 last_error 后重新提交命令。",
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		Suggestion: "命令内容不能为空。",
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Suggestion: "检查任务队列连接后重试提交。",
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task processing failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Suggestion: "任务会自动重试，若持续失败请查看 last_error。",
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, known := range []*xerrors.Error{ErrTaskNotFound, ErrTaskConflict, ErrTaskCompleted, ErrTaskExhausted} {
		if stdErrors.Is(err, known) {
			return known.Code() == target
		}
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 表示任务不会再被处理。可重试的失败会让任务回到 queued。
func (t *Task) Terminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Outcome = cloneOutcome(task.Outcome)
	return &clone
}

// cloneOutcome 通过 JSON 深拷贝结果，结果中的 map 可能来自处理器。
func cloneOutcome(out *orchestrator.CommandOutcome) *orchestrator.CommandOutcome {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		copied := *out
		return &copied
	}
	var copied orchestrator.CommandOutcome
	if err := json.Unmarshal(data, &copied); err != nil {
		c := *out
		return &c
	}
	return &copied
}

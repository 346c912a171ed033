package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示编排引擎内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于审计日志。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。Suggestion 是面向最终用户的处理建议。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Suggestion string
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAuthDenied            Code = "AUTH_DENIED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeNetwork               Code = "NETWORK"
	CodeTimeout               Code = "TIMEOUT"
	CodeCancelled             Code = "CANCELLED"
	CodeUnparseable           Code = "UNPARSEABLE"
	CodePlanInvalid           Code = "PLAN_INVALID"
	CodeConfirmationRequired  Code = "CONFIRMATION_REQUIRED"
	CodeNotUndoable           Code = "NOT_UNDOABLE"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodeTransientFailure      Code = "TRANSIENT_FAILURE"
	CodePermanentFailure      Code = "PERMANENT_FAILURE"
	CodeDryRunUnsupported     Code = "DRY_RUN_UNSUPPORTED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:    "unknown error",
			Severity:   SeverityCritical,
			Suggestion: "请稍后重试，若问题持续请联系管理员",
		},
		CodeInvalidArgument: {
			Message:    "invalid argument",
			Severity:   SeverityInfo,
			Suggestion: "请检查命令中的参数是否完整",
		},
		CodeNotFound: {
			Message:    "resource not found",
			Severity:   SeverityInfo,
			Suggestion: "目标资源不存在，请确认名称或 ID",
		},
		CodeConflict: {
			Message:    "resource conflict",
			Severity:   SeverityWarning,
			Suggestion: "资源状态已变化，请刷新后重试",
		},
		CodeAuthDenied: {
			Message:    "authorization denied",
			Severity:   SeverityWarning,
			Suggestion: "凭证已失效，请重新授权后再试",
		},
		CodeRateLimited: {
			Message:    "rate limited by provider",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "请求过于频繁，请稍等片刻再试",
		},
		CodeUnavailable: {
			Message:    "provider unavailable",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "服务暂时不可用，请稍后重试",
		},
		CodeNetwork: {
			Message:    "network failure",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "网络连接异常，请检查网络后重试",
		},
		CodeTimeout: {
			Message:    "operation timed out",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "请求超时，请稍后重试",
		},
		CodeCancelled: {
			Message:    "operation cancelled",
			Severity:   SeverityInfo,
			Suggestion: "命令已被取消",
		},
		CodeUnparseable: {
			Message:    "command could not be understood",
			Severity:   SeverityInfo,
			Suggestion: "请换一种说法，例如“搜索上周的未读邮件”",
		},
		CodePlanInvalid: {
			Message:    "workflow plan is invalid",
			Severity:   SeverityInfo,
			Suggestion: "请把命令拆成更简单的步骤",
		},
		CodeConfirmationRequired: {
			Message:    "confirmation required",
			Severity:   SeverityInfo,
			Suggestion: "该操作风险较高，请确认后重新执行",
		},
		CodeNotUndoable: {
			Message:    "action cannot be undone",
			Severity:   SeverityInfo,
			Suggestion: "只能撤销最近一次可逆的操作",
		},
		CodeQuotaExceeded: {
			Message:    "quota exceeded",
			Severity:   SeverityWarning,
			Suggestion: "今日配额已用尽，请在配额重置后再试",
		},
		CodeTransientFailure: {
			Message:    "transient failure",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "服务暂时不可用，请稍后重试",
		},
		CodePermanentFailure: {
			Message:    "permanent failure",
			Severity:   SeverityWarning,
			Suggestion: "操作无法完成，请检查命令内容",
		},
		CodeDryRunUnsupported: {
			Message:    "dry run not supported",
			Severity:   SeverityInfo,
			Suggestion: "该操作不支持预演",
		},
		CodeRetriesExhausted: {
			Message:    "retries exhausted",
			Severity:   SeverityWarning,
			Suggestion: "多次重试仍失败，请稍后再试",
		},
		CodeInitializationFailure: {
			Message:    "service not initialized",
			Severity:   SeverityWarning,
			Retryable:  true,
			Suggestion: "服务尚未就绪，请稍后重试",
		},
		CodeStorageFailure: {
			Message:    "storage failure",
			Severity:   SeverityCritical,
			Retryable:  true,
			Suggestion: "存储暂时不可用，请稍后重试",
		},
		CodeQueueFailure: {
			Message:    "queue failure",
			Severity:   SeverityCritical,
			Retryable:  true,
			Suggestion: "任务队列暂时不可用，请稍后重试",
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code       Code
	message    string
	cause      error
	metadata   map[string]string
	retryable  *bool
	severity   *Severity
	suggestion *string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithSuggestion 覆盖默认的用户建议。
func WithSuggestion(suggestion string) Option {
	return func(e *Error) {
		e.suggestion = &suggestion
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Suggestion 返回当前层的建议，不沿错误链查找。
func (e *Error) Suggestion() string {
	if e == nil {
		return ""
	}
	if e.suggestion != nil {
		return *e.suggestion
	}
	return AttributesOf(e.code).Suggestion
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// SuggestionOf 返回面向用户的建议。
// 显式 WithSuggestion 的最外层优先，否则取错误链中最内层统一错误的默认建议。
func SuggestionOf(err error) string {
	var innermost *Error
	for cur := err; cur != nil; cur = stdErrors.Unwrap(cur) {
		e, ok := cur.(*Error)
		if !ok {
			continue
		}
		if e.suggestion != nil {
			return *e.suggestion
		}
		innermost = e
	}
	if innermost == nil {
		return AttributesOf(CodeUnknown).Suggestion
	}
	return innermost.Suggestion()
}

// CodeChain 返回错误链中出现的全部错误码，外层在前。
func CodeChain(err error) []Code {
	var codes []Code
	for cur := err; cur != nil; cur = stdErrors.Unwrap(cur) {
		if e, ok := cur.(*Error); ok {
			codes = append(codes, e.code)
		}
	}
	return codes
}

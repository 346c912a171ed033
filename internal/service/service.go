package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/intent"
)

// Result 是服务处理器返回的结果。Data 为结构化载荷，列表结果放在 "items" 下。
type Result struct {
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler 是单个外部服务的适配器。Execute 产生真实副作用，Preview 只描述将要发生的事情。
// 失败需要通过统一错误码区分可重试与不可重试。
type Handler interface {
	Service() intent.Service
	Execute(ctx context.Context, action string, params map[string]any) (Result, error)
	Preview(ctx context.Context, action string, params map[string]any) (string, error)
}

// Registry 维护服务到处理器的映射。
type Registry struct {
	mu       sync.RWMutex
	handlers map[intent.Service]Handler
}

// NewRegistry 创建注册表。
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[intent.Service]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register 注册或替换处理器。
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[h.Service()] = h
	r.mu.Unlock()
}

// Handler 返回服务对应的处理器。
func (r *Registry) Handler(svc intent.Service) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[svc]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("no handler registered for %s", svc),
			xerrors.WithRetryable(false))
	}
	return h, nil
}

// ErrUnsupportedAction 构造动作不受支持的错误。
func ErrUnsupportedAction(svc intent.Service, action string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s does not support %s", svc, action))
}

// ErrPreviewUnsupported 构造无法预演的错误。
func ErrPreviewUnsupported(svc intent.Service, action string) error {
	return xerrors.New(xerrors.CodeDryRunUnsupported, fmt.Sprintf("dry-run unsupported for %s.%s", svc, action))
}

// StatusError 把外部服务的 HTTP 状态码映射为统一错误码，供真实服务适配器复用。
func StatusError(status int, message string) error {
	var code xerrors.Code
	switch {
	case status == http.StatusTooManyRequests:
		code = xerrors.CodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = xerrors.CodeTimeout
	case status >= 500:
		code = xerrors.CodeUnavailable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = xerrors.CodeAuthDenied
	case status == http.StatusNotFound || status == http.StatusGone:
		code = xerrors.CodeNotFound
	case status == http.StatusConflict:
		code = xerrors.CodeConflict
	default:
		code = xerrors.CodeInvalidArgument
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return xerrors.New(code, message, xerrors.WithMetadata("http_status", fmt.Sprint(status)))
}

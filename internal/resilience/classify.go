package resilience

import (
	"context"
	stdErrors "errors"
	"net"

	xerrors "LLM-Orchestra/internal/errors"
)

// Kind 是失败分类。
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Classify 判断失败是否值得重试：可重试的统一错误、单次调用超时与网络错误为瞬时失败，
// 其余（参数错误、资源不存在、鉴权失败、调用方取消等）为永久失败。
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if stdErrors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if e, ok := xerrors.From(err); ok {
		if e.Retryable() {
			return KindTransient
		}
		return KindPermanent
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		return KindTransient
	}
	return KindPermanent
}

// suggestionFor 取最具体的建议：统一错误沿用其建议，裸网络错误使用网络建议。
func suggestionFor(err error, fallback xerrors.Code) string {
	if _, ok := xerrors.From(err); ok {
		return xerrors.SuggestionOf(err)
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		return xerrors.AttributesOf(xerrors.CodeNetwork).Suggestion
	}
	return xerrors.AttributesOf(fallback).Suggestion
}

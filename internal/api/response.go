package api

import (
	"encoding/json"
	"net/http"

	xerrors "LLM-Orchestra/internal/errors"
	"LLM-Orchestra/internal/task"
)

// ErrorBody 是错误响应中的 error 字段。
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]ErrorBody{"error": {
		Code:       string(code),
		Message:    err.Error(),
		Suggestion: xerrors.SuggestionOf(err),
		Retryable:  xerrors.RetryableError(err),
	}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, xerrors.CodeUnparseable, xerrors.CodePlanInvalid:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeAuthDenied:
		return http.StatusForbidden
	case xerrors.CodeRateLimited, xerrors.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeStorageFailure, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure,
		xerrors.CodeUnavailable, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

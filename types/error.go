package types

import (
	"errors"
	"fmt"
)

// ErrorCode 跨包统一的错误码，HTTP 层据此映射状态码
type ErrorCode string

// 通用 / 上游提供方
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrModelOverloaded     ErrorCode = "MODEL_OVERLOADED"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// 会话 / 管线
const (
	ErrSessionClosed    ErrorCode = "SESSION_CLOSED"
	ErrPipelineNotReady ErrorCode = "PIPELINE_NOT_READY"
	ErrReplyInProgress  ErrorCode = "REPLY_IN_PROGRESS"
	ErrToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecution    ErrorCode = "TOOL_EXECUTION"
)

// 房间
const (
	ErrRoomCreateFailed ErrorCode = "ROOM_CREATE_FAILED"
	ErrAuthTokenMissing ErrorCode = "AUTH_TOKEN_MISSING"
)

// Error 带错误码的结构化错误。With* 方法原地修改并返回自身，便于链式构造
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError 等价于 NewError(code, message).WithCause(cause)
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := "[" + string(e.Code) + "] " + e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按错误码匹配，errors.Is(err, NewError(ErrSessionClosed, "")) 成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus 覆盖按错误码映射出的状态码
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// asError 沿错误链取第一个 *Error
func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable 错误链中第一个 *Error 是否可重试
func IsRetryable(err error) bool {
	e, ok := asError(err)
	return ok && e.Retryable
}

// GetErrorCode 错误链中没有 *Error 时返回空串
func GetErrorCode(err error) ErrorCode {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return ""
}

func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

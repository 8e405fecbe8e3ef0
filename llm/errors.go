package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/voiceflow/types"
)

// Error 与 types.Error 相同
type Error = types.Error

// MapHTTPError 将供应商 HTTP 状态码映射为带重试标记的 Error。
// 语音与对话供应商共用。
func MapHTTPError(status int, msg, provider string) *Error {
	e := &Error{Message: msg, HTTPStatus: status, Provider: provider}
	switch status {
	case http.StatusUnauthorized:
		e.Code = types.ErrUnauthorized
	case http.StatusForbidden:
		e.Code = types.ErrForbidden
	case http.StatusTooManyRequests:
		e.Code = types.ErrRateLimited
		e.Retryable = true
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "limit") {
			e.Code = types.ErrQuotaExceeded
		} else {
			e.Code = types.ErrInvalidRequest
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Code = types.ErrUpstreamTimeout
		e.Retryable = true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		e.Code = types.ErrUpstreamError
		e.Retryable = true
	case 529:
		e.Code = types.ErrModelOverloaded
		e.Retryable = true
	default:
		e.Code = types.ErrUpstreamError
		e.Retryable = status >= 500
	}
	return e
}

// ReadErrorMessage 读取响应体中的错误信息，优先解析 {"error":{"message"}} 结构
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	// Deepgram / ElevenLabs 风格
	var flat struct {
		ErrMsg string `json:"err_msg"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal(data, &flat); err == nil {
		if flat.ErrMsg != "" {
			return flat.ErrMsg
		}
		switch d := flat.Detail.(type) {
		case string:
			return d
		case map[string]any:
			if m, ok := d["message"].(string); ok {
				return m
			}
		}
	}

	return strings.TrimSpace(string(data))
}

// TransportError 网络层错误（连接失败、读流中断）
func TransportError(err error, provider string) *Error {
	return &Error{
		Code:       types.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
		Cause:      err,
	}
}

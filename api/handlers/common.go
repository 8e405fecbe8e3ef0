package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再报告
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 状态码优先取 err.HTTPStatus，否则按错误码查表；5xx 记 Error 日志
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = statusForCode(err.Code)
	}
	if logger != nil {
		logAPIError(logger, err, status)
	}

	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}
	if err.Provider != "" {
		info.Details = "provider: " + err.Provider
	}
	WriteJSON(w, status, Response{Error: info, Timestamp: time.Now()})
}

func logAPIError(logger *zap.Logger, err *types.Error, status int) {
	fields := []zap.Field{
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
	}
	if err.Cause != nil {
		fields = append(fields, zap.NamedError("cause", err.Cause))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("API error", fields...)
		return
	}
	logger.Debug("API error", fields...)
}

// WriteErrorMessage 不带 cause 的快捷方式
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// writeErr 沿错误链找 *types.Error；找不到时按内部错误处理
func writeErr(w http.ResponseWriter, err error, logger *zap.Logger) {
	var te *types.Error
	if errors.As(err, &te) {
		if te != err {
			// 被 fmt.Errorf 包过，消息取完整链
			te = types.WrapError(te.Code, err.Error(), err).WithHTTPStatus(te.HTTPStatus).WithRetryable(te.Retryable)
		}
		WriteError(w, te, logger)
		return
	}
	WriteError(w, types.WrapError(types.ErrInternalError, err.Error(), err), logger)
}

// codeStatus 错误码到 HTTP 状态码，未列出的为 500
var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:      http.StatusBadRequest,
	types.ErrUnauthorized:        http.StatusUnauthorized,
	types.ErrAuthTokenMissing:    http.StatusUnauthorized,
	types.ErrForbidden:           http.StatusForbidden,
	types.ErrNotFound:            http.StatusNotFound,
	types.ErrToolNotFound:        http.StatusNotFound,
	types.ErrRateLimited:         http.StatusTooManyRequests,
	types.ErrQuotaExceeded:       http.StatusPaymentRequired,
	types.ErrReplyInProgress:     http.StatusConflict,
	types.ErrSessionClosed:       http.StatusGone,
	types.ErrPipelineNotReady:    http.StatusServiceUnavailable,
	types.ErrModelOverloaded:     http.StatusServiceUnavailable,
	types.ErrProviderUnavailable: http.StatusServiceUnavailable,
	types.ErrUpstreamTimeout:     http.StatusGatewayTimeout,
	types.ErrUpstreamError:       http.StatusBadGateway,
	types.ErrProviderError:       http.StatusBadGateway,
	types.ErrRoomCreateFailed:    http.StatusBadGateway,
}

func statusForCode(code types.ErrorCode) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 上限，拒绝未知字段），失败时已写出错误响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 要求 application/json
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（中间件用来记录状态码与响应大小）
// =============================================================================

// ResponseWriter 记录首个状态码与写出字节数，透传 Flush/Hijack，
// 使 /ws/{roomId} 的升级请求可以穿过整条中间件链
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter 包装 w，未写头时状态码按 200 计
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack 成功后状态码记为 101
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.StatusCode = http.StatusSwitchingProtocols
		rw.Written = true
	}
	return conn, buf, err
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

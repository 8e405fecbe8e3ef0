package llm

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/BaSui01/voiceflow/types"
	"github.com/stretchr/testify/assert"
)

func TestMapHTTPError(t *testing.T) {
	tt := []struct {
		status    int
		msg       string
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, "bad key", types.ErrUnauthorized, false},
		{http.StatusForbidden, "denied", types.ErrForbidden, false},
		{http.StatusTooManyRequests, "slow down", types.ErrRateLimited, true},
		{http.StatusBadRequest, "You exceeded your current quota", types.ErrQuotaExceeded, false},
		{http.StatusBadRequest, "missing field", types.ErrInvalidRequest, false},
		{http.StatusGatewayTimeout, "timeout", types.ErrUpstreamTimeout, true},
		{http.StatusBadGateway, "bad gateway", types.ErrUpstreamError, true},
		{529, "overloaded", types.ErrModelOverloaded, true},
		{http.StatusInternalServerError, "boom", types.ErrUpstreamError, true},
		{http.StatusNotFound, "nope", types.ErrUpstreamError, false},
	}
	for _, tc := range tt {
		t.Run(http.StatusText(tc.status)+"/"+tc.msg, func(t *testing.T) {
			err := MapHTTPError(tc.status, tc.msg, "openai")
			assert.Equal(t, tc.code, err.Code)
			assert.Equal(t, tc.retryable, err.Retryable)
			assert.Equal(t, "openai", err.Provider)
			assert.Equal(t, tc.status, err.HTTPStatus)
		})
	}
}

func TestReadErrorMessage(t *testing.T) {
	tt := []struct {
		name string
		body string
		want string
	}{
		{"openai", `{"error":{"message":"Invalid key","type":"auth"}}`, "Invalid key (type: auth)"},
		{"openai no type", `{"error":{"message":"Invalid key"}}`, "Invalid key"},
		{"deepgram", `{"err_code":"INVALID_AUTH","err_msg":"Invalid credentials."}`, "Invalid credentials."},
		{"elevenlabs", `{"detail":{"status":"voice_not_found","message":"Voice not found"}}`, "Voice not found"},
		{"plain", "  upstream down \n", "upstream down"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ReadErrorMessage(strings.NewReader(tc.body)))
		})
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransportError(cause, "deepgram")
	assert.True(t, types.IsRetryable(err))
	assert.ErrorIs(t, err, cause)
}

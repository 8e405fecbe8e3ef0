package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("deepgram")

	assert.Equal(t, ErrUpstreamError, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "deepgram", err.Provider)
	assert.Equal(t, "deepgram: [UPSTREAM_ERROR] upstream failed: root", err.Error())
}

func TestError_IsMatchesCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("reply: %w", WrapError(ErrReplyInProgress, "busy", context.Canceled))
	assert.ErrorIs(t, err, NewError(ErrReplyInProgress, ""))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, NewError(ErrSessionClosed, ""))
	assert.NotErrorIs(t, err, &Error{})
	assert.Equal(t, "[REPLY_IN_PROGRESS] busy: context canceled", errors.Unwrap(err).Error())
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrSessionClosed, "session closed")
	wrapped := fmt.Errorf("say: %w", inner)

	assert.True(t, IsErrorCode(wrapped, ErrSessionClosed))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestRole_Valid(t *testing.T) {
	tt := []struct {
		role Role
		want bool
	}{
		{RoleSystem, true},
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleTool, true},
		{Role("narrator"), false},
	}
	for _, tc := range tt {
		t.Run(string(tc.role), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.role.Valid())
		})
	}
}

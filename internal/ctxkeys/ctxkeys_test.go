package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestContextKeys(t *testing.T) {
	tt := []struct {
		name string
		set  func(context.Context, string) context.Context
		get  func(context.Context) (string, bool)
	}{
		{"session", WithSessionID, SessionID},
		{"room", WithRoomID, RoomID},
		{"agent", WithAgentID, AgentID},
		{"request", WithRequestID, RequestID},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := tc.get(context.Background())
			assert.False(t, ok)

			ctx := tc.set(context.Background(), "abc")
			v, ok := tc.get(ctx)
			assert.True(t, ok)
			assert.Equal(t, "abc", v)

			_, ok = tc.get(tc.set(context.Background(), ""))
			assert.False(t, ok)
		})
	}
}

func TestFields(t *testing.T) {
	assert.Empty(t, Fields(context.Background()))

	ctx := WithRoomID(WithSessionID(context.Background(), "s1"), "r1")
	ctx = WithAgentID(ctx, "")
	assert.Equal(t, []zap.Field{
		zap.String("session_id", "s1"),
		zap.String("room_id", "r1"),
	}, Fields(ctx))
}

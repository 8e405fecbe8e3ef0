// Package ctxkeys 在 context 中携带会话、房间、代理与请求 ID，供日志关联使用
package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	roomIDKey    contextKey = "room_id"
	agentIDKey   contextKey = "agent_id"
	requestIDKey contextKey = "request_id"
)

// WithSessionID 设置 SessionID
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID 获取 SessionID
func SessionID(ctx context.Context) (string, bool) {
	return stringValue(ctx, sessionIDKey)
}

// WithRoomID 设置 RoomID
func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

// RoomID 获取 RoomID
func RoomID(ctx context.Context) (string, bool) {
	return stringValue(ctx, roomIDKey)
}

// WithAgentID 设置 AgentID
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentID 获取 AgentID
func AgentID(ctx context.Context) (string, bool) {
	return stringValue(ctx, agentIDKey)
}

// WithRequestID 设置 HTTP 请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取 HTTP 请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// Fields 把已设置的 ID 转为日志字段
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	for _, key := range []contextKey{sessionIDKey, roomIDKey, agentIDKey, requestIDKey} {
		if v, ok := stringValue(ctx, key); ok {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

package a2a

import "errors"

// AgentCard 校验错误
var (
	ErrMissingName   = errors.New("a2a: agent card missing name")
	ErrMissingDomain = errors.New("a2a: agent card missing domain")
)

// 协议错误
var (
	// ErrAgentNotFound 目标代理未注册或不在本进程
	ErrAgentNotFound = errors.New("a2a: agent not found")
	// ErrNoSession 目标代理尚未绑定会话
	ErrNoSession = errors.New("a2a: agent has no session")
	// ErrInvalidMessage 消息缺少必要字段
	ErrInvalidMessage = errors.New("a2a: invalid message")
)

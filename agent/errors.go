package agent

import "errors"

var (
	// ErrToolNotFound 工具未注册
	ErrToolNotFound = errors.New("agent: tool not found")

	// ErrInvalidTool 工具定义无效（名称为空、缺少 handler、参数不是 object schema）
	ErrInvalidTool = errors.New("agent: invalid tool")

	// ErrNoSession Agent 尚未绑定会话
	ErrNoSession = errors.New("agent: no session attached")
)

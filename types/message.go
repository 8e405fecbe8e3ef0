package types

import (
	"encoding/json"
	"time"
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant || r == RoleTool
}

// ToolCall 模型发起的一次函数调用，Arguments 保持原始 JSON
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema 暴露给模型的函数声明，Parameters 为 JSON Schema
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Message 发送给 LLM 的一条消息。tool 角色必须带 ToolCallID
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

func NewSystemMessage(content string) Message    { return NewMessage(RoleSystem, content) }
func NewUserMessage(content string) Message      { return NewMessage(RoleUser, content) }
func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// NewToolMessage 工具执行结果，回填到对应的 tool_call_id
func NewToolMessage(toolCallID, name, content string) Message {
	m := NewMessage(RoleTool, content)
	m.Name = name
	m.ToolCallID = toolCallID
	return m
}

// WithToolCalls 值接收者，返回修改后的副本
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

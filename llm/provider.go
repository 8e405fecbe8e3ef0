package llm

import (
	"context"
	"time"

	"github.com/BaSui01/voiceflow/types"
)

// 消息与工具类型与 types 包共享
type (
	Role       = types.Role
	Message    = types.Message
	ToolCall   = types.ToolCall
	ToolSchema = types.ToolSchema
)

const (
	RoleSystem    = types.RoleSystem
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleTool      = types.RoleTool
)

// ChatRequest 一次对话补全请求
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	TopP        float32      `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"` // auto/none/<tool name>
}

// ChatUsage token 用量
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice 单个候选
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResponse 非流式补全结果
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// FirstMessage 返回第一个候选的消息，无候选时返回空 assistant 消息
func (r *ChatResponse) FirstMessage() Message {
	if r == nil || len(r.Choices) == 0 {
		return Message{Role: RoleAssistant}
	}
	return r.Choices[0].Message
}

// ToolCallDelta 流式工具调用片段，按 Index 聚合
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChunk 流式补全的一个增量
type StreamChunk struct {
	ID           string          `json:"id,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *ChatUsage      `json:"usage,omitempty"`
	Err          *Error          `json:"error,omitempty"`
}

// Provider LLM 提供方。流绑定在 ctx 上，取消 ctx 即关闭底层连接。
type Provider interface {
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Name() string
}

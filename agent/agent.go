package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/internal/eventbus"
)

// DefaultID 未指定 ID 且未要求随机 ID 时使用
const DefaultID = "VideoSDKAgent"

// Session 会话的回引用。由 voice.AgentSession 实现。
type Session interface {
	ID() string
	Events() *eventbus.Bus
	// SendTextMessage 文本输入路径（A2A），响应通过 text_response 事件返回
	SendTextMessage(ctx context.Context, text string) error
	Close(ctx context.Context) error
	Leave(ctx context.Context) error
}

// A2AHandle 由 a2a.Protocol 设置，Agent 清理时注销
type A2AHandle interface {
	Unregister(ctx context.Context) error
}

// ToolSource 外部工具来源（MCP Manager）
type ToolSource interface {
	Connect(ctx context.Context) ([]*FunctionTool, error)
	Close() error
}

// Agent 语音代理：指令、工具、对话上下文与生命周期回调
type Agent struct {
	id     string
	logger *zap.Logger

	mu           sync.RWMutex
	instructions string
	tools        *ToolRegistry
	chatCtx      *conversation.ChatContext
	lifecycle    Lifecycle
	speechIn     SpeechHandler
	speechOut    SpeechHandler
	mcp          ToolSource
	mcpReady     bool
	session      Session
	a2a          A2AHandle
	lastSender   string
}

// Option 配置 Agent
type Option func(*Agent)

// WithID 指定 ID
func WithID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// WithRandomID 使用 uuid 作为 ID
func WithRandomID() Option {
	return func(a *Agent) { a.id = uuid.NewString() }
}

// WithTools 初始工具
func WithTools(tools ...*FunctionTool) Option {
	return func(a *Agent) {
		if err := a.tools.Register(tools...); err != nil {
			a.logger.Error("skip invalid tools", zap.Error(err))
		}
	}
}

// WithLifecycle 生命周期回调
func WithLifecycle(l Lifecycle) Option {
	return func(a *Agent) { a.lifecycle = l }
}

// WithSpeechIn 用户语音回调
func WithSpeechIn(h SpeechHandler) Option {
	return func(a *Agent) { a.speechIn = h }
}

// WithSpeechOut 代理语音回调
func WithSpeechOut(h SpeechHandler) Option {
	return func(a *Agent) { a.speechOut = h }
}

// WithMCP MCP 工具来源，Start 前通过 ConnectMCP 导入
func WithMCP(src ToolSource) Option {
	return func(a *Agent) { a.mcp = src }
}

// WithLogger 日志
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New 创建 Agent，instructions 作为首条 system 消息写入对话上下文
func New(instructions string, opts ...Option) *Agent {
	a := &Agent{
		id:        DefaultID,
		logger:    zap.NewNop(),
		tools:     NewToolRegistry(),
		chatCtx:   conversation.Empty(),
		lifecycle: BaseLifecycle{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		a.id = uuid.NewString()
	}
	a.logger = a.logger.With(zap.String("component", "agent"), zap.String("agent_id", a.id))
	a.SetInstructions(instructions)
	return a
}

// ID 代理 ID
func (a *Agent) ID() string { return a.id }

// Logger 带 agent_id 的日志
func (a *Agent) Logger() *zap.Logger { return a.logger }

// Instructions 当前指令
func (a *Agent) Instructions() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instructions
}

// SetInstructions 替换 system 消息
func (a *Agent) SetInstructions(instructions string) {
	a.mu.Lock()
	a.instructions = instructions
	chatCtx := a.chatCtx
	a.mu.Unlock()
	if instructions != "" && chatCtx != nil {
		chatCtx.SetSystemMessage(instructions)
	}
}

// Tools 工具注册表
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// RegisterTools 追加工具
func (a *Agent) RegisterTools(tools ...*FunctionTool) error {
	return a.tools.Register(tools...)
}

// ChatContext 对话上下文。Cleanup 后返回一个新的空上下文。
func (a *Agent) ChatContext() *conversation.ChatContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chatCtx == nil {
		a.chatCtx = conversation.Empty()
	}
	return a.chatCtx
}

// OnEnter 调用生命周期回调
func (a *Agent) OnEnter(ctx context.Context) error {
	return a.lifecycleHook().OnEnter(ctx)
}

// OnExit 调用生命周期回调
func (a *Agent) OnExit(ctx context.Context) error {
	return a.lifecycleHook().OnExit(ctx)
}

func (a *Agent) lifecycleHook() Lifecycle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lifecycle == nil {
		return BaseLifecycle{}
	}
	return a.lifecycle
}

// HandleSpeechIn 用户语音事件
func (a *Agent) HandleSpeechIn(ev SpeechEvent) {
	a.mu.RLock()
	h := a.speechIn
	a.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// HandleSpeechOut 代理语音事件
func (a *Agent) HandleSpeechOut(ev SpeechEvent) {
	a.mu.RLock()
	h := a.speechOut
	a.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// SetSession 绑定会话
func (a *Agent) SetSession(s Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
}

// Session 当前会话，未绑定时为 nil
func (a *Agent) Session() Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// SetA2A 由 a2a.Protocol 调用
func (a *Agent) SetA2A(h A2AHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.a2a = h
}

// A2A 当前 A2A 句柄
func (a *Agent) A2A() A2AHandle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.a2a
}

// SetLastSender 记录最近一条 A2A 消息的发送方
func (a *Agent) SetLastSender(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSender = id
}

// LastSender 最近一条 A2A 消息的发送方
func (a *Agent) LastSender() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSender
}

// ConnectMCP 连接 MCP 服务器并导入工具，只执行一次
func (a *Agent) ConnectMCP(ctx context.Context) error {
	a.mu.Lock()
	src, ready := a.mcp, a.mcpReady
	a.mu.Unlock()
	if src == nil || ready {
		return nil
	}

	tools, err := src.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect mcp: %w", err)
	}
	if err := a.tools.Register(tools...); err != nil {
		return fmt.Errorf("register mcp tools: %w", err)
	}

	a.mu.Lock()
	a.mcpReady = true
	a.mu.Unlock()
	a.logger.Info("mcp tools imported", zap.Int("count", len(tools)))
	return nil
}

// Hangup 结束会话
func (a *Agent) Hangup(ctx context.Context) error {
	s := a.Session()
	if s == nil {
		return ErrNoSession
	}
	return s.Close(ctx)
}

// Cleanup 释放工具、对话上下文与 MCP 连接，并注销 A2A
func (a *Agent) Cleanup(ctx context.Context) {
	a.mu.Lock()
	src := a.mcp
	handle := a.a2a
	a.mcp = nil
	a.mcpReady = false
	a.a2a = nil
	a.session = nil
	chatCtx := a.chatCtx
	a.chatCtx = nil
	a.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			a.logger.Error("close mcp", zap.Error(err))
		}
	}
	if handle != nil {
		if err := handle.Unregister(ctx); err != nil {
			a.logger.Error("unregister a2a", zap.Error(err))
		}
	}
	if chatCtx != nil {
		chatCtx.Cleanup()
	}
	a.tools.Clear()
	a.logger.Info("agent cleanup completed")
}

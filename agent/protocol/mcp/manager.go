package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
)

// DefaultConnectTimeout 单个服务器建立连接的超时
const DefaultConnectTimeout = 10 * time.Second

// ErrToolFailed 服务器返回 isError 的工具结果
var ErrToolFailed = errors.New("mcp: tool reported error")

// Manager 管理多个 MCP 服务器，实现 agent.ToolSource
type Manager struct {
	connectTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	servers []Server
	clients []*Client
	tools   []*agent.FunctionTool
}

// NewManager 创建 Manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		connectTimeout: DefaultConnectTimeout,
		logger:         logger.With(zap.String("component", "mcp_manager")),
	}
}

// WithConnectTimeout 设置连接超时
func (m *Manager) WithConnectTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.connectTimeout = d
	}
	return m
}

// AddServer 添加服务器，在 Connect 时连接
func (m *Manager) AddServer(servers ...Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, servers...)
}

// Connect 连接尚未连接的服务器并返回全部已导入的工具
func (m *Manager) Connect(ctx context.Context) ([]*agent.FunctionTool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.servers[len(m.clients):]
	for _, server := range pending {
		client, tools, err := m.connectOne(ctx, server)
		if err != nil {
			return nil, err
		}
		m.clients = append(m.clients, client)
		m.tools = append(m.tools, tools...)
	}
	return append([]*agent.FunctionTool(nil), m.tools...), nil
}

func (m *Manager) connectOne(ctx context.Context, server Server) (*Client, []*agent.FunctionTool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	client, err := Dial(dialCtx, server, m.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: connect %s: %w", server.ServerName(), err)
	}
	defs, err := client.ListTools(dialCtx)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	tools := make([]*agent.FunctionTool, 0, len(defs))
	for _, def := range defs {
		tool, err := adaptTool(client, def)
		if err != nil {
			m.logger.Warn("skip mcp tool", zap.String("tool", def.Name), zap.Error(err))
			continue
		}
		tools = append(tools, tool)
	}
	m.logger.Info("mcp server connected",
		zap.String("server", server.ServerName()),
		zap.Int("tools", len(tools)))
	return client, tools, nil
}

// Tools 已导入的工具
func (m *Manager) Tools() []*agent.FunctionTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*agent.FunctionTool(nil), m.tools...)
}

// Close 关闭全部服务器连接
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = nil
	m.tools = nil
	m.servers = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func adaptTool(client *Client, def ToolDefinition) (*agent.FunctionTool, error) {
	name := def.Name
	handler := func(ctx context.Context, args json.RawMessage) (any, error) {
		result, err := client.CallTool(ctx, name, args)
		if err != nil {
			return nil, err
		}
		return formatResult(name, result)
	}
	return agent.NewFunctionTool(name, def.Description, def.InputSchema, handler)
}

// formatResult 单段文本返回 {"output": text, "type": "text"}，多段返回 multi_content
func formatResult(tool string, result *CallToolResult) (any, error) {
	if result.IsError {
		parts := make([]string, 0, len(result.Content))
		for _, c := range result.Content {
			parts = append(parts, contentString(c))
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, tool, strings.Join(parts, " | "))
	}

	switch len(result.Content) {
	case 0:
		return map[string]any{"output": nil, "tool": tool}, nil
	case 1:
		c := result.Content[0]
		if c.Type == "text" {
			return map[string]any{"output": c.Text, "type": "text"}, nil
		}
		return c, nil
	}

	items := make([]any, 0, len(result.Content))
	for _, c := range result.Content {
		if c.Type == "text" {
			items = append(items, map[string]any{"content": c.Text, "type": "text"})
			continue
		}
		items = append(items, c)
	}
	return map[string]any{"output": items, "type": "multi_content"}, nil
}

func contentString(c Content) string {
	if c.Text != "" {
		return c.Text
	}
	return c.Type
}

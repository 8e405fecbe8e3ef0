package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ClientInfo 上报给服务器的客户端标识
var ClientInfo = Implementation{Name: "voiceflow", Version: "1.0.0"}

// Client 单个 MCP 服务器的连接
type Client struct {
	name   string
	t      transport
	nextID atomic.Int64
	info   InitializeResult
	logger *zap.Logger
}

// Dial 建立传输并完成 initialize 握手
func Dial(ctx context.Context, server Server, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mcp"), zap.String("server", server.ServerName()))

	t, err := server.dial(ctx, logger)
	if err != nil {
		return nil, err
	}
	c := newClient(server.ServerName(), t, logger)
	if err := c.initialize(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

func newClient(name string, t transport, logger *zap.Logger) *Client {
	return &Client{name: name, t: t, logger: logger}
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo,
	}
	if err := c.request(ctx, MethodInitialize, params, &c.info); err != nil {
		return fmt.Errorf("mcp: initialize %s: %w", c.name, err)
	}
	if err := c.t.notify(ctx, NewNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("mcp: initialized notification: %w", err)
	}
	c.logger.Info("connected to mcp server",
		zap.String("server_name", c.info.ServerInfo.Name),
		zap.String("server_version", c.info.ServerInfo.Version),
		zap.String("protocol_version", c.info.ProtocolVersion))
	return nil
}

// Name 服务器名称
func (c *Client) Name() string { return c.name }

// ServerInfo initialize 返回的服务器信息
func (c *Client) ServerInfo() InitializeResult { return c.info }

func (c *Client) request(ctx context.Context, method string, params, out any) error {
	resp, err := c.t.call(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("mcp: decode %s result: %w", method, err)
	}
	return nil
}

// ListTools 列出全部工具（自动翻页）
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		tools  []ToolDefinition
		cursor string
	)
	for {
		var page listToolsResult
		if err := c.request(ctx, MethodToolsList, listToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, fmt.Errorf("mcp: list tools: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool 调用工具
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	var result CallToolResult
	if err := c.request(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("mcp: call tool %s: %w", name, err)
	}
	return &result, nil
}

// Close 关闭传输
func (c *Client) Close() error {
	return c.t.Close()
}

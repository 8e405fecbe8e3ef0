package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeHandler 模拟一个提供 echo / fail 两个工具的 MCP 服务器
func fakeHandler(req *Message) *Message {
	if !req.IsRequest() {
		return nil
	}
	reply := func(result any) *Message {
		b, _ := json.Marshal(result)
		return &Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: b}
	}
	params, _ := req.Params.(map[string]any)

	switch req.Method {
	case MethodInitialize:
		return reply(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      Implementation{Name: "fake", Version: "0.1.0"},
		})
	case MethodToolsList:
		if params["cursor"] == "page2" {
			return reply(listToolsResult{Tools: []ToolDefinition{{Name: "fail", Description: "always fails"}}})
		}
		return reply(listToolsResult{
			Tools: []ToolDefinition{{
				Name:        "echo",
				Description: "echo text",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			}},
			NextCursor: "page2",
		})
	case MethodToolsCall:
		args, _ := params["arguments"].(map[string]any)
		switch params["name"] {
		case "echo":
			return reply(CallToolResult{Content: []Content{{Type: "text", Text: fmt.Sprint(args["text"])}}})
		case "fail":
			return reply(CallToolResult{IsError: true, Content: []Content{{Type: "text", Text: "quota exceeded"}}})
		}
		return &Message{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: ErrorCodeInvalidParams, Message: "unknown tool"}}
	}
	return &Message{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: ErrorCodeMethodNotFound, Message: "method not found"}}
}

// serveLines 按行读取请求并写回响应
func serveLines(r io.Reader, w io.Writer, onMessage func(*Message)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if onMessage != nil {
			onMessage(&msg)
		}
		if resp := fakeHandler(&msg); resp != nil {
			b, _ := json.Marshal(resp)
			if _, err := w.Write(append(b, '\n')); err != nil {
				return
			}
		}
	}
}

func newPipeTransport(t *testing.T, onMessage func(*Message), preamble ...string) *streamTransport {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	go func() {
		for _, line := range preamble {
			if _, err := serverW.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}()
	go serveLines(serverR, serverW, onMessage)

	tr := newStreamTransport(clientR, clientW, func() error {
		_ = clientW.Close()
		return serverW.Close()
	}, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestClient_InitializeListAndCall(t *testing.T) {
	methods := make(chan string, 16)
	tr := newPipeTransport(t, func(m *Message) { methods <- m.Method })
	c := newClient("fake", tr, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.initialize(ctx))
	assert.Equal(t, "fake", c.ServerInfo().ServerInfo.Name)
	assert.Equal(t, MethodInitialize, <-methods)
	assert.Equal(t, MethodInitialized, <-methods)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "fail", tools[1].Name)

	res, err := c.CallTool(ctx, "echo", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello", res.Content[0].Text)

	_, err = c.CallTool(ctx, "missing", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrorCodeInvalidParams, rpcErr.Code)
}

func TestStreamTransport_AnswersServerRequests(t *testing.T) {
	replies := make(chan *Message, 4)
	tr := newPipeTransport(t, func(m *Message) {
		if m.Error != nil {
			replies <- m
		}
	}, `{"jsonrpc":"2.0","id":"srv-1","method":"roots/list"}`, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	c := newClient("fake", tr, zap.NewNop())

	require.NoError(t, c.initialize(context.Background()))

	select {
	case reply := <-replies:
		assert.JSONEq(t, `"srv-1"`, string(reply.ID))
		assert.Equal(t, ErrorCodeMethodNotFound, reply.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("server request was not answered")
	}
}

func TestStreamTransport_ClosedConnection(t *testing.T) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverR) }()
	tr := newStreamTransport(clientR, clientW, nil, zap.NewNop())

	require.NoError(t, serverW.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.call(ctx, NewRequest(1, MethodToolsList, nil))
	assert.Error(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.call(ctx, NewRequest(2, MethodToolsList, nil))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestStreamTransport_ContextCancelled(t *testing.T) {
	clientR, _ := io.Pipe()
	serverR, clientW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, serverR) }()
	tr := newStreamTransport(clientR, clientW, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.call(ctx, NewRequest(1, MethodToolsList, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestHelperStdioServer 作为子进程运行的 MCP 服务器
func TestHelperStdioServer(t *testing.T) {
	if os.Getenv("VOICEFLOW_MCP_HELPER") != "1" {
		return
	}
	serveLines(os.Stdin, os.Stdout, nil)
	os.Exit(0)
}

func TestStdioServer_Dial(t *testing.T) {
	server := StdioServer{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperStdioServer"},
		Env:     map[string]string{"VOICEFLOW_MCP_HELPER": "1"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Dial(ctx, server, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "helper", c.Name())
	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestStdioServer_Validation(t *testing.T) {
	_, err := Dial(context.Background(), StdioServer{}, nil)
	assert.Error(t, err)
	_, err = Dial(context.Background(), HTTPServer{}, nil)
	assert.Error(t, err)

	assert.Equal(t, "npx", StdioServer{Command: "npx"}.ServerName())
	assert.Equal(t, "weather", HTTPServer{Name: "weather", URL: "http://x"}.ServerName())
}

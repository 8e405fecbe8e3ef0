package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
)

// ErrTransportClosed 传输已关闭
var ErrTransportClosed = errors.New("mcp: transport closed")

// transport 请求/响应式传输
type transport interface {
	// call 发送请求并等待同 ID 的响应
	call(ctx context.Context, req *Message) (*Message, error)
	// notify 发送通知，不等待响应
	notify(ctx context.Context, msg *Message) error
	Close() error
}

// Server MCP 服务器配置
type Server interface {
	ServerName() string
	dial(ctx context.Context, logger *zap.Logger) (transport, error)
}

// ---------------------------------------------------------------------------
// stdio：子进程 + 按行分隔的 JSON
// ---------------------------------------------------------------------------

// StdioServer 以子进程方式启动的 MCP 服务器
type StdioServer struct {
	Name    string
	Command string
	Args    []string
	// 追加到当前进程环境变量之后
	Env map[string]string
}

func (s StdioServer) ServerName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command
}

func (s StdioServer) dial(_ context.Context, logger *zap.Logger) (transport, error) {
	if s.Command == "" {
		return nil, errors.New("mcp: stdio server command is required")
	}
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &logWriter{logger: logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", s.Command, err)
	}

	closer := func() error {
		_ = stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-done
			return nil
		}
	}
	return newStreamTransport(stdout, stdin, closer, logger), nil
}

// logWriter 把子进程 stderr 写入日志
type logWriter struct {
	logger *zap.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Debug("mcp server stderr", zap.String("line", msg))
	}
	return len(p), nil
}

type streamTransport struct {
	w       io.Writer
	writeMu sync.Mutex
	closer  func() error

	mu      sync.Mutex
	pending map[int64]chan *Message
	done    chan struct{}
	readErr error
	closed  bool

	logger *zap.Logger
}

func newStreamTransport(r io.Reader, w io.Writer, closer func() error, logger *zap.Logger) *streamTransport {
	t := &streamTransport{
		w:       w,
		closer:  closer,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go t.readLoop(r)
	return t
}

func (t *streamTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("invalid mcp message", zap.Error(err))
			continue
		}
		t.dispatch(&msg)
	}

	t.mu.Lock()
	t.readErr = scanner.Err()
	if t.readErr == nil {
		t.readErr = io.EOF
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *streamTransport) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		id, ok := msg.NumericID()
		if !ok {
			return
		}
		t.mu.Lock()
		ch, exists := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if exists {
			ch <- msg
		}
	case msg.IsRequest():
		// 不支持 sampling / roots 等服务端请求
		reply := &Message{
			JSONRPC: jsonRPCVersion,
			ID:      msg.ID,
			Error:   &RPCError{Code: ErrorCodeMethodNotFound, Message: "method not supported: " + msg.Method},
		}
		// 异步写回，避免阻塞读循环
		go func() {
			if err := t.write(reply); err != nil {
				t.logger.Warn("reply to server request", zap.Error(err))
			}
		}()
	default:
		t.logger.Debug("mcp notification", zap.String("method", msg.Method))
	}
}

func (t *streamTransport) write(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("mcp: write message: %w", err)
	}
	return nil
}

func (t *streamTransport) call(ctx context.Context, req *Message) (*Message, error) {
	id, ok := req.NumericID()
	if !ok {
		return nil, errors.New("mcp: request id must be an integer")
	}
	ch := make(chan *Message, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		t.mu.Lock()
		err := t.readErr
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *streamTransport) notify(_ context.Context, msg *Message) error {
	return t.write(msg)
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

// ---------------------------------------------------------------------------
// streamable HTTP：POST，响应为 JSON 或 SSE
// ---------------------------------------------------------------------------

const sessionHeader = "Mcp-Session-Id"

// HTTPServer streamable HTTP MCP 服务器
type HTTPServer struct {
	Name    string
	URL     string
	Headers map[string]string
	// 单次请求超时，默认 30s
	Timeout time.Duration
}

func (s HTTPServer) ServerName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

func (s HTTPServer) dial(_ context.Context, logger *zap.Logger) (transport, error) {
	if s.URL == "" {
		return nil, errors.New("mcp: http server url is required")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		url:     s.URL,
		headers: s.Headers,
		client:  tlsutil.SecureHTTPClient(timeout),
		logger:  logger,
	}, nil
}

type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger

	mu        sync.RWMutex
	sessionID string
}

func (t *httpTransport) post(ctx context.Context, msg *Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: post %s: %w", msg.Method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("mcp: %s returned http %d: %s", msg.Method, resp.StatusCode, llm.ReadErrorMessage(resp.Body))
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

func (t *httpTransport) call(ctx context.Context, req *Message) (*Message, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readSSEResponse(resp.Body, req.ID)
	}

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("mcp: decode %s response: %w", req.Method, err)
	}
	return &msg, nil
}

// readSSEResponse 读取 SSE 流，返回第一条与请求 ID 匹配的响应
func readSSEResponse(body io.Reader, id json.RawMessage) (*Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data strings.Builder
	flush := func() (*Message, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg Message
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if msg.IsResponse() && bytes.Equal(msg.ID, id) {
			return &msg, true
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if msg, ok := flush(); ok {
				return msg, nil
			}
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(payload, " "))
		}
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: read event stream: %w", err)
	}
	return nil, errors.New("mcp: event stream ended without a response")
}

func (t *httpTransport) notify(ctx context.Context, msg *Message) error {
	resp, err := t.post(ctx, msg)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close 结束服务器会话（如有）
func (t *httpTransport) Close() error {
	t.mu.RLock()
	sid := t.sessionID
	t.mu.RUnlock()
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("end mcp session", zap.Error(err))
		return nil
	}
	return resp.Body.Close()
}

package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/types"
)

const (
	OpenAIRealtimeURL          = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel       = "gpt-4o-realtime-preview"
	DefaultRealtimeVoice       = "alloy"
	DefaultTranscriptionModel  = "gpt-4o-mini-transcribe"
	DefaultRealtimeTemperature = 0.8
	// OpenAIRealtimeSampleRate pcm16 输入输出均为 24kHz 单声道
	OpenAIRealtimeSampleRate = 24000

	defaultRealtimeInstructions = "You are a helpful assistant that can answer questions and help with tasks."
)

// OpenAIRealtimeConfig OpenAI Realtime 参数
type OpenAIRealtimeConfig struct {
	APIKey string
	// URL 可为 http(s)/ws(s) 基址，缺省路径补 /realtime，缺省 model 参数补 Model
	URL                string
	Model              string
	Voice              string
	TranscriptionModel string
	Temperature        float64
	// Modalities 默认 text + audio
	Modalities []string
}

// OpenAIRealtime 通过 WebSocket 连接 OpenAI Realtime API
type OpenAIRealtime struct {
	cfg    OpenAIRealtimeConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan RealtimeEvent

	mu           sync.Mutex
	conn         *websocket.Conn
	instructions string
	tools        *agent.ToolRegistry

	speaking   atomic.Bool
	transcript strings.Builder
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewOpenAIRealtime 创建实时模型，Connect 后才可收发
func NewOpenAIRealtime(cfg OpenAIRealtimeConfig, logger *zap.Logger) *OpenAIRealtime {
	if cfg.Model == "" {
		cfg.Model = DefaultRealtimeModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultRealtimeVoice
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultRealtimeTemperature
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text", "audio"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OpenAIRealtime{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "realtime"), zap.String("provider", "openai")),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan RealtimeEvent, 128),
	}
}

func (m *OpenAIRealtime) Name() string { return "openai-realtime" }

func (m *OpenAIRealtime) Events() <-chan RealtimeEvent { return m.events }

func (m *OpenAIRealtime) hasAudio() bool {
	for _, mod := range m.cfg.Modalities {
		if mod == "audio" {
			return true
		}
	}
	return false
}

// RealtimeURL 规范化连接地址
func RealtimeURL(base, model string) (string, error) {
	if base == "" {
		base = OpenAIRealtimeURL
	}
	if strings.HasPrefix(base, "http") {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch strings.TrimRight(u.Path, "/") {
	case "", "/v1", "/openai":
		u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *OpenAIRealtime) SetInstructions(instructions string) {
	m.mu.Lock()
	m.instructions = instructions
	connected := m.conn != nil
	m.mu.Unlock()
	if connected {
		if err := m.sendSessionUpdate(m.ctx); err != nil {
			m.logger.Warn("update session instructions", zap.Error(err))
		}
	}
}

func (m *OpenAIRealtime) SetTools(tools *agent.ToolRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = tools
}

// Connect 建立连接、发送首个 session.update 并启动读循环
func (m *OpenAIRealtime) Connect(ctx context.Context) error {
	endpoint, err := RealtimeURL(m.cfg.URL, m.cfg.Model)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.Dial(ctx, endpoint, tlsutil.WebSocketDialOptions(header))
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return llm.MapHTTPError(resp.StatusCode, err.Error(), m.Name())
		}
		return llm.TransportError(err, m.Name())
	}
	conn.SetReadLimit(16 << 20)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	context.AfterFunc(ctx, m.cancel)

	if err := m.sendSessionUpdate(ctx); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session update failed")
		return err
	}
	m.wg.Add(1)
	go m.readLoop(conn)
	m.logger.Info("realtime session connected", zap.String("model", m.cfg.Model))
	return nil
}

type realtimeTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

func (m *OpenAIRealtime) sessionPayload() map[string]any {
	m.mu.Lock()
	instructions, registry := m.instructions, m.tools
	m.mu.Unlock()
	if instructions == "" {
		instructions = defaultRealtimeInstructions
	}
	tools := []realtimeTool{}
	if registry != nil {
		for _, s := range registry.Schemas() {
			tools = append(tools, realtimeTool{Type: "function", Name: s.Name, Description: s.Description, Parameters: s.Parameters})
		}
	}
	session := map[string]any{
		"model":                      m.cfg.Model,
		"instructions":               instructions,
		"temperature":                m.cfg.Temperature,
		"tool_choice":                "auto",
		"tools":                      tools,
		"modalities":                 m.cfg.Modalities,
		"max_response_output_tokens": "inf",
	}
	if m.hasAudio() {
		session["voice"] = m.cfg.Voice
		session["input_audio_format"] = "pcm16"
		session["output_audio_format"] = "pcm16"
		session["turn_detection"] = map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 200,
			"create_response":     true,
			"interrupt_response":  true,
		}
		session["input_audio_transcription"] = map[string]any{"model": m.cfg.TranscriptionModel}
	}
	return session
}

func (m *OpenAIRealtime) sendSessionUpdate(ctx context.Context) error {
	return m.send(ctx, map[string]any{"type": "session.update", "session": m.sessionPayload()})
}

func (m *OpenAIRealtime) send(ctx context.Context, event map[string]any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if m.ctx.Err() != nil {
		return types.NewError(types.ErrSessionClosed, "realtime session closed")
	}
	if _, ok := event["event_id"]; !ok {
		event["event_id"] = uuid.NewString()
	}
	return wsjson.Write(ctx, conn, event)
}

func (m *OpenAIRealtime) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return m.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (m *OpenAIRealtime) createResponse(ctx context.Context, response map[string]any) error {
	if response == nil {
		response = map[string]any{}
	}
	if _, ok := response["instructions"]; !ok {
		m.mu.Lock()
		if m.instructions != "" {
			response["instructions"] = m.instructions
		}
		m.mu.Unlock()
	}
	response["metadata"] = map[string]any{"client_event_id": uuid.NewString()}
	return m.send(ctx, map[string]any{"type": "response.create", "response": response})
}

func (m *OpenAIRealtime) createItem(ctx context.Context, role, contentType, text string) error {
	return m.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    role,
			"content": []map[string]any{{"type": contentType, "text": text}},
		},
	})
}

// SendText 文本输入，只要求文本回复
func (m *OpenAIRealtime) SendText(ctx context.Context, text string) error {
	if err := m.createItem(ctx, "user", "input_text", text); err != nil {
		return err
	}
	return m.createResponse(ctx, map[string]any{"modalities": []string{"text"}})
}

// SendMessage 让模型原样朗读 text
func (m *OpenAIRealtime) SendMessage(ctx context.Context, text string) error {
	prompt := "Repeat the user's exact message back to them:" + text + "DO NOT ADD ANYTHING ELSE"
	if err := m.createItem(ctx, "assistant", "text", prompt); err != nil {
		return err
	}
	return m.createResponse(ctx, nil)
}

// CreateResponse instructions 为空时使用会话指令
func (m *OpenAIRealtime) CreateResponse(ctx context.Context, instructions string) error {
	resp := map[string]any{}
	if instructions != "" {
		resp["instructions"] = instructions
	}
	return m.createResponse(ctx, resp)
}

// Interrupt 取消当前回复
func (m *OpenAIRealtime) Interrupt(ctx context.Context) error {
	err := m.send(ctx, map[string]any{"type": "response.cancel"})
	if m.speaking.Swap(false) {
		m.emit(RealtimeEvent{Type: RealtimeAgentSpeechEnded})
	}
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (m *OpenAIRealtime) emit(ev RealtimeEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// serverEvent 服务端事件中用到的字段
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (m *OpenAIRealtime) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		var ev serverEvent
		if err := wsjson.Read(m.ctx, conn, &ev); err != nil {
			if m.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				m.logger.Error("realtime read failed", zap.Error(err))
				m.emit(RealtimeEvent{Type: RealtimeError, Err: llm.TransportError(err, m.Name())})
			}
			return
		}
		m.handleServerEvent(ev)
	}
}

func (m *OpenAIRealtime) handleServerEvent(ev serverEvent) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		if m.hasAudio() {
			m.emit(RealtimeEvent{Type: RealtimeUserSpeechStarted})
		}
	case "input_audio_buffer.speech_stopped":
		m.emit(RealtimeEvent{Type: RealtimeUserSpeechEnded})
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			m.logger.Warn("invalid audio delta", zap.Error(err))
			return
		}
		if !m.speaking.Swap(true) {
			m.emit(RealtimeEvent{Type: RealtimeAgentSpeechStarted})
		}
		m.emit(RealtimeEvent{Type: RealtimeAgentAudio, Audio: speech.AudioFrame{
			Data: pcm, SampleRate: OpenAIRealtimeSampleRate, Channels: 1,
		}})
	case "response.audio_transcript.delta":
		m.transcript.WriteString(ev.Delta)
	case "response.audio_transcript.done":
		text := ev.Transcript
		if text == "" {
			text = m.transcript.String()
		}
		m.transcript.Reset()
		m.emit(RealtimeEvent{Type: RealtimeAgentTranscript, Text: text})
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			m.emit(RealtimeEvent{Type: RealtimeUserTranscript, Text: strings.TrimSpace(ev.Transcript)})
		}
	case "response.text.done":
		m.emit(RealtimeEvent{Type: RealtimeAgentText, Text: ev.Text})
	case "response.function_call_arguments.done":
		call := types.ToolCall{ID: ev.CallID, Name: ev.Name, Arguments: json.RawMessage(ev.Arguments)}
		m.wg.Add(1)
		go m.runTool(call)
	case "response.done":
		if m.speaking.Swap(false) {
			m.emit(RealtimeEvent{Type: RealtimeAgentSpeechEnded})
		}
	case "error":
		msg := "unknown realtime error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		m.emit(RealtimeEvent{Type: RealtimeError, Err: types.NewError(types.ErrProviderError, msg).WithProvider(m.Name())})
	}
}

// runTool 执行工具，回写 function_call_output 并请求继续回复
func (m *OpenAIRealtime) runTool(call types.ToolCall) {
	defer m.wg.Done()
	m.mu.Lock()
	registry := m.tools
	m.mu.Unlock()
	if registry == nil {
		m.logger.Warn("tool call without registry", zap.String("tool", call.Name))
		return
	}

	output, err := registry.Execute(m.ctx, call)
	isError := err != nil
	if isError {
		m.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		output = err.Error()
	}
	m.emit(RealtimeEvent{Type: RealtimeToolCall, ToolCall: &call, ToolOutput: output, ToolIsError: isError})

	if err := m.send(m.ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": call.ID,
			"output":  output,
		},
	}); err != nil {
		m.emit(RealtimeEvent{Type: RealtimeError, Err: fmt.Errorf("send tool output: %w", err)})
		return
	}
	if err := m.createResponse(m.ctx, nil); err != nil {
		m.emit(RealtimeEvent{Type: RealtimeError, Err: fmt.Errorf("continue after tool: %w", err)})
	}
}

// Close 关闭连接，等待读循环与工具调用结束后关闭 Events
func (m *OpenAIRealtime) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
				m.logger.Debug("close realtime connection", zap.Error(err))
			}
		}
		m.cancel()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

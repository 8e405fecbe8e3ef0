package voice

import (
	"context"
	"encoding/binary"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/internal/eventbus"
	"github.com/BaSui01/voiceflow/internal/metrics"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/types"
)

// 会话事件名
const (
	EventUserStateChanged  = "user_state_changed"
	EventAgentStateChanged = "agent_state_changed"
	EventTranscript        = "transcript"
	EventTextResponse      = "text_response"
	EventError             = "error"
)

// UserState 用户状态
type UserState string

const (
	UserIdle      UserState = "idle"
	UserSpeaking  UserState = "speaking"
	UserListening UserState = "listening"
)

// AgentState 代理状态
type AgentState string

const (
	AgentStarting  AgentState = "starting"
	AgentIdle      AgentState = "idle"
	AgentSpeaking  AgentState = "speaking"
	AgentListening AgentState = "listening"
	AgentThinking  AgentState = "thinking"
	AgentClosing   AgentState = "closing"
)

// StateChange user_state_changed / agent_state_changed 的负载
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TranscriptEvent transcript 事件负载
type TranscriptEvent struct {
	Role  types.Role `json:"role"`
	Text  string     `json:"text"`
	Final bool       `json:"final"`
}

// TextResponse text_response 事件负载
type TextResponse struct {
	Text string `json:"text"`
}

// ErrorEvent error 事件负载
type ErrorEvent struct {
	Component string `json:"component"`
	Err       error  `json:"-"`
	Message   string `json:"message"`
}

// StateSink 管线回写会话状态。由 AgentSession 实现。
type StateSink interface {
	SetUserState(UserState)
	SetAgentState(AgentState)
	AgentState() AgentState
	ResetWakeUp()
	PauseWakeUp()
}

// Binding 管线运行所需的会话资源
type Binding struct {
	Agent   *agent.Agent
	Events  *eventbus.Bus
	States  StateSink
	Turns   *TurnCollector
	Metrics *metrics.Collector
}

// Pipeline 音频到代理回复的处理管线
type Pipeline interface {
	Name() string
	// Bind 在 Start 之前由会话调用
	Bind(b Binding)
	Start(ctx context.Context) error
	// OnAudio 输入一帧 PCM16 音频，不阻塞
	OnAudio(pcm []byte)
	// AudioOut 代理音频输出
	AudioOut() <-chan speech.AudioFrame
	// SendMessage 直接朗读文本
	SendMessage(ctx context.Context, text string) error
	// SendTextMessage 文本输入，回复以 text_response 事件发布
	SendTextMessage(ctx context.Context, text string) error
	ReplyWithContext(ctx context.Context, instructions string, waitForPlayback bool) error
	Interrupt()
	Cleanup(ctx context.Context) error
}

// emitter 为 Binding 提供空安全的状态与事件操作
type emitter struct {
	b Binding
}

func (e emitter) setUser(s UserState) {
	if e.b.States != nil {
		e.b.States.SetUserState(s)
	}
}

func (e emitter) setAgent(s AgentState) {
	if e.b.States != nil {
		e.b.States.SetAgentState(s)
	}
}

// setIdle 一轮播放结束，双方回到 idle
func (e emitter) setIdle() {
	e.setAgent(AgentIdle)
	e.setUser(UserIdle)
}

func (e emitter) agentState() AgentState {
	if e.b.States == nil {
		return AgentIdle
	}
	return e.b.States.AgentState()
}

func (e emitter) resetWakeUp() {
	if e.b.States != nil {
		e.b.States.ResetWakeUp()
	}
}

func (e emitter) pauseWakeUp() {
	if e.b.States != nil {
		e.b.States.PauseWakeUp()
	}
}

func (e emitter) emit(event string, data any) {
	if e.b.Events != nil {
		e.b.Events.Emit(event, data)
	}
}

func (e emitter) agentID() string {
	if e.b.Agent == nil {
		return ""
	}
	return e.b.Agent.ID()
}

// Resample 对 PCM16 单声道做线性插值重采样
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	out := int(int64(in) * int64(to) / int64(from))
	if out == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	buf := make([]byte, out*2)
	ratio := float64(from) / float64(to)
	for i := 0; i < out; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		v := sample(j)
		if j+1 < in {
			v += (sample(j+1) - v) * frac
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}
	return buf
}

func speechEvent(text string, confidence float64) agent.SpeechEvent {
	return agent.SpeechEvent{Text: text, Final: true, Confidence: confidence}
}

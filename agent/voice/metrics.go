package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/voiceflow/internal/metrics"
	"github.com/BaSui01/voiceflow/internal/telemetry"
)

// maxTurnHistory 每个会话保留的已完成轮次数
const maxTurnHistory = 100

// Stage 轮次中的时间点
type Stage string

const (
	StageUserSpeechStart Stage = "user_speech_start"
	StageUserSpeechEnd   Stage = "user_speech_end"
	StageSTTStart        Stage = "stt_start"
	StageSTTEnd          Stage = "stt_end"
	StageLLMStart        Stage = "llm_start"
	StageLLMFirstToken   Stage = "llm_first_token"
	StageLLMEnd          Stage = "llm_end"
	StageTTSStart        Stage = "tts_start"
	StageTTSFirstByte    Stage = "tts_first_byte"
	StageTTSEnd          Stage = "tts_end"
	StageInterrupted     Stage = "interrupted"
)

// TimelineEvent 轮次时间线上的一个点
type TimelineEvent struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// TurnMetrics 单轮的时间点与派生延迟
type TurnMetrics struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	UserSpeechStart time.Time `json:"user_speech_start,omitempty"`
	UserSpeechEnd   time.Time `json:"user_speech_end,omitempty"`
	STTStart        time.Time `json:"stt_start,omitempty"`
	STTEnd          time.Time `json:"stt_end,omitempty"`
	LLMStart        time.Time `json:"llm_start,omitempty"`
	LLMFirstToken   time.Time `json:"llm_first_token,omitempty"`
	LLMEnd          time.Time `json:"llm_end,omitempty"`
	TTSStart        time.Time `json:"tts_start,omitempty"`
	TTSFirstByte    time.Time `json:"tts_first_byte,omitempty"`
	TTSEnd          time.Time `json:"tts_end,omitempty"`

	UserText    string          `json:"user_text,omitempty"`
	AgentText   string          `json:"agent_text,omitempty"`
	Interrupted bool            `json:"interrupted"`
	A2AHandoff  bool            `json:"a2a_handoff"`
	Errors      []string        `json:"errors,omitempty"`
	Timeline    []TimelineEvent `json:"timeline"`

	EOULatency  time.Duration `json:"eou_latency"`
	STTLatency  time.Duration `json:"stt_latency"`
	LLMTTFT     time.Duration `json:"llm_ttft"`
	LLMDuration time.Duration `json:"llm_duration"`
	TTSTTFB     time.Duration `json:"tts_ttfb"`
	E2ELatency  time.Duration `json:"e2e_latency"`
}

func between(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func (m *TurnMetrics) compute() {
	m.STTLatency = between(m.STTStart, m.STTEnd)
	m.LLMTTFT = between(m.LLMStart, m.LLMFirstToken)
	m.LLMDuration = between(m.LLMStart, m.LLMEnd)
	m.TTSTTFB = between(m.TTSStart, m.TTSFirstByte)
	speechEnd := m.UserSpeechEnd
	if speechEnd.IsZero() {
		speechEnd = m.STTEnd
	}
	m.E2ELatency = between(speechEnd, m.TTSFirstByte)
}

func (m *TurnMetrics) field(s Stage) (*time.Time, bool) {
	// 第二个返回值表示重复标记时覆盖（结束点）还是保留首次（开始点）
	switch s {
	case StageUserSpeechStart:
		return &m.UserSpeechStart, false
	case StageUserSpeechEnd:
		return &m.UserSpeechEnd, true
	case StageSTTStart:
		return &m.STTStart, false
	case StageSTTEnd:
		return &m.STTEnd, true
	case StageLLMStart:
		return &m.LLMStart, false
	case StageLLMFirstToken:
		return &m.LLMFirstToken, false
	case StageLLMEnd:
		return &m.LLMEnd, true
	case StageTTSStart:
		return &m.TTSStart, false
	case StageTTSFirstByte:
		return &m.TTSFirstByte, false
	case StageTTSEnd:
		return &m.TTSEnd, true
	}
	return nil, false
}

// TurnCollector 逐轮采集延迟。nil 接收者上的方法都是空操作。
type TurnCollector struct {
	sessionID string
	agentID   string
	metrics   *metrics.Collector
	now       func() time.Time

	mu      sync.Mutex
	current *TurnMetrics
	span    trace.Span
	history []TurnMetrics
}

// NewTurnCollector 创建采集器，m 可为 nil
func NewTurnCollector(sessionID, agentID string, m *metrics.Collector) *TurnCollector {
	return &TurnCollector{
		sessionID: sessionID,
		agentID:   agentID,
		metrics:   m,
		now:       time.Now,
	}
}

// StartTurn 开启新一轮；已有进行中的轮次时直接返回其 ID
func (c *TurnCollector) StartTurn(ctx context.Context) string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx).ID
}

func (c *TurnCollector) ensureLocked(ctx context.Context) *TurnMetrics {
	if c.current != nil {
		return c.current
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.current = &TurnMetrics{
		ID:        uuid.NewString(),
		AgentID:   c.agentID,
		StartedAt: c.now(),
	}
	_, c.span = telemetry.StartTurnSpan(ctx, c.sessionID, c.current.ID)
	return c.current
}

// Mark 记录时间点，没有进行中的轮次时自动开启
func (c *TurnCollector) Mark(s Stage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.ensureLocked(nil)
	at := c.now()
	if s == StageInterrupted {
		t.Interrupted = true
	} else if f, overwrite := t.field(s); f != nil && (f.IsZero() || overwrite) {
		*f = at
	}
	t.Timeline = append(t.Timeline, TimelineEvent{Stage: s, At: at})
}

// SetEOULatency 轮次检测耗时
func (c *TurnCollector) SetEOULatency(d time.Duration) {
	c.update(func(t *TurnMetrics) { t.EOULatency = d })
}

// SetUserText 用户转写
func (c *TurnCollector) SetUserText(text string) {
	c.update(func(t *TurnMetrics) { t.UserText = text })
}

// SetAgentText 代理回复
func (c *TurnCollector) SetAgentText(text string) {
	c.update(func(t *TurnMetrics) { t.AgentText = text })
}

// SetA2AHandoff 本轮由 A2A 文本路径触发
func (c *TurnCollector) SetA2AHandoff() {
	c.update(func(t *TurnMetrics) { t.A2AHandoff = true })
}

// AddError 记录组件错误
func (c *TurnCollector) AddError(component string, err error) {
	if err == nil {
		return
	}
	c.update(func(t *TurnMetrics) {
		t.Errors = append(t.Errors, fmt.Sprintf("%s: %v", component, err))
	})
}

func (c *TurnCollector) update(fn func(*TurnMetrics)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.ensureLocked(nil))
}

// CompleteTurn 结束当前轮次，计算延迟并写入指标与 span。无进行中的轮次时返回 nil。
func (c *TurnCollector) CompleteTurn() *TurnMetrics {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	t, span := c.current, c.span
	c.current, c.span = nil, nil
	if t == nil {
		c.mu.Unlock()
		return nil
	}
	t.EndedAt = c.now()
	t.compute()
	c.history = append(c.history, *t)
	if over := len(c.history) - maxTurnHistory; over > 0 {
		c.history = append([]TurnMetrics(nil), c.history[over:]...)
	}
	c.mu.Unlock()

	c.metrics.RecordTurn(metrics.TurnSample{
		AgentID:     t.AgentID,
		STT:         t.STTLatency,
		EOU:         t.EOULatency,
		LLMTTFT:     t.LLMTTFT,
		LLM:         t.LLMDuration,
		TTSTTFB:     t.TTSTTFB,
		E2E:         t.E2ELatency,
		Interrupted: t.Interrupted,
	})
	endSpan(span, t)
	return t
}

func endSpan(span trace.Span, t *TurnMetrics) {
	if span == nil {
		return
	}
	for _, ev := range t.Timeline {
		span.AddEvent(string(ev.Stage), trace.WithTimestamp(ev.At))
	}
	span.SetAttributes(
		attribute.Bool("voiceflow.interrupted", t.Interrupted),
		attribute.Bool("voiceflow.a2a_handoff", t.A2AHandoff),
		attribute.Int64("voiceflow.e2e_ms", t.E2ELatency.Milliseconds()),
		attribute.Int64("voiceflow.llm_ttft_ms", t.LLMTTFT.Milliseconds()),
		attribute.Int64("voiceflow.tts_ttfb_ms", t.TTSTTFB.Milliseconds()),
	)
	if len(t.Errors) > 0 {
		span.SetStatus(codes.Error, t.Errors[0])
	}
	span.End(trace.WithTimestamp(t.EndedAt))
}

// Current 进行中轮次的快照
func (c *TurnCollector) Current() (TurnMetrics, bool) {
	if c == nil {
		return TurnMetrics{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return TurnMetrics{}, false
	}
	return *c.current, true
}

// Turns 已完成轮次，按时间先后
func (c *TurnCollector) Turns() []TurnMetrics {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TurnMetrics(nil), c.history...)
}

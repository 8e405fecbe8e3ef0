package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/llm/speech"
)

// =============================================================================
// LLM
// =============================================================================

type mockLLM struct {
	streamFn func(ctx context.Context, req *llm.ChatRequest, call int) (<-chan llm.StreamChunk, error)

	mu       sync.Mutex
	requests []*llm.ChatRequest
}

func (m *mockLLM) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLLM) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	m.mu.Unlock()
	return m.streamFn(ctx, req, call)
}

func (m *mockLLM) Name() string { return "mock-llm" }

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockLLM) request(i int) *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func chunks(parts ...llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func textReply(deltas ...string) func(context.Context, *llm.ChatRequest, int) (<-chan llm.StreamChunk, error) {
	return func(context.Context, *llm.ChatRequest, int) (<-chan llm.StreamChunk, error) {
		parts := make([]llm.StreamChunk, 0, len(deltas))
		for _, d := range deltas {
			parts = append(parts, llm.StreamChunk{Content: d})
		}
		return chunks(parts...), nil
	}
}

// =============================================================================
// TTS
// =============================================================================

// mockTTS 每段文本输出一帧，帧数据即文本。failWith 非空时第一段文本即以错误帧结束
type mockTTS struct {
	interrupts atomic.Int32
	closes     atomic.Int32
	failWith   error

	mu     sync.Mutex
	spoken []string
}

func (m *mockTTS) Synthesize(ctx context.Context, text <-chan string) (<-chan speech.AudioFrame, error) {
	out := make(chan speech.AudioFrame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-text:
				if !ok {
					return
				}
				if m.failWith != nil {
					select {
					case out <- speech.AudioFrame{Err: m.failWith}:
					case <-ctx.Done():
					}
					return
				}
				m.mu.Lock()
				m.spoken = append(m.spoken, t)
				m.mu.Unlock()
				select {
				case out <- speech.AudioFrame{Data: []byte(t), SampleRate: 24000, Channels: 1}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *mockTTS) Interrupt()      { m.interrupts.Add(1) }
func (m *mockTTS) Close() error    { m.closes.Add(1); return nil }
func (m *mockTTS) SampleRate() int { return 24000 }
func (m *mockTTS) Name() string    { return "mock-tts" }

func (m *mockTTS) text() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// =============================================================================
// STT
// =============================================================================

type mockSTT struct {
	mu      sync.Mutex
	streams []*mockSTTStream
}

func (m *mockSTT) Start(context.Context, speech.StreamConfig) (speech.STTStream, error) {
	s := &mockSTTStream{events: make(chan speech.STTEvent, 16)}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *mockSTT) Name() string { return "mock-stt" }

func (m *mockSTT) stream(i int) *mockSTTStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

type mockSTTStream struct {
	events  chan speech.STTEvent
	flushes atomic.Int32
	sent    atomic.Int32
	closed  atomic.Bool
	once    sync.Once
}

func (s *mockSTTStream) Send([]byte) error {
	if s.closed.Load() {
		return speech.ErrStreamClosed
	}
	s.sent.Add(1)
	return nil
}

func (s *mockSTTStream) Events() <-chan speech.STTEvent { return s.events }

func (s *mockSTTStream) Flush() error {
	s.flushes.Add(1)
	return nil
}

func (s *mockSTTStream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.events)
	})
	return nil
}

// =============================================================================
// 会话状态
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	user   []UserState
	agent  []AgentState
	resets int
}

func (r *recordingSink) SetUserState(s UserState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = append(r.user, s)
}

func (r *recordingSink) SetAgentState(s AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = append(r.agent, s)
}

func (r *recordingSink) AgentState() AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agent) == 0 {
		return AgentIdle
	}
	return r.agent[len(r.agent)-1]
}

func (r *recordingSink) ResetWakeUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordingSink) PauseWakeUp() {}

func (r *recordingSink) users() []UserState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UserState(nil), r.user...)
}

// =============================================================================
// 管线
// =============================================================================

// stubPipeline 以回调实现 Pipeline
type stubPipeline struct {
	startFn   func(ctx context.Context) error
	replyFn   func(ctx context.Context, instructions string, wait bool) error
	sendFn    func(ctx context.Context, text string) error
	cleanupFn func(ctx context.Context) error

	mu         sync.Mutex
	binding    Binding
	said       []string
	interrupts int
	out        chan speech.AudioFrame
}

func (p *stubPipeline) Name() string { return "stub" }

func (p *stubPipeline) Bind(b Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binding = b
}

func (p *stubPipeline) Start(ctx context.Context) error {
	if p.startFn != nil {
		return p.startFn(ctx)
	}
	return nil
}

func (p *stubPipeline) OnAudio([]byte) {}

func (p *stubPipeline) AudioOut() <-chan speech.AudioFrame { return p.out }

func (p *stubPipeline) SendMessage(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.said = append(p.said, text)
	return nil
}

func (p *stubPipeline) SendTextMessage(ctx context.Context, text string) error {
	if p.sendFn != nil {
		return p.sendFn(ctx, text)
	}
	return nil
}

func (p *stubPipeline) ReplyWithContext(ctx context.Context, instructions string, wait bool) error {
	if p.replyFn != nil {
		return p.replyFn(ctx, instructions, wait)
	}
	return nil
}

func (p *stubPipeline) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
}

func (p *stubPipeline) Cleanup(ctx context.Context) error {
	if p.cleanupFn != nil {
		return p.cleanupFn(ctx)
	}
	return nil
}

var _ Pipeline = (*stubPipeline)(nil)
var _ Pipeline = (*CascadingPipeline)(nil)
var _ Pipeline = (*RealtimePipeline)(nil)
var _ RealtimeModel = (*OpenAIRealtime)(nil)
var _ agent.Session = (*AgentSession)(nil)

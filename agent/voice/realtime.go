package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/types"
)

// RealtimeEventType 实时模型事件类型
type RealtimeEventType string

const (
	RealtimeUserSpeechStarted  RealtimeEventType = "user_speech_started"
	RealtimeUserSpeechEnded    RealtimeEventType = "user_speech_ended"
	RealtimeAgentSpeechStarted RealtimeEventType = "agent_speech_started"
	RealtimeAgentSpeechEnded   RealtimeEventType = "agent_speech_ended"
	RealtimeAgentAudio         RealtimeEventType = "agent_audio"
	RealtimeUserTranscript     RealtimeEventType = "user_transcript"
	RealtimeAgentTranscript    RealtimeEventType = "agent_transcript"
	RealtimeAgentText          RealtimeEventType = "agent_text"
	RealtimeToolCall           RealtimeEventType = "tool_call"
	RealtimeError              RealtimeEventType = "error"
)

// RealtimeEvent 实时模型产生的事件
type RealtimeEvent struct {
	Type  RealtimeEventType
	Text  string
	Audio speech.AudioFrame
	// ToolCall 与 ToolOutput 仅 tool_call 事件使用
	ToolCall    *types.ToolCall
	ToolOutput  string
	ToolIsError bool
	Err         error
}

// RealtimeModel 端到端语音模型
type RealtimeModel interface {
	Connect(ctx context.Context) error
	// SendAudio 输入一帧 PCM16
	SendAudio(ctx context.Context, pcm []byte) error
	// SendText 文本输入，期望文本回复（agent_text）
	SendText(ctx context.Context, text string) error
	// SendMessage 让模型朗读给定文本
	SendMessage(ctx context.Context, text string) error
	// CreateResponse 以额外指令生成一次回复
	CreateResponse(ctx context.Context, instructions string) error
	Interrupt(ctx context.Context) error
	SetInstructions(instructions string)
	SetTools(tools *agent.ToolRegistry)
	// Events 在 Close 后关闭
	Events() <-chan RealtimeEvent
	Close() error
	Name() string
}

// RealtimePipelineConfig 实时管线参数
type RealtimePipelineConfig struct {
	Model                RealtimeModel
	DisableInterruptions bool
	// InputSampleRate 非零且与模型采样率不同时重采样
	InputSampleRate int
	ModelSampleRate int
}

// RealtimePipeline 把音频交给 RealtimeModel，并把模型事件映射为会话状态
type RealtimePipeline struct {
	cfg    RealtimePipelineConfig
	model  RealtimeModel
	logger *zap.Logger

	audioOut chan speech.AudioFrame

	mu        sync.Mutex
	binding   Binding
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	playbackW []chan struct{}

	speaking atomic.Bool
	wg       sync.WaitGroup
}

// NewRealtimePipeline 创建实时管线
func NewRealtimePipeline(cfg RealtimePipelineConfig, logger *zap.Logger) (*RealtimePipeline, error) {
	if cfg.Model == nil {
		return nil, ErrNoModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimePipeline{
		cfg:      cfg,
		model:    cfg.Model,
		logger:   logger.With(zap.String("component", "realtime_pipeline"), zap.String("model", cfg.Model.Name())),
		audioOut: make(chan speech.AudioFrame, 64),
		ctx:      context.Background(),
	}, nil
}

func (p *RealtimePipeline) Name() string { return "realtime" }

func (p *RealtimePipeline) Bind(b Binding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binding = b
}

func (p *RealtimePipeline) em() emitter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return emitter{b: p.binding}
}

// Start 同步指令与工具后连接模型
func (p *RealtimePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ag := p.binding.Agent
	if ag == nil {
		return types.NewError(types.ErrPipelineNotReady, "pipeline is not bound to an agent").WithCause(ErrNotBound)
	}
	if p.started {
		return nil
	}
	p.model.SetInstructions(ag.Instructions())
	p.model.SetTools(ag.Tools())

	p.ctx, p.cancel = context.WithCancel(ctx)
	if err := p.model.Connect(p.ctx); err != nil {
		p.cancel()
		return types.NewError(types.ErrPipelineNotReady, "connect realtime model").WithCause(err).WithProvider(p.model.Name())
	}
	p.started = true
	p.wg.Add(1)
	go p.eventLoop()
	p.logger.Info("pipeline started")
	return nil
}

func (p *RealtimePipeline) runCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *RealtimePipeline) OnAudio(pcm []byte) {
	pcm = Resample(pcm, p.cfg.InputSampleRate, p.cfg.ModelSampleRate)
	if err := p.model.SendAudio(p.runCtx(), pcm); err != nil {
		p.logger.Debug("send audio failed", zap.Error(err))
	}
}

func (p *RealtimePipeline) AudioOut() <-chan speech.AudioFrame { return p.audioOut }

func (p *RealtimePipeline) eventLoop() {
	defer p.wg.Done()
	ctx := p.runCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.model.Events():
			if !ok {
				return
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *RealtimePipeline) handle(ctx context.Context, ev RealtimeEvent) {
	e := p.em()
	switch ev.Type {
	case RealtimeUserSpeechStarted:
		e.b.Turns.Mark(StageUserSpeechStart)
		if p.speaking.Load() && !p.cfg.DisableInterruptions {
			p.Interrupt()
		}
		e.setUser(UserSpeaking)
		e.setAgent(AgentListening)
		e.resetWakeUp()
	case RealtimeUserSpeechEnded:
		e.b.Turns.Mark(StageUserSpeechEnd)
		e.setUser(UserListening)
		e.setAgent(AgentThinking)
	case RealtimeAgentSpeechStarted:
		p.agentSpeechStarted(e)
	case RealtimeAgentAudio:
		if !p.speaking.Load() {
			p.agentSpeechStarted(e)
		}
		select {
		case p.audioOut <- ev.Audio:
		case <-ctx.Done():
		}
	case RealtimeAgentSpeechEnded:
		if p.speaking.Swap(false) {
			e.b.Turns.Mark(StageTTSEnd)
			e.setAgent(AgentListening)
			e.resetWakeUp()
		}
		e.b.Turns.CompleteTurn()
		p.releasePlayback()
	case RealtimeUserTranscript:
		if ev.Text == "" {
			return
		}
		e.b.Turns.Mark(StageSTTEnd)
		e.b.Turns.SetUserText(ev.Text)
		if e.b.Agent != nil {
			e.b.Agent.ChatContext().AddMessage(types.RoleUser, ev.Text)
			e.b.Agent.HandleSpeechIn(speechEvent(ev.Text, 1))
		}
		e.emit(EventTranscript, TranscriptEvent{Role: types.RoleUser, Text: ev.Text, Final: true})
	case RealtimeAgentTranscript:
		if ev.Text == "" {
			return
		}
		e.b.Turns.SetAgentText(ev.Text)
		if e.b.Agent != nil {
			e.b.Agent.ChatContext().AddMessage(types.RoleAssistant, ev.Text)
			e.b.Agent.HandleSpeechOut(speechEvent(ev.Text, 1))
		}
		e.emit(EventTranscript, TranscriptEvent{Role: types.RoleAssistant, Text: ev.Text, Final: true})
	case RealtimeAgentText:
		if e.b.Agent != nil && ev.Text != "" {
			e.b.Agent.ChatContext().AddMessage(types.RoleAssistant, ev.Text)
		}
		e.emit(EventTextResponse, TextResponse{Text: ev.Text})
		e.b.Turns.CompleteTurn()
	case RealtimeToolCall:
		if ev.ToolCall == nil || e.b.Agent == nil {
			return
		}
		chatCtx := e.b.Agent.ChatContext()
		chatCtx.AddFunctionCall(ev.ToolCall.Name, string(ev.ToolCall.Arguments), ev.ToolCall.ID)
		chatCtx.AddFunctionOutput(ev.ToolCall.Name, ev.ToolCall.ID, ev.ToolOutput, ev.ToolIsError)
	case RealtimeError:
		if ev.Err == nil {
			return
		}
		p.logger.Error("realtime model error", zap.Error(ev.Err))
		e.b.Metrics.RecordComponentError("realtime")
		e.b.Turns.AddError("realtime", ev.Err)
		e.emit(EventError, ErrorEvent{Component: "realtime", Err: ev.Err, Message: ev.Err.Error()})
	}
}

func (p *RealtimePipeline) agentSpeechStarted(e emitter) {
	if p.speaking.Swap(true) {
		return
	}
	e.b.Turns.Mark(StageTTSFirstByte)
	e.setAgent(AgentSpeaking)
	e.pauseWakeUp()
}

func (p *RealtimePipeline) releasePlayback() {
	p.mu.Lock()
	waiters := p.playbackW
	p.playbackW = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (p *RealtimePipeline) SendMessage(ctx context.Context, text string) error {
	return p.model.SendMessage(ctx, text)
}

func (p *RealtimePipeline) SendTextMessage(ctx context.Context, text string) error {
	e := p.em()
	if e.b.Agent != nil {
		e.b.Agent.ChatContext().AddMessage(types.RoleUser, text)
	}
	e.b.Turns.SetUserText(text)
	e.b.Turns.SetA2AHandoff()
	return p.model.SendText(ctx, text)
}

// ReplyWithContext waitForPlayback 时阻塞到模型说完
func (p *RealtimePipeline) ReplyWithContext(ctx context.Context, instructions string, waitForPlayback bool) error {
	var wait chan struct{}
	if waitForPlayback {
		wait = make(chan struct{})
		p.mu.Lock()
		p.playbackW = append(p.playbackW, wait)
		p.mu.Unlock()
	}
	if err := p.model.CreateResponse(ctx, instructions); err != nil {
		return err
	}
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RealtimePipeline) Interrupt() {
	if err := p.model.Interrupt(p.runCtx()); err != nil {
		p.logger.Warn("interrupt realtime model", zap.Error(err))
	}
	if p.speaking.Swap(false) {
		e := p.em()
		e.b.Turns.Mark(StageInterrupted)
		e.b.Metrics.RecordInterruption(e.agentID())
		e.setAgent(AgentListening)
	}
}

func (p *RealtimePipeline) Cleanup(ctx context.Context) error {
	err := p.model.Close()
	p.mu.Lock()
	cancel := p.cancel
	p.started = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.releasePlayback()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

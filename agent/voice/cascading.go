package voice

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/types"
)

const audioInBuffer = 100

// CascadingConfig 级联管线组件。除 LLM 外都可为空：
// 无 STT 时只能走文本路径，无 TTS 时回复不产生音频，
// 无 VAD 时使用 STT 自带的语音起止事件。
type CascadingConfig struct {
	STT          speech.STT
	LLM          llm.Provider
	TTS          speech.TTS
	VAD          VAD
	TurnDetector TurnDetector
	Hooks        Hooks
	Flow         FlowConfig
	// Input 输入音频格式，传给 STT
	Input speech.StreamConfig
}

// CascadingPipeline VAD -> STT -> 轮次检测 -> LLM -> TTS
type CascadingPipeline struct {
	cfg    CascadingConfig
	logger *zap.Logger
	flow   *ConversationFlow

	audioIn  chan []byte
	audioOut chan speech.AudioFrame

	mu        sync.RWMutex
	stt       speech.STT
	sttStream speech.STTStream
	vad       VAD
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	bound     bool

	wg sync.WaitGroup
}

// NewCascadingPipeline 创建级联管线
func NewCascadingPipeline(cfg CascadingConfig, logger *zap.Logger) (*CascadingPipeline, error) {
	if cfg.LLM == nil {
		return nil, ErrNoLLM
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cascading_pipeline"))
	p := &CascadingPipeline{
		cfg:      cfg,
		logger:   logger,
		audioIn:  make(chan []byte, audioInBuffer),
		audioOut: make(chan speech.AudioFrame, 64),
		stt:      cfg.STT,
		vad:      cfg.VAD,
	}
	p.flow = newConversationFlow(cfg.Flow, cfg.LLM, cfg.TTS, cfg.TurnDetector, cfg.Hooks, p.audioOut, logger)
	p.flow.flush = p.flushSTT
	return p, nil
}

func (p *CascadingPipeline) Name() string { return "cascading" }

// Flow 对话编排
func (p *CascadingPipeline) Flow() *ConversationFlow { return p.flow }

func (p *CascadingPipeline) Bind(b Binding) {
	p.mu.Lock()
	p.bound = b.Agent != nil
	p.mu.Unlock()
	p.flow.bind(b)
}

// Start 打开 STT 流并启动音频与识别事件循环
func (p *CascadingPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound {
		return types.NewError(types.ErrPipelineNotReady, "pipeline is not bound to an agent").WithCause(ErrNotBound)
	}
	if p.started {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.flow.start(p.ctx)

	if p.stt != nil {
		stream, err := p.stt.Start(p.ctx, p.cfg.Input)
		if err != nil {
			p.cancel()
			return types.NewError(types.ErrPipelineNotReady, "start stt").WithCause(err).WithProvider(p.stt.Name())
		}
		p.sttStream = stream
		p.wg.Add(1)
		go p.sttLoop(stream)
	}
	p.wg.Add(1)
	go p.audioLoop()
	p.started = true
	p.logger.Info("pipeline started",
		zap.Bool("stt", p.stt != nil),
		zap.Bool("tts", p.cfg.TTS != nil),
		zap.Bool("vad", p.vad != nil),
	)
	return nil
}

// OnAudio 入队一帧音频，队列满或正在独占播放时丢弃
func (p *CascadingPipeline) OnAudio(pcm []byte) {
	if p.flow.muted.Load() {
		return
	}
	select {
	case p.audioIn <- pcm:
	default:
		p.logger.Debug("audio input queue full, dropping frame")
	}
}

func (p *CascadingPipeline) AudioOut() <-chan speech.AudioFrame { return p.audioOut }

func (p *CascadingPipeline) audioLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pcm := <-p.audioIn:
			p.mu.RLock()
			vad, stream := p.vad, p.sttStream
			p.mu.RUnlock()
			if vad != nil {
				for _, ev := range vad.Process(pcm) {
					p.flow.OnVADEvent(ev)
				}
			}
			if stream != nil {
				if err := stream.Send(pcm); err != nil && p.ctx.Err() == nil && !errors.Is(err, speech.ErrStreamClosed) {
					p.flow.reportError("stt", err)
				}
			}
		}
	}
}

// sttLoop 转发识别事件。没有本地 VAD 时以 STT 的语音起止事件代替。
// 供应商错误与意外结束的流都作为 stt 错误上报。
func (p *CascadingPipeline) sttLoop(stream speech.STTStream) {
	defer p.wg.Done()
	for ev := range stream.Events() {
		switch ev.Type {
		case speech.STTError:
			if ev.Err != nil {
				p.flow.reportError("stt", ev.Err)
			}
		case speech.STTStartOfSpeech, speech.STTEndOfSpeech:
			p.mu.RLock()
			hasVAD := p.vad != nil
			p.mu.RUnlock()
			if hasVAD {
				continue
			}
			typ := VADStartOfSpeech
			if ev.Type == speech.STTEndOfSpeech {
				typ = VADEndOfSpeech
			}
			p.flow.OnVADEvent(VADEvent{Type: typ, Confidence: ev.Confidence})
		default:
			p.flow.OnTranscript(ev)
		}
	}

	p.mu.RLock()
	current := p.sttStream == stream && p.ctx.Err() == nil
	p.mu.RUnlock()
	if current {
		p.flow.reportError("stt", ErrSTTStreamEnded)
	}
}

func (p *CascadingPipeline) flushSTT() error {
	p.mu.RLock()
	stream := p.sttStream
	p.mu.RUnlock()
	if stream == nil {
		return nil
	}
	return stream.Flush()
}

// SendMessage 直接朗读
func (p *CascadingPipeline) SendMessage(ctx context.Context, text string) error {
	return p.flow.Say(ctx, text)
}

// SendTextMessage 文本输入（A2A），回复经 text_response 返回
func (p *CascadingPipeline) SendTextMessage(ctx context.Context, text string) error {
	_, err := p.flow.ProcessTextInput(ctx, text)
	return err
}

func (p *CascadingPipeline) ReplyWithContext(ctx context.Context, instructions string, waitForPlayback bool) error {
	return p.flow.Reply(ctx, instructions, waitForPlayback)
}

func (p *CascadingPipeline) Interrupt() { p.flow.Interrupt() }

// ChangeComponent 运行中替换组件，nil 参数保持原组件。被替换的 STT 流与 TTS 会关闭。
func (p *CascadingPipeline) ChangeComponent(ctx context.Context, stt speech.STT, provider llm.Provider, tts speech.TTS) error {
	if provider != nil {
		p.flow.setLLM(provider)
	}
	if tts != nil {
		p.flow.setTTS(tts)
	}
	if stt == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.sttStream
	p.stt, p.sttStream = stt, nil
	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("close replaced stt stream", zap.Error(err))
		}
	}
	if !p.started {
		return nil
	}
	stream, err := stt.Start(p.ctx, p.cfg.Input)
	if err != nil {
		return types.NewError(types.ErrPipelineNotReady, "start stt").WithCause(err).WithProvider(stt.Name())
	}
	p.sttStream = stream
	p.wg.Add(1)
	go p.sttLoop(stream)
	p.logger.Info("stt replaced", zap.String("provider", stt.Name()))
	return nil
}

// Cleanup 停止生成，关闭 STT 与 TTS 并等待后台 goroutine 退出
func (p *CascadingPipeline) Cleanup(ctx context.Context) error {
	p.flow.Cleanup()
	_, tts, _ := p.flow.components()

	p.mu.Lock()
	stream := p.sttStream
	p.sttStream = nil
	cancel := p.cancel
	p.started = false
	p.mu.Unlock()

	var errs []error
	if stream != nil {
		errs = append(errs, stream.Close())
	}
	if tts != nil {
		errs = append(errs, tts.Close())
	}
	if cancel != nil {
		cancel()
	}

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
	if p.vad != nil {
		p.vad.Reset()
	}
	return errors.Join(errs...)
}

package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/llm/tokenizer"
	"github.com/BaSui01/voiceflow/types"
)

const (
	DefaultSpeechWaitTimeout = 800 * time.Millisecond
	DefaultMaxToolRounds     = 5
	DefaultTextQueueSize     = 50

	// interruptWait 打断时等待进行中轮次退出的上限
	interruptWait = 2 * time.Second
)

// Next 生成回复文本流
type Next func(ctx context.Context, transcript string) <-chan string

// Hooks 轮次钩子。Run 包裹默认的 LLM 生成，可改写输入或输出。
type Hooks interface {
	OnTurnStart(ctx context.Context, transcript string)
	Run(ctx context.Context, transcript string, next Next) <-chan string
	OnTurnEnd(ctx context.Context)
}

// BaseHooks 直通实现，可嵌入后覆盖部分方法
type BaseHooks struct{}

func (BaseHooks) OnTurnStart(context.Context, string) {}

func (BaseHooks) Run(ctx context.Context, transcript string, next Next) <-chan string {
	return next(ctx, transcript)
}

func (BaseHooks) OnTurnEnd(context.Context) {}

// FlowConfig ConversationFlow 参数
type FlowConfig struct {
	SpeechWaitTimeout    time.Duration
	MaxToolRounds        int
	QueueSize            int
	DisableInterruptions bool
	// MaxContextItems / MaxContextTokens 请求前对上下文副本截断，0 表示不限
	MaxContextItems  int
	MaxContextTokens int
	Tokenizer        tokenizer.Tokenizer
	Model            string
	Temperature      float32
	MaxTokens        int
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.SpeechWaitTimeout <= 0 {
		c.SpeechWaitTimeout = DefaultSpeechWaitTimeout
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultTextQueueSize
	}
	if c.MaxContextTokens > 0 && c.Tokenizer == nil {
		c.Tokenizer = tokenizer.ForModel(c.Model)
	}
	return c
}

type instructionsKey struct{}

// withInstructions 附加一条只对本轮生效的 system 指令
func withInstructions(ctx context.Context, instructions string) context.Context {
	return context.WithValue(ctx, instructionsKey{}, instructions)
}

// ConversationFlow 级联管线的对话编排：累积转写、判定轮次、
// 流式调用 LLM 与工具、把文本交给 TTS 并处理打断。
type ConversationFlow struct {
	cfg    FlowConfig
	hooks  Hooks
	logger *zap.Logger
	out    chan speech.AudioFrame
	flush  func() error

	mu         sync.Mutex
	binding    Binding
	llm        llm.Provider
	tts        speech.TTS
	detector   TurnDetector
	baseCtx    context.Context
	transcript string
	waitTimer  *time.Timer
	waitGen    uint64
	turnCancel context.CancelFunc
	turnDone   chan struct{}

	interrupted atomic.Bool
	muted       atomic.Bool
}

func newConversationFlow(cfg FlowConfig, provider llm.Provider, tts speech.TTS, detector TurnDetector, hooks Hooks, out chan speech.AudioFrame, logger *zap.Logger) *ConversationFlow {
	if hooks == nil {
		hooks = BaseHooks{}
	}
	done := make(chan struct{})
	close(done)
	return &ConversationFlow{
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		logger:   logger,
		out:      out,
		llm:      provider,
		tts:      tts,
		detector: detector,
		baseCtx:  context.Background(),
		turnDone: done,
	}
}

func (f *ConversationFlow) bind(b Binding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binding = b
}

func (f *ConversationFlow) start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseCtx = ctx
}

func (f *ConversationFlow) em() emitter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return emitter{b: f.binding}
}

func (f *ConversationFlow) components() (llm.Provider, speech.TTS, TurnDetector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.llm, f.tts, f.detector
}

func (f *ConversationFlow) setLLM(p llm.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.llm = p
}

func (f *ConversationFlow) setTTS(t speech.TTS) {
	f.mu.Lock()
	old := f.tts
	f.tts = t
	f.mu.Unlock()
	if old != nil && old != t {
		if err := old.Close(); err != nil {
			f.logger.Warn("close replaced tts", zap.Error(err))
		}
	}
}

// reportError 记录组件错误并发布 error 事件
func (f *ConversationFlow) reportError(component string, err error) {
	if err == nil {
		return
	}
	e := f.em()
	f.logger.Error("component error", zap.String("stage", component), zap.Error(err))
	e.b.Metrics.RecordComponentError(component)
	e.b.Turns.AddError(component, err)
	e.emit(EventError, ErrorEvent{Component: component, Err: err, Message: err.Error()})
}

// =============================================================================
// 输入：转写与 VAD
// =============================================================================

// OnTranscript 处理 STT 事件。final 文本以空格累积，
// 轮次检测判定说完或等待超时后确定本轮。
func (f *ConversationFlow) OnTranscript(ev speech.STTEvent) {
	if f.muted.Load() {
		return
	}
	text := strings.TrimSpace(ev.Text)
	e := f.em()
	switch ev.Type {
	case speech.STTInterim:
		if text == "" {
			return
		}
		f.stopWaitTimer()
		e.emit(EventTranscript, TranscriptEvent{Role: types.RoleUser, Text: text})
	case speech.STTFinal:
		if text == "" {
			return
		}
		e.b.Turns.Mark(StageSTTEnd)
		e.emit(EventTranscript, TranscriptEvent{Role: types.RoleUser, Text: text, Final: true})
		if e.b.Agent != nil {
			e.b.Agent.HandleSpeechIn(speechEvent(text, ev.Confidence))
		}
		f.onFinal(text)
	}
}

func (f *ConversationFlow) onFinal(text string) {
	f.mu.Lock()
	if f.transcript == "" {
		f.transcript = text
	} else {
		f.transcript += " " + text
	}
	pending := f.transcript
	detector := f.detector
	f.stopTimerLocked()
	b := f.binding
	ctx := f.baseCtx
	f.mu.Unlock()

	if detector == nil || b.Agent == nil {
		f.finalize()
		return
	}

	probe := b.Agent.ChatContext().Copy(conversation.CopyOptions{})
	probe.AddMessage(types.RoleUser, pending)
	started := time.Now()
	done, p := detector.DetectEndOfUtterance(ctx, probe)
	b.Turns.SetEOULatency(time.Since(started))
	if done {
		f.finalize()
		return
	}
	f.logger.Debug("waiting for more speech", zap.Float64("eou_probability", p))
	f.startWaitTimer()
}

func (f *ConversationFlow) startWaitTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
	gen := f.waitGen
	f.waitTimer = time.AfterFunc(f.cfg.SpeechWaitTimeout, func() {
		f.mu.Lock()
		if gen != f.waitGen {
			f.mu.Unlock()
			return
		}
		f.waitTimer = nil
		f.mu.Unlock()
		f.finalize()
	})
}

func (f *ConversationFlow) stopWaitTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
}

func (f *ConversationFlow) stopTimerLocked() {
	f.waitGen++
	if f.waitTimer != nil {
		f.waitTimer.Stop()
		f.waitTimer = nil
	}
}

// OnVADEvent 处理语音活动事件
func (f *ConversationFlow) OnVADEvent(ev VADEvent) {
	if f.muted.Load() {
		return
	}
	e := f.em()
	switch ev.Type {
	case VADStartOfSpeech:
		f.stopWaitTimer()
		state := e.agentState()
		busy := state == AgentSpeaking || state == AgentThinking
		if busy && !f.cfg.DisableInterruptions {
			f.Interrupt()
			busy = false
		}
		e.b.Turns.Mark(StageUserSpeechStart)
		e.b.Turns.Mark(StageSTTStart)
		e.setUser(UserSpeaking)
		if !busy {
			e.setAgent(AgentListening)
		}
		e.resetWakeUp()
	case VADEndOfSpeech:
		e.b.Turns.Mark(StageUserSpeechEnd)
		e.setUser(UserListening)
		e.setAgent(AgentThinking)
		if f.flush != nil {
			if err := f.flush(); err != nil {
				f.reportError("stt", err)
			}
		}
	}
}

// finalize 确定累积的转写为一轮用户输入并异步生成回复
func (f *ConversationFlow) finalize() {
	f.mu.Lock()
	text := strings.TrimSpace(f.transcript)
	f.transcript = ""
	f.stopTimerLocked()
	b := f.binding
	f.mu.Unlock()
	if text == "" || b.Agent == nil {
		return
	}

	b.Agent.ChatContext().AddMessage(types.RoleUser, text)
	b.Turns.SetUserText(text)
	f.startTurn(func(ctx context.Context) {
		f.hooks.OnTurnStart(ctx, text)
		f.generate(ctx, f.hooks.Run(ctx, text, f.ProcessWithLLM))
		f.hooks.OnTurnEnd(ctx)
	})
}

// startTurn 取消仍在进行的轮次后在新 goroutine 中运行 run
func (f *ConversationFlow) startTurn(run func(ctx context.Context)) <-chan struct{} {
	f.cancelTurn()

	f.mu.Lock()
	ctx, cancel := context.WithCancel(f.baseCtx)
	done := make(chan struct{})
	f.turnCancel, f.turnDone = cancel, done
	f.mu.Unlock()
	f.interrupted.Store(false)

	go func() {
		defer close(done)
		defer cancel()
		run(ctx)
	}()
	return done
}

// cancelTurn 取消进行中的轮次并等待其退出
func (f *ConversationFlow) cancelTurn() {
	f.mu.Lock()
	cancel, done := f.turnCancel, f.turnDone
	f.mu.Unlock()

	select {
	case <-done:
		return
	default:
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(interruptWait):
		f.logger.Warn("turn did not stop in time")
	}
}

// =============================================================================
// 生成
// =============================================================================

// generate 把文本流交给 TTS，播放完成后写入 assistant 消息。
// TTS 失败时回复没有播出，不写入上下文。
func (f *ConversationFlow) generate(ctx context.Context, text <-chan string) {
	e := f.em()
	defer e.b.Turns.CompleteTurn()
	if text == nil {
		return
	}
	full, err := f.speak(ctx, text)
	if f.interrupted.Load() || ctx.Err() != nil {
		return
	}
	e.setIdle()
	if err != nil && !errors.Is(err, context.Canceled) {
		f.reportError("tts", err)
		return
	}
	if full == "" {
		return
	}
	e.b.Turns.SetAgentText(full)
	e.b.Agent.ChatContext().AddMessage(types.RoleAssistant, full)
	e.emit(EventTranscript, TranscriptEvent{Role: types.RoleAssistant, Text: full, Final: true})
	e.b.Agent.HandleSpeechOut(speechEvent(full, 1))
}

// speak 经容量有限的队列把文本交给 TTS，两端由 errgroup 汇合。返回完整文本。
func (f *ConversationFlow) speak(ctx context.Context, text <-chan string) (string, error) {
	_, tts, _ := f.components()
	e := f.em()
	queue := make(chan string, f.cfg.QueueSize)
	var full strings.Builder

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for {
			select {
			case <-gctx.Done():
				go drain(text)
				return gctx.Err()
			case delta, ok := <-text:
				if !ok {
					return nil
				}
				full.WriteString(delta)
				select {
				case queue <- delta:
				case <-gctx.Done():
					go drain(text)
					return gctx.Err()
				}
			}
		}
	})
	g.Go(func() error {
		if tts == nil {
			for range queue {
			}
			return nil
		}
		e.b.Turns.Mark(StageTTSStart)
		frames, err := tts.Synthesize(gctx, queue)
		if err != nil {
			go drain((<-chan string)(queue))
			return err
		}
		first := true
		for frame := range frames {
			if frame.Err != nil {
				go drain(frames)
				return frame.Err
			}
			if first {
				first = false
				e.b.Turns.Mark(StageTTSFirstByte)
				e.setAgent(AgentSpeaking)
				e.setUser(UserListening)
				e.pauseWakeUp()
			}
			select {
			case f.out <- frame:
			case <-gctx.Done():
				go drain(frames)
				return gctx.Err()
			}
		}
		e.b.Turns.Mark(StageTTSEnd)
		return nil
	})
	err := g.Wait()
	e.resetWakeUp()
	return full.String(), err
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}

// ProcessWithLLM 默认的回复生成：流式调用 LLM，遇到工具调用时执行工具并重新请求，
// 最多 MaxToolRounds 轮。ctx 取消后输出通道关闭。
func (f *ConversationFlow) ProcessWithLLM(ctx context.Context, _ string) <-chan string {
	out := make(chan string, f.cfg.QueueSize)
	go func() {
		defer close(out)
		if err := f.runLLM(ctx, out); err != nil && ctx.Err() == nil {
			f.reportError("llm", err)
		}
	}()
	return out
}

func (f *ConversationFlow) runLLM(ctx context.Context, out chan<- string) error {
	e := f.em()
	if e.b.Agent == nil {
		return ErrNotBound
	}
	defer e.b.Turns.Mark(StageLLMEnd)
	for round := 0; ; round++ {
		calls, err := f.streamRound(ctx, out)
		if err != nil {
			return err
		}
		if len(calls) == 0 || ctx.Err() != nil {
			return nil
		}
		if round >= f.cfg.MaxToolRounds {
			f.logger.Warn("tool round limit reached", zap.Int("rounds", round))
			return nil
		}
		f.runTools(ctx, calls)
	}
}

func (f *ConversationFlow) buildRequest(ctx context.Context) (*llm.ChatRequest, error) {
	ag := f.em().b.Agent
	chatCtx := ag.ChatContext().Copy(conversation.CopyOptions{})
	if f.cfg.MaxContextItems > 0 {
		chatCtx.Truncate(f.cfg.MaxContextItems)
	}
	if f.cfg.MaxContextTokens > 0 {
		if _, err := chatCtx.TruncateTokens(f.cfg.MaxContextTokens, f.cfg.Tokenizer); err != nil {
			return nil, err
		}
	}
	req := &llm.ChatRequest{
		Model:       f.cfg.Model,
		Messages:    chatCtx.ToMessages(),
		MaxTokens:   f.cfg.MaxTokens,
		Temperature: f.cfg.Temperature,
		Tools:       ag.Tools().Schemas(),
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	if extra, _ := ctx.Value(instructionsKey{}).(string); extra != "" {
		req.Messages = append(req.Messages, types.Message{Role: types.RoleSystem, Content: extra})
	}
	return req, nil
}

// streamRound 一次流式请求，内容增量写入 out，返回聚合后的工具调用
func (f *ConversationFlow) streamRound(ctx context.Context, out chan<- string) ([]types.ToolCall, error) {
	provider, _, _ := f.components()
	if provider == nil {
		return nil, ErrNoLLM
	}
	e := f.em()
	req, err := f.buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	e.b.Turns.Mark(StageLLMStart)
	started := time.Now()
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		e.b.Metrics.RecordLLMRequest(provider.Name(), "error", time.Since(started))
		return nil, err
	}

	acc := llm.NewToolCallAccumulator()
	first := true
	for chunk := range stream {
		if chunk.Err != nil {
			go drain(stream)
			e.b.Metrics.RecordLLMRequest(provider.Name(), "error", time.Since(started))
			return nil, chunk.Err
		}
		if chunk.Content != "" {
			if first {
				first = false
				e.b.Turns.Mark(StageLLMFirstToken)
			}
			select {
			case out <- chunk.Content:
			case <-ctx.Done():
				go drain(stream)
				return nil, nil
			}
		}
		if len(chunk.ToolCalls) > 0 {
			acc.Add(chunk.ToolCalls)
		}
	}
	status := "success"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	e.b.Metrics.RecordLLMRequest(provider.Name(), status, time.Since(started))
	if acc.Len() == 0 {
		return nil, nil
	}
	return acc.Calls(), nil
}

// runTools 执行工具并把调用与结果写入上下文
func (f *ConversationFlow) runTools(ctx context.Context, calls []types.ToolCall) {
	ag := f.em().b.Agent
	chatCtx := ag.ChatContext()
	for _, call := range calls {
		chatCtx.AddFunctionCall(call.Name, string(call.Arguments), call.ID)
		output, err := ag.Tools().Execute(ctx, call)
		isError := false
		if err != nil {
			f.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
			output, isError = err.Error(), true
		}
		chatCtx.AddFunctionOutput(call.Name, call.ID, output, isError)
	}
}

// ProcessTextInput 文本输入路径：不经过 TTS，完整回复以 text_response 发布
func (f *ConversationFlow) ProcessTextInput(ctx context.Context, text string) (string, error) {
	e := f.em()
	if e.b.Agent == nil {
		return "", ErrNotBound
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	e.b.Agent.ChatContext().AddMessage(types.RoleUser, text)
	e.b.Turns.SetUserText(text)
	e.b.Turns.SetA2AHandoff()
	defer e.b.Turns.CompleteTurn()

	out := make(chan string, f.cfg.QueueSize)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		errc <- f.runLLM(ctx, out)
	}()
	var full strings.Builder
	for delta := range out {
		full.WriteString(delta)
	}
	if err := <-errc; err != nil {
		f.reportError("llm", err)
		return "", err
	}

	reply := full.String()
	if reply == "" {
		return "", nil
	}
	e.b.Turns.SetAgentText(reply)
	e.b.Agent.ChatContext().AddMessage(types.RoleAssistant, reply)
	e.emit(EventTextResponse, TextResponse{Text: reply})
	return reply, nil
}

// Say 不经过 LLM 直接朗读，阻塞到播放结束或被打断。TTS 失败时返回该错误。
func (f *ConversationFlow) Say(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var ttsErr error
	done := f.startTurn(func(turnCtx context.Context) {
		ch := make(chan string, 1)
		ch <- text
		close(ch)
		_, err := f.speak(turnCtx, ch)
		if turnCtx.Err() != nil {
			return
		}
		f.em().setIdle()
		if err != nil && !errors.Is(err, context.Canceled) {
			f.reportError("tts", err)
			ttsErr = err
		}
	})
	select {
	case <-done:
		return ttsErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reply 以临时指令生成一轮回复。waitForPlayback 时播放期间忽略用户输入并阻塞。
func (f *ConversationFlow) Reply(ctx context.Context, instructions string, waitForPlayback bool) error {
	if f.em().b.Agent == nil {
		return ErrNotBound
	}
	if waitForPlayback {
		f.muted.Store(true)
	}
	f.em().setAgent(AgentThinking)
	done := f.startTurn(func(turnCtx context.Context) {
		turnCtx = withInstructions(turnCtx, instructions)
		f.generate(turnCtx, f.ProcessWithLLM(turnCtx, ""))
	})
	if !waitForPlayback {
		return nil
	}
	defer f.muted.Store(false)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt 停止 TTS 与 LLM，并等待进行中的轮次退出
func (f *ConversationFlow) Interrupt() {
	f.interrupted.Store(true)
	f.stopWaitTimer()
	if f.turnActive() {
		e := f.em()
		e.b.Turns.Mark(StageInterrupted)
		e.b.Metrics.RecordInterruption(e.agentID())
		f.logger.Info("interrupting turn")
	}
	_, tts, _ := f.components()
	if tts != nil {
		tts.Interrupt()
	}
	f.cancelTurn()
}

func (f *ConversationFlow) turnActive() bool {
	f.mu.Lock()
	done := f.turnDone
	f.mu.Unlock()
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Cleanup 取消计时器与进行中的轮次
func (f *ConversationFlow) Cleanup() {
	f.Interrupt()
	f.mu.Lock()
	f.transcript = ""
	f.mu.Unlock()
}

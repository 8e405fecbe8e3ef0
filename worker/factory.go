package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/agent/protocol/mcp"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/config"
	"github.com/BaSui01/voiceflow/internal/ctxkeys"
	"github.com/BaSui01/voiceflow/internal/metrics"
	"github.com/BaSui01/voiceflow/llm/providers/openaicompat"
	"github.com/BaSui01/voiceflow/llm/speech"
)

// wakeUpInstructions 用户长时间沉默时的临时指令
const wakeUpInstructions = "The user has been silent for a while. Briefly and politely check whether they are still there."

// =============================================================================
// 🏭 按配置组装代理与管线
// =============================================================================

// BuildAgent 按配置创建代理，配置了 MCP 服务器时挂载 mcp.Manager
func BuildAgent(cfg config.AgentConfig, logger *zap.Logger, opts ...agent.Option) *agent.Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := []agent.Option{agent.WithLogger(logger)}
	if cfg.ID != "" {
		base = append(base, agent.WithID(cfg.ID))
	}
	if len(cfg.MCPServers) > 0 {
		mgr := mcp.NewManager(logger)
		for _, s := range cfg.MCPServers {
			if s.URL != "" {
				mgr.AddServer(mcp.HTTPServer{Name: s.Name, URL: s.URL, Headers: s.Headers, Timeout: s.Timeout})
				continue
			}
			mgr.AddServer(mcp.StdioServer{Name: s.Name, Command: s.Command, Args: s.Args, Env: s.Env})
		}
		base = append(base, agent.WithMCP(mgr))
	}
	return agent.New(cfg.Instructions, append(base, opts...)...)
}

// BuildPipeline 按 pipeline.mode 创建 cascading 或 realtime 管线
func BuildPipeline(cfg config.PipelineConfig, agentCfg config.AgentConfig, hooks voice.Hooks, logger *zap.Logger) (voice.Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Mode) {
	case "", "cascading":
		return buildCascading(cfg, agentCfg, hooks, logger)
	case "realtime":
		return buildRealtime(cfg, agentCfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

func buildCascading(cfg config.PipelineConfig, agentCfg config.AgentConfig, hooks voice.Hooks, logger *zap.Logger) (voice.Pipeline, error) {
	stt, err := buildSTT(cfg.STT, logger)
	if err != nil {
		return nil, err
	}
	tts, err := buildTTS(cfg.TTS, logger)
	if err != nil {
		return nil, err
	}

	var vad voice.VAD
	if cfg.VAD.Enabled {
		vad = voice.NewEnergyVAD(voice.VADConfig{
			SampleRate:         cfg.InputSampleRate,
			Channels:           cfg.InputChannels,
			Threshold:          cfg.VAD.Threshold,
			MinSpeechDuration:  cfg.VAD.MinSpeechDuration,
			MinSilenceDuration: cfg.VAD.MinSilenceDuration,
		})
	}
	if vad == nil && strings.EqualFold(cfg.STT.Provider, "openai") {
		// 批量识别按 VAD 切分语句
		d := voice.DefaultVADConfig()
		d.SampleRate, d.Channels = cfg.InputSampleRate, cfg.InputChannels
		vad = voice.NewEnergyVAD(d)
		logger.Info("openai stt needs vad, enabling energy vad with defaults")
	}
	var turn voice.TurnDetector
	if cfg.Turn.Enabled {
		turn = voice.NewHeuristicTurnDetector(cfg.Turn.Threshold)
	}

	llmProvider := openaicompat.New(openaicompat.Config{
		ProviderName: cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
	}, logger)

	p, err := voice.NewCascadingPipeline(voice.CascadingConfig{
		STT:          stt,
		LLM:          llmProvider,
		TTS:          tts,
		VAD:          vad,
		TurnDetector: turn,
		Hooks:        hooks,
		Flow: voice.FlowConfig{
			SpeechWaitTimeout:    cfg.Turn.WaitTimeout,
			MaxToolRounds:        agentCfg.MaxToolRounds,
			DisableInterruptions: !agentCfg.EnableInterruptions,
			MaxContextItems:      cfg.MaxContextItems,
			MaxContextTokens:     cfg.MaxContextTokens,
			Model:                cfg.LLM.Model,
			Temperature:          float32(cfg.LLM.Temperature),
			MaxTokens:            cfg.LLM.MaxTokens,
		},
		Input: speech.StreamConfig{
			SampleRate: cfg.InputSampleRate,
			Channels:   cfg.InputChannels,
			Language:   cfg.STT.Language,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildSTT provider 为空或 none 时不做语音识别（只接受文本输入）
func buildSTT(cfg config.STTConfig, logger *zap.Logger) (speech.STT, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "deepgram":
		return speech.NewDeepgramSTT(speech.DeepgramConfig{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			Language:       cfg.Language,
			EndpointingMS:  cfg.EndpointingMS,
			InterimResults: true,
		}, logger), nil
	case "openai":
		return speech.NewBufferedSTT(speech.NewOpenAISTT(speech.OpenAISTTConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), logger), nil
	default:
		return nil, fmt.Errorf("%w: stt %q", ErrUnknownProvider, cfg.Provider)
	}
}

func buildTTS(cfg config.TTSConfig, logger *zap.Logger) (speech.TTS, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "elevenlabs":
		return speech.NewElevenLabsTTS(speech.ElevenLabsConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			VoiceID:    cfg.Voice,
			SampleRate: cfg.SampleRate,
		}, logger), nil
	case "openai":
		return speech.NewOpenAITTS(speech.OpenAITTSConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Voice:   cfg.Voice,
		}, logger), nil
	default:
		return nil, fmt.Errorf("%w: tts %q", ErrUnknownProvider, cfg.Provider)
	}
}

func buildRealtime(cfg config.PipelineConfig, agentCfg config.AgentConfig, logger *zap.Logger) (voice.Pipeline, error) {
	switch strings.ToLower(cfg.Realtime.Provider) {
	case "", "openai":
	default:
		return nil, fmt.Errorf("%w: realtime %q", ErrUnknownProvider, cfg.Realtime.Provider)
	}
	model := voice.NewOpenAIRealtime(voice.OpenAIRealtimeConfig{
		APIKey:             cfg.Realtime.APIKey,
		URL:                cfg.Realtime.URL,
		Model:              cfg.Realtime.Model,
		Voice:              cfg.Realtime.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		Temperature:        cfg.Realtime.Temperature,
	}, logger)
	p, err := voice.NewRealtimePipeline(voice.RealtimePipelineConfig{
		Model:                model,
		DisableInterruptions: !agentCfg.EnableInterruptions,
		InputSampleRate:      cfg.InputSampleRate,
		ModelSampleRate:      voice.OpenAIRealtimeSampleRate,
	}, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// 🚀 默认入口
// =============================================================================

// EntrypointDeps 默认入口的外部依赖，均可为空
type EntrypointDeps struct {
	Registry *a2a.Registry
	Store    voice.TranscriptStore
	Metrics  *metrics.Collector
	Hooks    voice.Hooks
	Logger   *zap.Logger
}

// NewEntrypoint 按配置组装代理、管线与会话并运行到结束。
// 注册表非空且配置了 domain 时以 A2A 卡片登记代理，配置了问候语时在会话就绪后朗读。
func NewEntrypoint(cfg *config.Config, deps EntrypointDeps) Entrypoint {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job *JobContext) error {
		ag := BuildAgent(cfg.Agent, logger)
		p, err := BuildPipeline(cfg.Pipeline, cfg.Agent, deps.Hooks, logger)
		if err != nil {
			return err
		}
		job.SetPipeline(p)

		if err := job.Connect(ctx); err != nil {
			return err
		}
		ctx = ctxkeys.WithRoomID(ctxkeys.WithAgentID(ctx, ag.ID()), job.RoomOptions().RoomID)

		switch {
		case deps.Registry == nil:
		case strings.TrimSpace(cfg.Agent.Domain) == "":
			logger.Info("agent domain not set, skipping A2A registration", ctxkeys.Fields(ctx)...)
		default:
			proto := a2a.NewProtocol(ag, deps.Registry, a2a.WithMetrics(deps.Metrics), a2a.WithLogger(logger))
			name := cfg.Agent.Name
			if name == "" {
				name = ag.ID()
			}
			card := a2a.NewAgentCard(ag.ID(), name, cfg.Agent.Domain, cfg.Agent.Instructions, cfg.Agent.Capabilities...)
			if err := proto.Register(ctx, card); err != nil {
				return fmt.Errorf("register agent card: %w", err)
			}
			job.AddShutdownCallback(proto.Unregister)
		}

		sessCfg := voice.SessionConfig{
			RoomID:  job.RoomOptions().RoomID,
			Store:   deps.Store,
			Metrics: deps.Metrics,
		}
		if cfg.Agent.WakeUpSeconds > 0 {
			sessCfg.WakeUp = time.Duration(cfg.Agent.WakeUpSeconds) * time.Second
			sessCfg.OnWakeUp = func(ctx context.Context, s *voice.AgentSession) {
				if err := s.Reply(ctx, wakeUpInstructions, false); err != nil {
					logger.Debug("wake-up reply skipped", zap.Error(err))
				}
			}
		}
		session := voice.NewAgentSession(ag, p, sessCfg, logger)
		ctx = ctxkeys.WithSessionID(ctx, session.ID())
		logger.Info("session created", append(ctxkeys.Fields(ctx), zap.String("pipeline", p.Name()))...)
		if g := strings.TrimSpace(cfg.Agent.Greeting); g != "" {
			greetOnReady(ctx, session, g, logger)
		}

		return job.RunUntilShutdown(ctx, session, cfg.VideoSDK.WaitForParticipant)
	}
}

// greetOnReady 会话首次进入 idle 时朗读问候语
func greetOnReady(ctx context.Context, s *voice.AgentSession, greeting string, logger *zap.Logger) {
	var once sync.Once
	s.Events().On(voice.EventAgentStateChanged, func(data any) {
		change, ok := data.(voice.StateChange)
		if !ok || change.From != string(voice.AgentStarting) || change.To != string(voice.AgentIdle) {
			return
		}
		once.Do(func() {
			go func() {
				if err := s.Say(ctx, greeting); err != nil {
					logger.Warn("greeting failed", zap.Error(err))
				}
			}()
		})
	})
}

package voice

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/internal/eventbus"
	"github.com/BaSui01/voiceflow/internal/metrics"
	"github.com/BaSui01/voiceflow/types"
)

// TranscriptStore 会话关闭时持久化对话
type TranscriptStore interface {
	Save(ctx context.Context, sessionID, roomID string, chatCtx *conversation.ChatContext) error
}

// SessionConfig AgentSession 参数
type SessionConfig struct {
	ID     string
	RoomID string
	// WakeUp 无语音超过该时长触发 OnWakeUp，0 关闭
	WakeUp   time.Duration
	OnWakeUp func(ctx context.Context, s *AgentSession)
	Store    TranscriptStore
	Metrics  *metrics.Collector
	// Events 为空时新建
	Events *eventbus.Bus
	// Leaver 离开房间，由传输层提供
	Leaver func(ctx context.Context) error
}

// AgentSession 把 Agent 与 Pipeline 绑定为一次语音会话
type AgentSession struct {
	id       string
	roomID   string
	agent    *agent.Agent
	pipeline Pipeline
	bus      *eventbus.Bus
	metrics  *metrics.Collector
	turns    *TurnCollector
	store    TranscriptStore
	logger   *zap.Logger

	mu         sync.Mutex
	userState  UserState
	agentState AgentState
	wakeUp     time.Duration
	onWakeUp   func(ctx context.Context, s *AgentSession)
	wakeTimer  *time.Timer
	leaver     func(ctx context.Context) error
	baseCtx    context.Context
	startedAt  time.Time

	replying  atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewAgentSession 创建会话并把资源绑定到管线
func NewAgentSession(ag *agent.Agent, p Pipeline, cfg SessionConfig, logger *zap.Logger) *AgentSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	bus := cfg.Events
	if bus == nil {
		bus = eventbus.New(logger)
	}
	s := &AgentSession{
		id:         cfg.ID,
		roomID:     cfg.RoomID,
		agent:      ag,
		pipeline:   p,
		bus:        bus,
		metrics:    cfg.Metrics,
		turns:      NewTurnCollector(cfg.ID, ag.ID(), cfg.Metrics),
		store:      cfg.Store,
		userState:  UserIdle,
		agentState: AgentIdle,
		wakeUp:     cfg.WakeUp,
		onWakeUp:   cfg.OnWakeUp,
		leaver:     cfg.Leaver,
		baseCtx:    context.Background(),
		done:       make(chan struct{}),
		logger: logger.With(
			zap.String("component", "agent_session"),
			zap.String("session_id", cfg.ID),
			zap.String("agent_id", ag.ID()),
		),
	}
	p.Bind(Binding{
		Agent:   ag,
		Events:  bus,
		States:  s,
		Turns:   s.turns,
		Metrics: cfg.Metrics,
	})
	ag.SetSession(s)
	return s
}

func (s *AgentSession) ID() string             { return s.id }
func (s *AgentSession) RoomID() string         { return s.roomID }
func (s *AgentSession) Events() *eventbus.Bus  { return s.bus }
func (s *AgentSession) Agent() *agent.Agent    { return s.agent }
func (s *AgentSession) Pipeline() Pipeline     { return s.pipeline }
func (s *AgentSession) Turns() *TurnCollector  { return s.turns }
func (s *AgentSession) Done() <-chan struct{}  { return s.done }
func (s *AgentSession) Logger() *zap.Logger    { return s.logger }
func (s *AgentSession) StartedAt() time.Time   { s.mu.Lock(); defer s.mu.Unlock(); return s.startedAt }
func (s *AgentSession) Closed() bool           { return s.closing.Load() }
func (s *AgentSession) UserState() UserState   { s.mu.Lock(); defer s.mu.Unlock(); return s.userState }
func (s *AgentSession) AgentState() AgentState { s.mu.Lock(); defer s.mu.Unlock(); return s.agentState }

// SetLeaver 绑定传输层的离开函数
func (s *AgentSession) SetLeaver(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaver = fn
}

// SetUserState 仅在状态变化时发布 user_state_changed
func (s *AgentSession) SetUserState(state UserState) {
	s.mu.Lock()
	old := s.userState
	s.userState = state
	s.mu.Unlock()
	if old == state {
		return
	}
	s.metrics.RecordStateTransition("user", string(old), string(state))
	s.bus.Emit(EventUserStateChanged, StateChange{From: string(old), To: string(state)})
}

// SetAgentState 仅在状态变化时发布 agent_state_changed。closing 之后不再变化。
func (s *AgentSession) SetAgentState(state AgentState) {
	s.mu.Lock()
	old := s.agentState
	if old == AgentClosing || old == state {
		s.mu.Unlock()
		return
	}
	s.agentState = state
	s.mu.Unlock()
	s.metrics.RecordStateTransition("agent", string(old), string(state))
	s.bus.Emit(EventAgentStateChanged, StateChange{From: string(old), To: string(state)})
}

// ResetWakeUp 重新开始唤醒计时
func (s *AgentSession) ResetWakeUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWakeUpLocked()
	if s.wakeUp <= 0 || s.onWakeUp == nil || s.closing.Load() {
		return
	}
	ctx, cb := s.baseCtx, s.onWakeUp
	var t *time.Timer
	t = time.AfterFunc(s.wakeUp, func() {
		s.mu.Lock()
		fire := s.wakeTimer == t && !s.closing.Load()
		if fire {
			s.wakeTimer = nil
		}
		s.mu.Unlock()
		if fire {
			s.logger.Debug("wake-up timer fired")
			cb(ctx, s)
		}
	})
	s.wakeTimer = t
}

// PauseWakeUp 代理说话期间暂停唤醒计时
func (s *AgentSession) PauseWakeUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWakeUpLocked()
}

func (s *AgentSession) stopWakeUpLocked() {
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
}

// SetWakeUp 修改唤醒时长与回调
func (s *AgentSession) SetWakeUp(d time.Duration, fn func(ctx context.Context, s *AgentSession)) {
	s.mu.Lock()
	s.wakeUp, s.onWakeUp = d, fn
	s.mu.Unlock()
	s.ResetWakeUp()
}

// Start 启动会话：连接 MCP、执行 OnEnter、启动管线
func (s *AgentSession) Start(ctx context.Context) error {
	if s.closing.Load() {
		return types.NewError(types.ErrSessionClosed, "session already closed")
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.SetAgentState(AgentStarting)
	if err := s.agent.ConnectMCP(ctx); err != nil {
		s.logger.Error("connect mcp servers", zap.Error(err))
	}
	if err := s.agent.OnEnter(ctx); err != nil {
		return err
	}
	if err := s.pipeline.Start(ctx); err != nil {
		return err
	}
	s.SetAgentState(AgentIdle)
	s.ResetWakeUp()
	s.metrics.SessionStarted(s.agent.ID(), s.pipeline.Name())
	s.logger.Info("session started", zap.String("pipeline", s.pipeline.Name()))
	return nil
}

// Say 朗读文本并记入上下文
func (s *AgentSession) Say(ctx context.Context, text string) error {
	if s.closing.Load() {
		return types.NewError(types.ErrSessionClosed, "session closed")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.agent.ChatContext().AddMessage(types.RoleAssistant, text)
	return s.pipeline.SendMessage(ctx, text)
}

// Reply 以临时指令生成回复。已有回复进行中时丢弃本次请求。
func (s *AgentSession) Reply(ctx context.Context, instructions string, waitForPlayback bool) error {
	if s.closing.Load() {
		return types.NewError(types.ErrSessionClosed, "session closed")
	}
	if strings.TrimSpace(instructions) == "" {
		return nil
	}
	if !s.replying.CompareAndSwap(false, true) {
		s.logger.Warn("reply already in progress, dropping request")
		return types.NewError(types.ErrReplyInProgress, "reply already in progress")
	}
	defer s.replying.Store(false)
	s.PauseWakeUp()
	defer s.ResetWakeUp()
	return s.pipeline.ReplyWithContext(ctx, instructions, waitForPlayback)
}

// Interrupt 打断代理
func (s *AgentSession) Interrupt() {
	if s.closing.Load() {
		return
	}
	s.pipeline.Interrupt()
}

// SendTextMessage 文本输入路径，回复以 text_response 事件发布
func (s *AgentSession) SendTextMessage(ctx context.Context, text string) error {
	if s.closing.Load() {
		return types.NewError(types.ErrSessionClosed, "session closed")
	}
	return s.pipeline.SendTextMessage(ctx, text)
}

// Close 按顺序关闭会话，单步失败只记录日志。可重复调用。
func (s *AgentSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.SetAgentState(AgentClosing)
		s.closing.Store(true)

		s.mu.Lock()
		s.stopWakeUpLocked()
		startedAt := s.startedAt
		s.mu.Unlock()

		if err := s.agent.OnExit(ctx); err != nil {
			s.logger.Error("agent on_exit failed", zap.Error(err))
		}
		if s.store != nil {
			if err := s.store.Save(ctx, s.id, s.roomID, s.agent.ChatContext()); err != nil {
				s.logger.Error("persist transcript failed", zap.Error(err))
			}
		}
		if err := s.pipeline.Cleanup(ctx); err != nil {
			s.logger.Error("pipeline cleanup failed", zap.Error(err))
		}
		s.agent.Cleanup(ctx)
		if !startedAt.IsZero() {
			s.metrics.SessionEnded(s.agent.ID(), time.Since(startedAt))
		}
		close(s.done)
		s.logger.Info("session closed")
	})
	return nil
}

// Leave 离开房间
func (s *AgentSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	leaver := s.leaver
	s.mu.Unlock()
	if leaver == nil {
		return ErrNoTransport
	}
	return leaver(ctx)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/room"
	"github.com/BaSui01/voiceflow/types"
)

// eventSendTimeout 向桥接客户端转发会话事件的写超时
const eventSendTimeout = 2 * time.Second

// RoomOptions 作业加入的房间
type RoomOptions struct {
	// RoomID 为空时通过 REST 创建
	RoomID             string
	AuthToken          string
	Name               string
	AgentParticipantID string
	Playground         bool
	AutoEndSession     bool
	SessionTimeout     time.Duration
	Recording          bool
}

// TransportFactory 按房间创建传输，Connect 时调用
type TransportFactory func(roomID string, agent room.Participant) (room.Transport, error)

// ShutdownCallback 关闭时按注册顺序执行
type ShutdownCallback func(ctx context.Context) error

// eventSender 可向房间客户端推送 JSON 事件的传输（room.Bridge）
type eventSender interface {
	SendEvent(ctx context.Context, ev room.Event) error
}

// sessionTracker 由 Worker 实现
type sessionTracker interface {
	track(s *voice.AgentSession)
	untrack(id string)
}

// JobContext 单个房间作业的运行上下文
type JobContext struct {
	opts         RoomOptions
	client       *room.Client
	newTransport TransportFactory
	tracker      sessionTracker

	mu           sync.Mutex
	logger       *zap.Logger // Connect 后带上 room_id
	room         *room.Room
	transport    room.Transport
	pipeline     voice.Pipeline
	callbacks    []ShutdownCallback
	connected    bool
	shuttingDown bool
	cancel       context.CancelFunc
	pumps        *errgroup.Group
	done         chan struct{}
}

// JobOption 配置 JobContext
type JobOption func(*JobContext)

// WithClient VideoSDK REST 客户端，用于建房与录制
func WithClient(c *room.Client) JobOption {
	return func(j *JobContext) { j.client = c }
}

// WithTransport 固定传输
func WithTransport(t room.Transport) JobOption {
	return func(j *JobContext) { j.transport = t }
}

// WithTransportFactory 房间确定后再创建传输
func WithTransportFactory(f TransportFactory) JobOption {
	return func(j *JobContext) { j.newTransport = f }
}

// WithPipeline 音频泵连接的管线
func WithPipeline(p voice.Pipeline) JobOption {
	return func(j *JobContext) { j.pipeline = p }
}

// WithJobLogger 日志
func WithJobLogger(l *zap.Logger) JobOption {
	return func(j *JobContext) {
		if l != nil {
			j.logger = l
		}
	}
}

func withTracker(t sessionTracker) JobOption {
	return func(j *JobContext) { j.tracker = t }
}

// NewJobContext 创建作业上下文
func NewJobContext(opts RoomOptions, options ...JobOption) *JobContext {
	j := &JobContext{
		opts:   opts,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(j)
	}
	j.logger = j.logger.With(zap.String("component", "job"))
	return j
}

// RoomOptions 当前房间参数，Connect 后包含实际的房间 ID
func (j *JobContext) RoomOptions() RoomOptions {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.opts
}

// Room Connect 之后可用
func (j *JobContext) Room() *room.Room {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.room
}

// Transport Connect 之后可用
func (j *JobContext) Transport() room.Transport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transport
}

// SetPipeline 设置管线，需在 Connect 前调用
func (j *JobContext) SetPipeline(p voice.Pipeline) {
	j.mu.Lock()
	j.pipeline = p
	j.mu.Unlock()
}

// Done 作业关闭后关闭
func (j *JobContext) Done() <-chan struct{} { return j.done }

// AddShutdownCallback 注册关闭回调
func (j *JobContext) AddShutdownCallback(cb ShutdownCallback) {
	if cb == nil {
		return
	}
	j.mu.Lock()
	j.callbacks = append(j.callbacks, cb)
	j.mu.Unlock()
}

// Connect 确定房间、启动音频泵并加入传输。重复调用无操作。
func (j *JobContext) Connect(ctx context.Context) error {
	j.mu.Lock()
	if j.shuttingDown {
		j.mu.Unlock()
		return ErrShuttingDown
	}
	if j.connected {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	roomID := j.opts.RoomID
	if roomID == "" {
		id, err := j.createRoom(ctx)
		if err != nil {
			return err
		}
		roomID = id
	}

	agentP := room.Participant{
		ID:      j.opts.AgentParticipantID,
		Name:    j.opts.Name,
		IsLocal: true,
		IsAgent: true,
	}
	if agentP.ID == "" {
		agentP.ID = "agent"
	}

	j.mu.Lock()
	transport := j.transport
	j.mu.Unlock()
	if transport == nil {
		if j.newTransport == nil {
			return ErrNoTransport
		}
		t, err := j.newTransport(roomID, agentP)
		if err != nil {
			return fmt.Errorf("create transport: %w", err)
		}
		transport = t
	}

	logger := j.log().With(zap.String("room_id", roomID))
	rm := room.New(room.Options{
		RoomID:             roomID,
		Name:               j.opts.Name,
		AgentParticipantID: agentP.ID,
		AutoEndSession:     j.opts.AutoEndSession,
		SessionTimeout:     j.opts.SessionTimeout,
		Recording:          j.opts.Recording,
	}, j.client, logger)

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(pumpCtx)

	j.mu.Lock()
	j.opts.RoomID = roomID
	j.room = rm
	j.transport = transport
	j.cancel = cancel
	j.pumps = g
	j.connected = true
	j.logger = logger
	pipeline := j.pipeline
	j.mu.Unlock()

	g.Go(func() error { return j.pumpEvents(gctx, transport, rm) })
	if pipeline != nil {
		g.Go(func() error { return j.pumpFrames(gctx, transport, pipeline) })
		g.Go(func() error { return j.pumpAudioOut(gctx, transport, pipeline) })
	}

	if err := transport.Join(ctx); err != nil {
		j.rollbackConnect(rm)
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	logger.Info("joined room", zap.String("agent_participant_id", agentP.ID))

	if j.opts.Playground {
		if j.opts.AuthToken == "" {
			j.log().Warn("playground mode needs a videosdk auth token, url not available")
		} else {
			j.log().Info("agent started in playground mode",
				zap.String("url", room.PlaygroundURL(j.opts.AuthToken, roomID)))
		}
	}
	return nil
}

// rollbackConnect 加入失败后停止音频泵并恢复未连接状态，房间号与传输保留供重试
func (j *JobContext) rollbackConnect(rm *room.Room) {
	j.mu.Lock()
	cancel, pumps := j.cancel, j.pumps
	if j.room == rm {
		j.room, j.cancel, j.pumps = nil, nil, nil
		j.connected = false
	}
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pumps != nil {
		_ = pumps.Wait()
	}
	rm.Close()
}

func (j *JobContext) log() *zap.Logger {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logger
}

func (j *JobContext) createRoom(ctx context.Context) (string, error) {
	if j.client == nil || j.client.AuthToken() == "" {
		return "", types.NewError(types.ErrAuthTokenMissing,
			"videosdk auth token is required to create a room; set VIDEOSDK_AUTH_TOKEN").WithCause(room.ErrMissingToken)
	}
	return j.client.CreateRoom(ctx)
}

// pumpEvents 房间事件 -> Room 状态
func (j *JobContext) pumpEvents(ctx context.Context, t room.Transport, rm *room.Room) error {
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			rm.HandleEvent(ctx, ev)
		}
	}
}

// pumpFrames 用户音频 -> 管线
func (j *JobContext) pumpFrames(ctx context.Context, t room.Transport, p voice.Pipeline) error {
	frames := t.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p.OnAudio(frame)
		}
	}
}

// pumpAudioOut 代理音频 -> 传输，发送失败只记录
func (j *JobContext) pumpAudioOut(ctx context.Context, t room.Transport, p voice.Pipeline) error {
	out := p.AudioOut()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-out:
			if !ok {
				return nil
			}
			if err := t.Publish(ctx, frame); err != nil {
				if errors.Is(err, room.ErrNotJoined) || room.IsClosed(err) || ctx.Err() != nil {
					j.log().Debug("drop agent audio", zap.Error(err))
					continue
				}
				j.log().Error("publish agent audio failed", zap.Error(err))
			}
		}
	}
}

// WaitForParticipant 等待参会者加入，id 为空时等待首个非代理参会者
func (j *JobContext) WaitForParticipant(ctx context.Context, id string) (string, error) {
	rm := j.Room()
	if rm == nil {
		return "", ErrNotConnected
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-j.done:
			cancel()
		case <-wctx.Done():
		}
	}()
	found, err := rm.WaitForParticipant(wctx, id)
	if err != nil && ctx.Err() == nil {
		return "", ErrShuttingDown
	}
	return found, err
}

// AttachSession 把会话接到本作业：离开房间走传输，转写推送给桥接客户端，会话登记到 worker
func (j *JobContext) AttachSession(s *voice.AgentSession) {
	s.SetLeaver(j.leave)
	s.Events().On(voice.EventTranscript, func(data any) {
		ev, ok := data.(voice.TranscriptEvent)
		if !ok {
			return
		}
		sender, ok := j.Transport().(eventSender)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventSendTimeout)
		defer cancel()
		err := sender.SendEvent(ctx, room.Event{
			Type: room.EventTranscript,
			Data: map[string]any{
				"session_id": s.ID(),
				"role":       string(ev.Role),
				"text":       ev.Text,
				"final":      ev.Final,
			},
		})
		if err != nil && !room.IsClosed(err) {
			j.log().Debug("forward transcript failed", zap.Error(err))
		}
	})
	if j.tracker != nil {
		j.tracker.track(s)
	}
}

func (j *JobContext) leave(ctx context.Context) error {
	t := j.Transport()
	if t == nil {
		return ErrNotConnected
	}
	return t.Leave(ctx)
}

// Shutdown 依次执行关闭回调、清理管线、离开房间。可重复调用，后续调用等待首次关闭完成。
func (j *JobContext) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	if j.shuttingDown {
		j.mu.Unlock()
		j.log().Debug("job already shutting down")
		select {
		case <-j.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	j.shuttingDown = true
	callbacks := append([]ShutdownCallback(nil), j.callbacks...)
	j.callbacks = nil
	pipeline, transport, rm := j.pipeline, j.transport, j.room
	cancel, pumps := j.cancel, j.pumps
	j.mu.Unlock()

	j.log().Info("job shutting down")
	for i, cb := range callbacks {
		if err := cb(ctx); err != nil {
			j.log().Error("shutdown callback failed", zap.Int("index", i), zap.Error(err))
		}
	}
	if pipeline != nil {
		if err := pipeline.Cleanup(ctx); err != nil {
			j.log().Error("pipeline cleanup failed", zap.Error(err))
		}
	}
	if transport != nil {
		if err := transport.Leave(ctx); err != nil {
			j.log().Error("leave room failed", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if pumps != nil {
		_ = pumps.Wait()
	}
	if rm != nil {
		rm.Close()
	}
	close(j.done)
	j.log().Info("job cleaned up")
	return nil
}

// RunUntilShutdown 连接房间、可选地等待参会者、启动会话，
// 然后阻塞到会话结束、房间结束、ctx 取消或 Shutdown。返回前总会关闭会话与作业。
func (j *JobContext) RunUntilShutdown(ctx context.Context, s *voice.AgentSession, waitForParticipant bool) error {
	var sessionDone <-chan struct{}
	if s != nil {
		j.AttachSession(s)
		sessionDone = s.Done()
		j.AddShutdownCallback(func(ctx context.Context) error {
			j.log().Info("cleaning up session", zap.String("session_id", s.ID()))
			return s.Close(ctx)
		})
	}
	defer func() {
		if s != nil {
			if err := s.Close(context.WithoutCancel(ctx)); err != nil {
				j.log().Error("close session failed", zap.Error(err))
			}
			if j.tracker != nil {
				j.tracker.untrack(s.ID())
			}
		}
		_ = j.Shutdown(context.WithoutCancel(ctx))
	}()

	if err := j.Connect(ctx); err != nil {
		j.log().Error("connect to room failed", zap.Error(err))
		return err
	}

	ended := make(chan string, 1)
	j.Room().OnSessionEnd(func(reason string) {
		select {
		case ended <- reason:
		default:
		}
	})

	if waitForParticipant {
		j.log().Info("waiting for participant")
		id, err := j.WaitForParticipant(ctx, "")
		if errors.Is(err, ErrShuttingDown) {
			return nil
		}
		if err != nil {
			return err
		}
		j.log().Info("participant joined", zap.String("participant_id", id))
	}

	if s != nil {
		if err := s.Start(ctx); err != nil {
			j.log().Error("start session failed", zap.Error(err))
			return fmt.Errorf("start session: %w", err)
		}
		j.log().Info("agent session started", zap.String("session_id", s.ID()))
	}

	j.log().Info("agent is running")
	select {
	case <-ctx.Done():
		j.log().Info("context cancelled, shutting down")
	case reason := <-ended:
		j.log().Info("session ended", zap.String("reason", reason))
	case <-sessionDone:
		j.log().Info("session closed")
	case <-j.done:
	}
	return nil
}

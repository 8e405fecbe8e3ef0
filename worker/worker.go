package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/api/handlers"
	"github.com/BaSui01/voiceflow/room"
)

// DefaultShutdownTimeout Run 结束后清理作业的时限
const DefaultShutdownTimeout = 10 * time.Second

// Entrypoint 作业入口，通常以 job.RunUntilShutdown 结束
type Entrypoint func(ctx context.Context, job *JobContext) error

// Options Worker 参数
type Options struct {
	Room   RoomOptions
	Client *room.Client
	// Registry 为空时 /api/v1/agents 返回空列表
	Registry    *a2a.Registry
	Transcripts handlers.TranscriptLoader

	// 桥接连接的鉴权密钥与允许来源
	BridgeSecret   string
	OriginPatterns []string

	Version   string
	BuildTime string
	GitCommit string

	ShutdownTimeout time.Duration
}

// Stats /api/v1/worker/stats 响应
type Stats struct {
	Jobs     int      `json:"jobs"`
	Sessions int      `json:"sessions"`
	Rooms    []string `json:"rooms"`
	Draining bool     `json:"draining"`
}

// Worker 运行房间作业，登记活动会话，并提供调试 HTTP 接口与桥接入口
type Worker struct {
	opts   Options
	logger *zap.Logger
	hub    *room.Hub
	health *handlers.HealthHandler

	mu       sync.RWMutex
	sessions map[string]*voice.AgentSession
	jobs     map[*JobContext]struct{}
	draining bool
}

var _ handlers.SessionSource = (*Worker)(nil)

// NewWorker 创建 Worker
func NewWorker(opts Options, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	w := &Worker{
		opts:     opts,
		logger:   logger.With(zap.String("component", "worker")),
		hub:      room.NewHub(logger),
		health:   handlers.NewHealthHandler(logger),
		sessions: make(map[string]*voice.AgentSession),
		jobs:     make(map[*JobContext]struct{}),
	}
	w.health.SetVersion(opts.Version)
	w.health.RegisterCheck(handlers.NewPingCheck("worker", func(context.Context) error {
		if w.Draining() {
			return ErrShuttingDown
		}
		return nil
	}))
	return w
}

// Hub 桥接分发器
func (w *Worker) Hub() *room.Hub { return w.hub }

// Health 健康检查处理器，可继续注册数据库、Redis 等检查
func (w *Worker) Health() *handlers.HealthHandler { return w.health }

// Draining 是否已进入关闭流程
func (w *Worker) Draining() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.draining
}

// NewJobContext 创建由本 Worker 管理的作业：传输为挂在 Hub 上的 WebSocket 桥接，
// 会话自动登记，作业结束后移除
func (w *Worker) NewJobContext(opts RoomOptions, extra ...JobOption) *JobContext {
	var (
		mu     sync.Mutex
		bridge *room.Bridge
	)
	factory := func(roomID string, agentP room.Participant) (room.Transport, error) {
		if _, exists := w.hub.Get(roomID); exists {
			return nil, fmt.Errorf("%w: %s", ErrRoomInUse, roomID)
		}
		b := room.NewBridge(room.BridgeConfig{
			RoomID:         roomID,
			Agent:          agentP,
			Secret:         w.opts.BridgeSecret,
			OriginPatterns: w.opts.OriginPatterns,
		}, w.logger)
		w.hub.Add(b)
		mu.Lock()
		bridge = b
		mu.Unlock()
		return b, nil
	}

	options := []JobOption{
		WithClient(w.opts.Client),
		WithJobLogger(w.logger),
		WithTransportFactory(factory),
		withTracker(w),
	}
	j := NewJobContext(opts, append(options, extra...)...)

	w.mu.Lock()
	w.jobs[j] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-j.Done()
		mu.Lock()
		b := bridge
		mu.Unlock()
		if b != nil {
			if cur, ok := w.hub.Get(b.RoomID()); ok && cur == b {
				w.hub.Remove(b.RoomID())
			}
		}
		w.mu.Lock()
		delete(w.jobs, j)
		w.mu.Unlock()
	}()
	return j
}

// Run 以配置的房间参数运行入口，返回前确保作业已关闭。ctx 取消视为正常结束。
func (w *Worker) Run(ctx context.Context, entry Entrypoint) error {
	if w.Draining() {
		return ErrShuttingDown
	}
	job := w.NewJobContext(w.opts.Room)
	w.logger.Info("starting job", zap.String("room_id", w.opts.Room.RoomID))

	err := entry(ctx, job)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
	defer cancel()
	if serr := job.Shutdown(sctx); serr != nil {
		w.logger.Error("job shutdown failed", zap.Error(serr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("job failed", zap.Error(err))
		return err
	}
	w.logger.Info("job finished")
	return nil
}

// Shutdown 停止接受新作业并并发关闭所有作业
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.draining = true
	jobs := make([]*JobContext, 0, len(w.jobs))
	for j := range w.jobs {
		jobs = append(jobs, j)
	}
	w.mu.Unlock()

	w.logger.Info("worker shutting down", zap.Int("jobs", len(jobs)))
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error { return j.Shutdown(gctx) })
	}
	return g.Wait()
}

func (w *Worker) track(s *voice.AgentSession) {
	w.mu.Lock()
	w.sessions[s.ID()] = s
	w.mu.Unlock()
	w.logger.Debug("session tracked", zap.String("session_id", s.ID()))
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
}

// Sessions 活动会话
func (w *Worker) Sessions() []*voice.AgentSession {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*voice.AgentSession, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s)
	}
	return out
}

// Session 按 ID 查找活动会话
func (w *Worker) Session(id string) (*voice.AgentSession, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.sessions[id]
	return s, ok
}

// Stats 运行状态快照
func (w *Worker) Stats() Stats {
	rooms := w.hub.RoomIDs()
	sort.Strings(rooms)
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Jobs:     len(w.jobs),
		Sessions: len(w.sessions),
		Rooms:    rooms,
		Draining: w.draining,
	}
}

// Handler 调试 HTTP 路由
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", w.health.HandleHealth)
	mux.HandleFunc("GET /ready", w.health.HandleReady)
	mux.HandleFunc("GET /version", w.health.HandleVersion(w.opts.Version, w.opts.BuildTime, w.opts.GitCommit))

	sessions := handlers.NewSessionHandler(w, w.opts.Transcripts, w.logger)
	mux.HandleFunc("GET /api/v1/sessions", sessions.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sessions.HandleGet)
	mux.HandleFunc("GET /api/v1/sessions/{id}/turns", sessions.HandleTurns)
	mux.HandleFunc("GET /api/v1/sessions/{id}/transcript", sessions.HandleTranscript)
	mux.HandleFunc("POST /api/v1/sessions/{id}/say", sessions.HandleSay)
	mux.HandleFunc("POST /api/v1/sessions/{id}/interrupt", sessions.HandleInterrupt)

	agents := handlers.NewAgentHandler(w.opts.Registry, w.logger)
	mux.HandleFunc("GET /api/v1/agents", agents.HandleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", agents.HandleGetAgent)

	mux.HandleFunc("GET /api/v1/worker/stats", func(rw http.ResponseWriter, r *http.Request) {
		handlers.WriteSuccess(rw, w.Stats())
	})

	mux.Handle("GET /ws/{roomId}", w.hub)
	return mux
}

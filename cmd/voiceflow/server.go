package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/api/handlers"
	"github.com/BaSui01/voiceflow/config"
	"github.com/BaSui01/voiceflow/internal/cache"
	"github.com/BaSui01/voiceflow/internal/database"
	"github.com/BaSui01/voiceflow/internal/metrics"
	"github.com/BaSui01/voiceflow/internal/server"
	"github.com/BaSui01/voiceflow/internal/telemetry"
	"github.com/BaSui01/voiceflow/worker"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 worker 及其依赖：指标、遥测、转写存储、A2A 目录与两个 HTTP 监听
type Server struct {
	cfg              *config.Config
	logger           *zap.Logger
	metricsNamespace string

	collector *metrics.Collector
	telemetry *telemetry.Providers
	db        *database.PoolManager
	store     *conversation.GormStore
	cache     *cache.Manager
	registry  *a2a.Registry

	worker *worker.Worker
	entry  worker.Entrypoint

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
	shutdownOnce      sync.Once
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return newServer(cfg, logger, "voiceflow")
}

func newServer(cfg *config.Config, logger *zap.Logger, namespace string) *Server {
	return &Server{
		cfg:              cfg,
		logger:           logger,
		metricsNamespace: namespace,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动监听，不运行作业
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start debug server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("debug_port", s.cfg.Server.DebugPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("pipeline", s.cfg.Pipeline.Mode),
	)
	return nil
}

// init 按依赖顺序构建组件
func (s *Server) init() error {
	// 1. 指标
	s.collector = metrics.NewCollector(s.metricsNamespace, s.logger)

	// 2. 遥测
	telCfg := s.cfg.Telemetry
	telCfg.AgentID = s.cfg.Agent.ID
	providers, err := telemetry.Init(telCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers

	// 3. 转写存储（可选）
	s.initDatabase()

	// 4. A2A 目录
	s.initRegistry()

	// 5. 房间客户端
	client, err := newRoomClient(s.cfg.VideoSDK, s.logger)
	if err != nil {
		return err
	}

	// 6. Worker
	var transcripts handlers.TranscriptLoader
	var store voice.TranscriptStore
	if s.store != nil {
		transcripts = s.store
		store = s.store
	}
	vs := s.cfg.VideoSDK
	s.worker = worker.NewWorker(worker.Options{
		Room: worker.RoomOptions{
			RoomID:             vs.RoomID,
			Name:               s.cfg.Agent.Name,
			AgentParticipantID: vs.AgentParticipantID,
			Playground:         vs.Playground,
			AutoEndSession:     vs.AutoEndSession,
			SessionTimeout:     vs.SessionTimeout,
			Recording:          vs.Recording,
		},
		Client:          client,
		Registry:        s.registry,
		Transcripts:     transcripts,
		BridgeSecret:    vs.SecretKey,
		OriginPatterns:  s.cfg.Server.AllowedOrigins,
		Version:         Version,
		BuildTime:       BuildTime,
		GitCommit:       GitCommit,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if s.db != nil {
		s.worker.Health().RegisterCheck(handlers.NewPingCheck("database", s.db.Ping))
	}
	if s.cache != nil {
		s.worker.Health().RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}

	// 7. 入口
	s.entry = worker.NewEntrypoint(s.cfg, worker.EntrypointDeps{
		Registry: s.registry,
		Store:    store,
		Metrics:  s.collector,
		Logger:   s.logger,
	})
	return nil
}

// initDatabase 打开数据库并建表，失败时仅告警，转写不落库
func (s *Server) initDatabase() {
	dbCfg := s.cfg.Database
	if dbCfg.Driver == "" {
		s.logger.Info("Database not configured, transcripts stay in memory")
		return
	}

	pool := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}

	pm, err := database.Open(dbCfg.Driver, dbCfg.DSN(), pool, s.logger)
	if err != nil {
		s.logger.Warn("Failed to open database, transcripts disabled",
			zap.String("driver", dbCfg.Driver), zap.Error(err))
		return
	}
	pm.SetObserver(s.collector)

	store, err := conversation.NewGormStore(pm, s.logger)
	if err != nil {
		s.logger.Warn("Failed to init transcript store", zap.Error(err))
		_ = pm.Close()
		return
	}
	s.db = pm
	s.store = store
	s.logger.Info("Transcript store ready", zap.String("driver", dbCfg.Driver))
}

// initRegistry 配置 Redis 时使用共享目录，否则仅进程内注册
func (s *Server) initRegistry() {
	opts := []a2a.RegistryOption{a2a.WithRegistryLogger(s.logger)}

	rc := s.cfg.Redis
	if rc.Addr != "" {
		cc := cache.DefaultConfig()
		cc.Addr = rc.Addr
		cc.Password = rc.Password
		cc.DB = rc.DB
		if rc.KeyPrefix != "" {
			cc.KeyPrefix = rc.KeyPrefix
		}
		if rc.PoolSize > 0 {
			cc.PoolSize = rc.PoolSize
		}
		mgr, err := cache.NewManager(cc, s.logger)
		if err != nil {
			s.logger.Warn("Redis unavailable, A2A directory is process-local",
				zap.String("addr", rc.Addr), zap.Error(err))
		} else {
			s.cache = mgr
			opts = append(opts, a2a.WithDirectory(a2a.NewRedisDirectory(mgr, 0, s.logger)))
		}
	}
	s.registry = a2a.NewRegistry(opts...)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// debugHandler 调试路由加中间件链
func (s *Server) debugHandler(ctx context.Context) http.Handler {
	srv := s.cfg.Server
	skipAuthPaths := []string{"/health", "/ready", "/version", "/ws/"}
	return Chain(s.worker.Handler(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(srv.AllowedOrigins),
		RateLimiter(ctx, srv.RateLimitRPS, srv.RateLimitBurst, s.logger),
		APIKeyAuth(srv.APIKeys, skipAuthPaths, s.logger),
	)
}

func (s *Server) startHTTPServer() error {
	if s.cfg.Server.DebugPort <= 0 {
		s.logger.Info("Debug server disabled")
		return nil
	}

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.DebugPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager("debug", s.debugHandler(rateLimiterCtx), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🏃 运行与关闭
// =============================================================================

// Run 运行作业直到作业结束、ctx 取消或调试服务异常退出，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.worker.Run(runCtx, s.entry)
		cancel()
	}()

	if s.httpManager != nil {
		if err := s.httpManager.Wait(runCtx); err != nil {
			s.logger.Error("Debug server exited", zap.Error(err))
		}
	} else {
		<-runCtx.Done()
	}
	cancel()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(s.shutdownTimeout()):
		s.logger.Warn("Job did not stop in time")
	}
	s.Shutdown()
	if isShutdownErr(err) {
		return nil
	}
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if d := s.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return worker.DefaultShutdownTimeout
}

// Shutdown 依次关闭 worker、HTTP、存储与遥测，可重复调用
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 作业（会话关闭时写入转写，必须先于数据库）
	if s.worker != nil {
		if err := s.worker.Shutdown(ctx); err != nil {
			s.logger.Error("Worker shutdown error", zap.Error(err))
		}
	}

	// 2. HTTP
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("Debug server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 存储
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}

	// 4. 遥测（最后刷出剩余 span）
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrServerClosed   = errors.New("server: closed")
	ErrAlreadyStarted = errors.New("server: already started")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

// Config 单个监听的参数。WriteTimeout 为 0 表示不限制（/ws 桥接是长连接）
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 调试 API 默认监听 :8081
func DefaultConfig() Config {
	return Config{
		Addr:            ":8081",
		ReadTimeout:     15 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Manager 一个 HTTP 监听（调试 API 或 /metrics）的生命周期：idle -> running -> closed
type Manager struct {
	name   string
	cfg    Config
	srv    *http.Server
	logger *zap.Logger

	mu    sync.Mutex
	state state
	ln    net.Listener

	// done 在 Serve 返回后关闭；failed 携带非正常退出的错误
	done   chan struct{}
	failed error
}

// NewManager name 出现在日志里（debug / metrics）
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "http"
	}
	return &Manager{
		name: name,
		cfg:  cfg,
		srv: &http.Server{
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
		done:   make(chan struct{}),
	}
}

// Start 绑定端口后立即返回，请求在后台处理
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrServerClosed
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", m.name, m.cfg.Addr, err)
	}
	m.ln = ln
	m.state = stateRunning
	m.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("serve failed", zap.Error(err))
			m.mu.Lock()
			m.failed = err
			m.mu.Unlock()
		}
	}()
	return nil
}

// Wait 阻塞到 ctx 结束或监听异常退出，随后关闭服务器。
// 仅异常退出时返回错误
func (m *Manager) Wait(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
	case <-m.done:
		m.mu.Lock()
		err = m.failed
		m.mu.Unlock()
	}
	if shutdownErr := m.Shutdown(context.Background()); shutdownErr != nil {
		m.logger.Warn("shutdown error", zap.Error(shutdownErr))
	}
	return err
}

// Shutdown 在 ShutdownTimeout 内排空连接，可重复调用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	m.state = stateClosed
	m.mu.Unlock()

	if prev != stateRunning {
		return nil
	}

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: shutdown: %w", m.name, err)
	}
	m.logger.Info("stopped")
	return nil
}

// ListenAddr 实际绑定的地址（配置 ":0" 时有用），未启动返回空串
func (m *Manager) ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Running 已启动且未关闭
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}

package handlers

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 存活 / 就绪 / 版本
// =============================================================================

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	checkPass       = "pass"
	checkFail       = "fail"
)

// DefaultCheckTimeout 单个就绪检查的超时
const DefaultCheckTimeout = 3 * time.Second

// HealthCheck 就绪探针。worker 自身、数据库、Redis 各注册一个
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个探针的结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthHandler 探针注册表，/ready 并发执行全部探针
type HealthHandler struct {
	logger       *zap.Logger
	started      time.Time
	checkTimeout time.Duration

	mu      sync.RWMutex
	version string
	checks  []HealthCheck
}

// NewHealthHandler logger 可为 nil
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:       logger.With(zap.String("component", "health")),
		started:      time.Now(),
		checkTimeout: DefaultCheckTimeout,
	}
}

// SetVersion 设置响应里的版本号
func (h *HealthHandler) SetVersion(version string) {
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()
}

// SetCheckTimeout d<=0 时忽略
func (h *HealthHandler) SetCheckTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.checkTimeout = d
	h.mu.Unlock()
}

// RegisterCheck 注册探针；同名探针被替换
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.IndexFunc(h.checks, func(c HealthCheck) bool { return c.Name() == check.Name() }); i >= 0 {
		h.checks[i] = check
		return
	}
	h.checks = append(h.checks, check)
}

// HandleHealth 存活探针，不执行任何检查
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.status(statusHealthy, nil))
}

// HandleReady 就绪探针，任一检查失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	results, ok := h.runChecks(r.Context())
	if !ok {
		WriteJSON(w, http.StatusServiceUnavailable, h.status(statusUnhealthy, results))
		return
	}
	WriteJSON(w, http.StatusOK, h.status(statusHealthy, results))
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

func (h *HealthHandler) status(s string, checks map[string]CheckResult) HealthStatus {
	h.mu.RLock()
	version := h.version
	h.mu.RUnlock()
	return HealthStatus{
		Status:    s,
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
		Checks:    checks,
	}
}

// runChecks 并发执行探针。探针失败不取消其他探针
func (h *HealthHandler) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	timeout := h.checkTimeout
	h.mu.RUnlock()

	if len(checks) == 0 {
		return nil, true
	}

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: checkPass, Latency: time.Since(start).String()}
			if err != nil {
				res.Status = checkFail
				res.Message = err.Error()
				h.logger.Warn("readiness check failed", zap.String("check", c.Name()), zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checks))
	ok := true
	for i, c := range checks {
		out[c.Name()] = results[i]
		ok = ok && results[i].Status == checkPass
	}
	return out, ok
}

// =============================================================================
// PingCheck
// =============================================================================

// PingCheck 把任意 Ping(ctx) error 包装为 HealthCheck
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 例如 NewPingCheck("redis", cacheManager.Ping)
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

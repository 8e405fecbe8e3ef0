package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/voiceflow/llm/retry"
)

// ErrPoolClosed Close 之后的任何调用
var ErrPoolClosed = errors.New("database: pool is closed")

// QueryObserver 事务耗时回调，metrics.Collector 实现了它
type QueryObserver interface {
	RecordDBQuery(operation string, duration time.Duration)
}

// PoolConfig database/sql 连接池参数
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns        int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 一个 worker 只写少量会话
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        2,
		MaxOpenConns:        10,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: time.Minute,
	}
}

func (c PoolConfig) Validate() error {
	var problems []error
	if c.MaxOpenConns <= 0 {
		problems = append(problems, errors.New("max_open_conns must be positive"))
	}
	if c.MaxIdleConns <= 0 {
		problems = append(problems, errors.New("max_idle_conns must be positive"))
	} else if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		problems = append(problems, errors.New("max_idle_conns must not exceed max_open_conns"))
	}
	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	return nil
}

func (c PoolConfig) apply(db *sql.DB) {
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// PoolManager 转写存储使用的 gorm 连接池
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	cfg    PoolConfig
	logger *zap.Logger

	mu       sync.RWMutex
	observer QueryObserver
	closed   bool
	stop     context.CancelFunc
}

// NewPoolManager 接管已打开的 gorm.DB；HealthCheckInterval>0 时后台周期 Ping
func NewPoolManager(db *gorm.DB, cfg PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("database: db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: underlying sql.DB: %w", err)
	}
	cfg.apply(sqlDB)

	ctx, stop := context.WithCancel(context.Background())
	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   stop,
	}
	if cfg.HealthCheckInterval > 0 {
		go pm.watch(ctx)
	}
	pm.logger.Info("database pool ready",
		zap.String("dialect", db.Dialector.Name()),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return pm, nil
}

func (pm *PoolManager) SetObserver(o QueryObserver) {
	pm.mu.Lock()
	pm.observer = o
	pm.mu.Unlock()
}

func (pm *PoolManager) DB() *gorm.DB { return pm.db }

func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

func (pm *PoolManager) Stats() sql.DBStats { return pm.sqlDB.Stats() }

// Close 幂等
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	pm.stop()
	return pm.sqlDB.Close()
}

func (pm *PoolManager) watch(ctx context.Context) {
	ticker := time.NewTicker(pm.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.Ping(pingCtx)
		cancel()
		switch {
		case errors.Is(err, ErrPoolClosed), ctx.Err() != nil:
			return
		case err != nil:
			pm.logger.Error("database ping failed", zap.Error(err))
		default:
			s := pm.Stats()
			pm.logger.Debug("database ping ok", zap.Int("open", s.OpenConnections), zap.Int("in_use", s.InUse))
		}
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 在事务内执行，返回错误即回滚
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 单次事务，耗时上报给 observer
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed, observer := pm.closed, pm.observer
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}

	start := time.Now()
	err := pm.db.WithContext(ctx).Transaction(fn)
	if observer != nil {
		observer.RecordDBQuery("transaction", time.Since(start))
	}
	return err
}

// WithTransactionRetry 最多执行 attempts 次，只对 IsTransient 的错误退避重试
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	r := retry.New(retry.Policy{
		MaxRetries:   max(attempts, 1) - 1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		ShouldRetry:  IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			pm.logger.Warn("transaction retry", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}, pm.logger)
	return r.Do(ctx, "transaction", func(ctx context.Context) error {
		return pm.WithTransaction(ctx, fn)
	})
}

// transientMarkers 死锁、序列化冲突、连接抖动与 SQLite 忙，统一小写
var transientMarkers = []string{
	"deadlock",
	"serialization failure",
	"could not serialize",
	"40001",
	"lock wait timeout",
	"lock timeout",
	"database is locked",
	"bad connection",
	"connection reset",
	"connection refused",
	"broken pipe",
}

// IsTransient 错误值得重试。ErrPoolClosed 与 ctx 取消永远不是
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 管理器
// =============================================================================

var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache: miss")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache: manager is closed")
)

// Manager Redis 管理器。A2A 目录用它在多个进程间共享 AgentCard。
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
}

// Config Redis 配置
type Config struct {
	Addr                string        `yaml:"addr" json:"addr"`
	Password            string        `yaml:"password" json:"password"`
	DB                  int           `yaml:"db" json:"db"`
	KeyPrefix           string        `yaml:"key_prefix" json:"key_prefix"`
	DefaultTTL          time.Duration `yaml:"default_ttl" json:"default_ttl"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	PoolSize            int           `yaml:"pool_size" json:"pool_size"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "voiceflow:",
		DefaultTTL:          0,
		MaxRetries:          3,
		PoolSize:            10,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 创建管理器并 Ping 一次
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stopCh: make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	m.logger.Info("redis manager initialized", zap.String("addr", config.Addr))
	return m, nil
}

// Key 为 key 加上配置的前缀
func (m *Manager) Key(parts ...string) string {
	k := m.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Get 获取字符串值，不存在返回 ErrCacheMiss
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	val, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// Set 写入字符串值，ttl 为 0 时使用 DefaultTTL（也为 0 则不过期）
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	if err := m.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		m.logger.Error("redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// GetJSON 读取并反序列化 JSON 值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON 序列化并写入 JSON 值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除键
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("redis delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// =============================================================================
// 📚 集合操作（A2A 领域索引）
// =============================================================================

// SAdd 向集合添加成员
func (m *Manager) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	args := make([]any, len(members))
	for i, s := range members {
		args[i] = s
	}
	if err := m.redis.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache sadd: %w", err)
	}
	return nil
}

// SRem 从集合移除成员
func (m *Manager) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	args := make([]any, len(members))
	for i, s := range members {
		args[i] = s
	}
	if err := m.redis.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache srem: %w", err)
	}
	return nil
}

// SMembers 返回集合全部成员
func (m *Manager) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	members, err := m.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers: %w", err)
	}
	return members, nil
}

// Scan 返回匹配 pattern 的全部键
func (m *Manager) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	var keys []string
	iter := m.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return keys, nil
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭管理器，幂等
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.logger.Info("closing redis manager")
	return m.redis.Close()
}

func (m *Manager) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// IsCacheMiss 判断是否为未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

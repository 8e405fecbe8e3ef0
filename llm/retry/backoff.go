package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/types"
)

// Policy 指数退避重试策略
type Policy struct {
	MaxRetries   int           // 最大重试次数，0 表示只执行一次
	InitialDelay time.Duration // 第一次重试前的等待
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // ±25% 随机抖动

	// ShouldRetry 判断错误是否值得重试，nil 时使用 DefaultShouldRetry
	ShouldRetry func(err error) bool
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 房间连接阶段的默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   16,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// WithMaxRetries 返回修改了重试次数的副本
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Retryer 执行带退避的重试
type Retryer struct {
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New 创建重试器，非法参数会被修正为默认值
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = DefaultShouldRetry
	}
	return &Retryer{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
	}
}

// Policy 返回生效的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行 fn，失败时按策略重试。op 仅用于日志。
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 泛型版本，返回 fn 的结果
func Do[T any](ctx context.Context, r *Retryer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("%s: retry cancelled after %d attempts: %w", op, attempt, errors.Join(err, lastErr))
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.String("op", op), zap.Int("attempt", attempt))
			}
			return v, nil
		}
		lastErr = err
		if !r.policy.ShouldRetry(err) {
			return zero, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return zero, fmt.Errorf("%s: failed after %d retries: %w", op, r.policy.MaxRetries, lastErr)
}

// delay = initial * multiplier^(attempt-1)，封顶 MaxDelay
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultShouldRetry 除以下情况外都重试：
// context 取消/超时、Permanent 包装的错误、Retryable=false 的 *types.Error
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return false
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// PermanentError 标记不应重试的错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 包装 err 使其不被重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/types"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_Do(t *testing.T) {
	transient := errors.New("connection reset")
	tt := []struct {
		name       string
		maxRetries int
		failFirst  int
		err        error
		wantCalls  int
		wantErr    bool
	}{
		{"first try succeeds", 3, 0, transient, 1, false},
		{"succeeds after retries", 3, 2, transient, 3, false},
		{"exhausted", 2, 10, transient, 3, true},
		{"permanent not retried", 3, 10, Permanent(transient), 1, true},
		{"non retryable typed error", 3, 10, types.NewError(types.ErrUnauthorized, "bad token"), 1, true},
		{"retryable typed error", 3, 1, types.NewError(types.ErrUpstreamError, "502").WithRetryable(true), 2, false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r := New(fastPolicy(tc.maxRetries), zap.NewNop())
			calls := 0
			err := r.Do(context.Background(), "create room", func(context.Context) error {
				calls++
				if calls <= tc.failFirst {
					return tc.err
				}
				return nil
			})
			assert.Equal(t, tc.wantCalls, calls)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryer_ExhaustedWrapsLastError(t *testing.T) {
	r := New(fastPolicy(1), nil)
	boom := errors.New("boom")
	err := r.Do(context.Background(), "validate room", func(context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "validate room: failed after 1 retries")
}

func TestRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	r := New(Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	boom := errors.New("boom")
	err := r.Do(ctx, "create room", func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryer_Delay(t *testing.T) {
	r := New(Policy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)
	tt := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
	}
	for _, tc := range tt {
		assert.Equal(t, tc.want, r.delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRetryer_JitterStaysInBounds(t *testing.T) {
	r := New(Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, nil)
	for i := 0; i < 100; i++ {
		d := r.delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestRetryer_OnRetryAndGeneric(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		assert.Greater(t, delay, time.Duration(0))
	}
	r := New(p, nil)

	calls := 0
	id, err := Do(context.Background(), r, "create room", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "abcd-efgh-ijkl", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abcd-efgh-ijkl", id)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestNew_NormalisesPolicy(t *testing.T) {
	r := New(Policy{MaxRetries: -1, Multiplier: 0.5}, nil)
	p := r.Policy()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, DefaultPolicy().InitialDelay, p.InitialDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.NotNil(t, p.ShouldRetry)
	assert.Equal(t, 16, DefaultPolicy().MaxRetries)
	assert.Equal(t, 4, DefaultPolicy().WithMaxRetries(4).MaxRetries)
}

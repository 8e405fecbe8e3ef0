package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func probe(name string, err error) *PingCheck {
	return NewPingCheck(name, func(context.Context) error { return err })
}

func getStatus(t *testing.T, h http.HandlerFunc, path string) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, path, nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_LivenessSkipsChecks(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.SetVersion("0.3.0")
	var calls atomic.Int32
	h.RegisterCheck(NewPingCheck("redis", func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}))

	code, status := getStatus(t, h.HandleHealth, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "0.3.0", status.Version)
	assert.NotEmpty(t, status.Uptime)
	assert.Empty(t, status.Checks)
	assert.Zero(t, calls.Load())
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		code   int
		status string
		want   map[string]string
	}{
		{name: "no checks", code: http.StatusOK, status: "healthy"},
		{
			name:   "worker and database up",
			checks: []HealthCheck{probe("worker", nil), probe("database", nil)},
			code:   http.StatusOK,
			status: "healthy",
			want:   map[string]string{"worker": "pass", "database": "pass"},
		},
		{
			name:   "redis down",
			checks: []HealthCheck{probe("worker", nil), probe("redis", errors.New("connection refused"))},
			code:   http.StatusServiceUnavailable,
			status: "unhealthy",
			want:   map[string]string{"worker": "pass", "redis": "fail"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}
			code, status := getStatus(t, h.HandleReady, "/ready")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, status.Status)
			require.Len(t, status.Checks, len(tt.want))
			for name, want := range tt.want {
				assert.Equal(t, want, status.Checks[name].Status, name)
			}
		})
	}
}

func TestHealthHandler_FailureMessage(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterCheck(probe("database", errors.New("database is locked")))

	_, status := getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, "database is locked", status.Checks["database"].Message)
	assert.NotEmpty(t, status.Checks["database"].Latency)
}

func TestHealthHandler_RegisterReplacesByName(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterCheck(probe("redis", errors.New("down")))
	h.RegisterCheck(probe("redis", nil))

	code, status := getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, status.Checks, 1)
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(nil)
	release := make(chan struct{})
	var started atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		h.RegisterCheck(NewPingCheck(name, func(ctx context.Context) error {
			if started.Add(1) == 3 {
				close(release)
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	code, _ := getStatus(t, h.HandleReady, "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	h := NewHealthHandler(nil)
	h.SetCheckTimeout(20 * time.Millisecond)
	h.SetCheckTimeout(0)
	h.RegisterCheck(NewPingCheck("videosdk", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	code, status := getStatus(t, h.HandleReady, "/ready")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["videosdk"].Message)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	h.HandleVersion("1.0.0", "2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["version"])
	assert.Equal(t, "2026-01-01T00:00:00Z", data["build_time"])
	assert.Equal(t, "abc123", data["git_commit"])
}

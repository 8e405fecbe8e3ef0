package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func localManager(t *testing.T, h http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager("test", h, cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8081", cfg.Addr)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestManager_Lifecycle(t *testing.T) {
	m := localManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	assert.False(t, m.Running())
	assert.Empty(t, m.ListenAddr())

	require.NoError(t, m.Start())
	assert.True(t, m.Running())

	resp, err := http.Get("http://" + m.ListenAddr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.Running())
	assert.ErrorIs(t, m.Start(), ErrServerClosed)
}

func TestManager_DoubleStart(t *testing.T) {
	m := localManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrAlreadyStarted)
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := localManager(t, http.NewServeMux())
	assert.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorIs(t, m.Start(), ErrServerClosed)
}

func TestManager_StartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.Addr = ln.Addr().String()
	m := NewManager("metrics", http.NewServeMux(), cfg, nil)
	err = m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics: listen on")
	assert.False(t, m.Running())
}

func TestManager_WaitReturnsOnCancel(t *testing.T) {
	m := localManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Wait(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	assert.False(t, m.Running())
}

func TestManager_WaitAfterShutdown(t *testing.T) {
	m := localManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	// Serve 已返回 ErrServerClosed，不算异常
	assert.NoError(t, m.Wait(context.Background()))
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/api/handlers"
	"github.com/BaSui01/voiceflow/llm/speech"
	"github.com/BaSui01/voiceflow/room"
	"github.com/BaSui01/voiceflow/types"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestWorker_Handler(t *testing.T) {
	reg := a2a.NewRegistry()
	require.NoError(t, reg.Register(context.Background(),
		a2a.NewAgentCard("doctor", "Doctor", "medical", "", "medical_query"), nil))

	w := NewWorker(Options{Registry: reg, Version: "1.0.0", BuildTime: "today", GitCommit: "abc"}, zap.NewNop())
	s := newTestSession(newFakePipeline(), "s1")
	w.track(s)
	h := w.Handler()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "health", path: "/health", status: http.StatusOK},
		{name: "ready", path: "/ready", status: http.StatusOK},
		{name: "version", path: "/version", status: http.StatusOK},
		{name: "sessions", path: "/api/v1/sessions", status: http.StatusOK},
		{name: "session", path: "/api/v1/sessions/s1", status: http.StatusOK},
		{name: "turns", path: "/api/v1/sessions/s1/turns", status: http.StatusOK},
		{name: "transcript", path: "/api/v1/sessions/s1/transcript", status: http.StatusOK},
		{name: "unknown session", path: "/api/v1/sessions/nope", status: http.StatusNotFound},
		{name: "agents", path: "/api/v1/agents", status: http.StatusOK},
		{name: "agent", path: "/api/v1/agents/doctor", status: http.StatusOK},
		{name: "stats", path: "/api/v1/worker/stats", status: http.StatusOK},
		{name: "no bridge", path: "/ws/unknown", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, get(t, h, tt.path).Code)
		})
	}

	t.Run("say needs post", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/api/v1/sessions/s1/say").Code)
	})
}

func TestWorker_SessionTracking(t *testing.T) {
	w := NewWorker(Options{}, nil)
	s1 := newTestSession(newFakePipeline(), "s1")
	s2 := newTestSession(newFakePipeline(), "s2")

	w.track(s1)
	w.track(s2)
	assert.Len(t, w.Sessions(), 2)
	got, ok := w.Session("s2")
	require.True(t, ok)
	assert.Same(t, s2, got)

	w.untrack("s1")
	_, ok = w.Session("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, w.Stats().Sessions)
}

func TestWorker_ReadyWhileDraining(t *testing.T) {
	w := NewWorker(Options{}, nil)
	h := w.Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/ready").Code)

	require.NoError(t, w.Shutdown(context.Background()))
	assert.True(t, w.Draining())

	resp := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	var status handlers.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "fail", status.Checks["worker"].Status)

	err := w.Run(context.Background(), func(context.Context, *JobContext) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestWorker_JobBridgeLifecycle(t *testing.T) {
	w := NewWorker(Options{}, nil)

	j1 := w.NewJobContext(RoomOptions{RoomID: "r1"})
	require.NoError(t, j1.Connect(context.Background()))
	b, ok := w.Hub().Get("r1")
	require.True(t, ok)
	assert.Same(t, b, j1.Transport())

	j2 := w.NewJobContext(RoomOptions{RoomID: "r1"})
	assert.ErrorIs(t, j2.Connect(context.Background()), ErrRoomInUse)
	assert.Equal(t, 2, w.Stats().Jobs)

	require.NoError(t, j1.Shutdown(context.Background()))
	require.NoError(t, j2.Shutdown(context.Background()))
	assert.Eventually(t, func() bool {
		_, ok := w.Hub().Get("r1")
		return !ok && w.Stats().Jobs == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_Run(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		entry   Entrypoint
		wantErr error
	}{
		{name: "ok", entry: func(context.Context, *JobContext) error { return nil }},
		{name: "cancelled", entry: func(context.Context, *JobContext) error { return context.Canceled }},
		{name: "failure", entry: func(context.Context, *JobContext) error { return boom }, wantErr: boom},
		{
			name: "typed error",
			entry: func(ctx context.Context, job *JobContext) error {
				return job.Connect(ctx)
			},
			wantErr: room.ErrMissingToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorker(Options{}, nil)
			var job *JobContext
			err := w.Run(context.Background(), func(ctx context.Context, j *JobContext) error {
				job = j
				return tt.entry(ctx, j)
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			require.NotNil(t, job)
			assert.True(t, closed(job.Done()))
		})
	}
}

func TestWorker_ShutdownStopsRunningJob(t *testing.T) {
	w := NewWorker(Options{Room: RoomOptions{RoomID: "r1"}}, nil)
	fp := newFakePipeline()
	s := newTestSession(fp, "s1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(context.Background(), func(ctx context.Context, job *JobContext) error {
			job.SetPipeline(fp)
			return job.RunUntilShutdown(ctx, s, false)
		})
	}()

	assert.Eventually(t, func() bool { _, ok := w.Session("s1"); return ok && !s.StartedAt().IsZero() },
		time.Second, 5*time.Millisecond)
	require.NoError(t, w.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.True(t, s.Closed())
	assert.Empty(t, w.Sessions())
}

// 浏览器客户端经 /ws/{roomId} 接入：推送音频、收到代理音频与转写，断开后会话自动结束
func TestWorker_BridgeEndToEnd(t *testing.T) {
	w := NewWorker(Options{Room: RoomOptions{RoomID: "r1", AutoEndSession: true}}, nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	fp := newFakePipeline()
	s := newTestSession(fp, "s-e2e")
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(context.Background(), func(ctx context.Context, job *JobContext) error {
			job.SetPipeline(fp)
			return job.RunUntilShutdown(ctx, s, true)
		})
	}()

	assert.Eventually(t, func() bool { _, ok := w.Hub().Get("r1"); return ok }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/r1", nil)
	require.NoError(t, err)

	require.NoError(t, wsjson.Write(ctx, conn, room.Event{
		Type:        room.EventParticipantJoined,
		Participant: &room.Participant{ID: "u1", Name: "Alice"},
	}))
	assert.Eventually(t, func() bool { return !s.StartedAt().IsZero() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{1, 0, 2, 0}))
	assert.Eventually(t, func() bool { return fp.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	fp.out <- speech.AudioFrame{Data: []byte{7, 7}, SampleRate: 24000, Channels: 1}
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, []byte{7, 7}, data)

	s.Events().Emit(voice.EventTranscript, voice.TranscriptEvent{Role: types.RoleAssistant, Text: "hello", Final: true})
	var ev room.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, room.EventTranscript, ev.Type)
	assert.Equal(t, "hello", ev.Data["text"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after the client left")
	}
	assert.True(t, s.Closed())
	assert.Eventually(t, func() bool { _, ok := w.Hub().Get("r1"); return !ok }, time.Second, 5*time.Millisecond)
}

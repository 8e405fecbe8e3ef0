package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/types"
)

func textChan(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(t *testing.T, frames <-chan AudioFrame) []AudioFrame {
	t.Helper()
	var out []AudioFrame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
}

func TestElevenLabsTTS_Synthesize(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/"+DefaultElevenLabsVoice+"/stream", r.URL.Path)
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		var body elevenLabsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "eleven_flash_v2_5", body.ModelID)
		mu.Lock()
		texts = append(texts, body.Text)
		mu.Unlock()
		// 1.5 帧的 PCM
		_, _ = w.Write(make([]byte, 1440))
	}))
	defer srv.Close()

	tts := NewElevenLabsTTS(ElevenLabsConfig{APIKey: "el-key", BaseURL: srv.URL}, zap.NewNop())
	assert.Equal(t, 24000, tts.SampleRate())
	assert.Equal(t, "elevenlabs", tts.Name())

	frames, err := tts.Synthesize(context.Background(), textChan("Hello there. ", "How can I", " help?"))
	require.NoError(t, err)
	got := collect(t, frames)

	mu.Lock()
	assert.Equal(t, []string{"Hello there.", "How can I help?"}, texts)
	mu.Unlock()
	require.Len(t, got, 4)
	assert.Len(t, got[0].Data, 960)
	assert.Len(t, got[1].Data, 480)
	assert.Equal(t, 20*time.Millisecond, got[0].Duration())
	assert.Equal(t, 24000, got[0].SampleRate)
	assert.Equal(t, 1, got[0].Channels)
}

func TestElevenLabsTTS_ErrorEndsStream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	tts := NewElevenLabsTTS(ElevenLabsConfig{BaseURL: srv.URL}, nil)
	frames, err := tts.Synthesize(context.Background(), textChan("One! Two!"))
	require.NoError(t, err)

	got := collect(t, frames)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Data)
	require.Error(t, got[0].Err)
	assert.True(t, types.IsErrorCode(got[0].Err, types.ErrUnauthorized))
	// 首句失败后不再请求后续句子
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAITTS_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body openAISpeechRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pcm", body.ResponseFormat)
		assert.Equal(t, "alloy", body.Voice)
		assert.Equal(t, "Welcome back", body.Input)
		_, _ = w.Write(make([]byte, 1920))
	}))
	defer srv.Close()

	tts := NewOpenAITTS(OpenAITTSConfig{APIKey: "sk-test", BaseURL: srv.URL}, nil)
	frames, err := tts.Synthesize(context.Background(), textChan("Welcome back"))
	require.NoError(t, err)
	assert.Len(t, collect(t, frames), 2)
}

func TestTTS_InterruptStopsStreaming(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 960))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tts := NewOpenAITTS(OpenAITTSConfig{BaseURL: srv.URL}, nil)
	text := make(chan string)
	frames, err := tts.Synthesize(context.Background(), text)
	require.NoError(t, err)

	text <- "First sentence. "
	first := <-frames
	assert.Len(t, first.Data, 960)

	tts.Interrupt()
	// 排队文本被丢弃，不会阻塞生产者
	select {
	case text <- "ignored":
	case <-time.After(time.Second):
		t.Fatal("producer blocked after interrupt")
	}
	close(text)

	for range frames {
	}
}

func TestSynthesize_NilChannel(t *testing.T) {
	_, err := NewOpenAITTS(OpenAITTSConfig{}, nil).Synthesize(context.Background(), nil)
	assert.Error(t, err)
}

func TestTTS_CloseRejectsSynthesize(t *testing.T) {
	tts := NewOpenAITTS(OpenAITTSConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, tts.Close())
	require.NoError(t, tts.Close())

	_, err := tts.Synthesize(context.Background(), textChan("hello"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTranscriber struct {
	transcribeFn func(ctx context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error)
}

func (m *mockTranscriber) Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error) {
	return m.transcribeFn(ctx, pcm, cfg)
}

func (m *mockTranscriber) Name() string { return "mock" }

func TestEncodeWAV(t *testing.T) {
	pcm := make([]byte, 320)
	wav := EncodeWAV(pcm, 16000, 1)
	require.Len(t, wav, 44+320)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(36+320), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(wav[28:32]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(320), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestFrameBytes(t *testing.T) {
	assert.Equal(t, 960, FrameBytes(24000, 1, 20*time.Millisecond))
	assert.Equal(t, 3840, FrameBytes(48000, 2, 20*time.Millisecond))
}

func TestOpenAISTT_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "audio.wav", hdr.Filename)
		assert.Equal(t, "RIFF", string(data[:4]))
		_, _ = w.Write([]byte(`{"text":" what time is it? ","language":"english","duration":1.2}`))
	}))
	defer srv.Close()

	stt := NewOpenAISTT(OpenAISTTConfig{APIKey: "sk-test", BaseURL: srv.URL})
	tr, err := stt.Transcribe(context.Background(), make([]byte, 640), StreamConfig{SampleRate: 16000, Language: "en-US"})
	require.NoError(t, err)
	assert.Equal(t, "what time is it?", tr.Text)
	assert.Equal(t, 1200*time.Millisecond, tr.Duration)
}

func TestOpenAISTT_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAISTT(OpenAISTTConfig{BaseURL: srv.URL}).Transcribe(context.Background(), []byte{0, 0}, StreamConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}

func TestBufferedSTT_FlushEmitsFinal(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte
	tr := &mockTranscriber{transcribeFn: func(_ context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error) {
		mu.Lock()
		got = append(got, pcm)
		mu.Unlock()
		assert.Equal(t, 48000, cfg.SampleRate)
		return &Transcript{Text: "turn on the lights", Confidence: 0.9}, nil
	}}

	stream, err := NewBufferedSTT(tr, nil).Start(context.Background(), StreamConfig{})
	require.NoError(t, err)

	require.NoError(t, stream.Send([]byte{1, 2}))
	require.NoError(t, stream.Send([]byte{3, 4}))
	require.NoError(t, stream.Flush())

	ev := <-stream.Events()
	assert.Equal(t, STTFinal, ev.Type)
	assert.Equal(t, "turn on the lights", ev.Text)

	// 空缓冲 flush 不触发识别
	require.NoError(t, stream.Flush())
	require.NoError(t, stream.Close())
	_, open := <-stream.Events()
	assert.False(t, open)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{{1, 2, 3, 4}}, got)
	assert.ErrorIs(t, stream.Send([]byte{0}), ErrStreamClosed)
	assert.ErrorIs(t, stream.Flush(), ErrStreamClosed)
}

func TestBufferedSTT_DropsEmptyTranscript(t *testing.T) {
	tr := &mockTranscriber{transcribeFn: func(context.Context, []byte, StreamConfig) (*Transcript, error) {
		return &Transcript{}, nil
	}}
	stream, err := NewBufferedSTT(tr, nil).Start(context.Background(), StreamConfig{})
	require.NoError(t, err)
	require.NoError(t, stream.Send([]byte{1, 2}))
	require.NoError(t, stream.Flush())
	require.NoError(t, stream.Close())

	_, open := <-stream.Events()
	assert.False(t, open)
}

func TestBufferedSTT_TranscriptionErrorIsEmitted(t *testing.T) {
	boom := errors.New("whisper unavailable")
	tr := &mockTranscriber{transcribeFn: func(context.Context, []byte, StreamConfig) (*Transcript, error) {
		return nil, boom
	}}
	stream, err := NewBufferedSTT(tr, nil).Start(context.Background(), StreamConfig{})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send([]byte{1, 2}))
	require.NoError(t, stream.Flush())

	select {
	case ev := <-stream.Events():
		assert.Equal(t, STTError, ev.Type)
		assert.ErrorIs(t, ev.Err, boom)
		assert.Empty(t, ev.Text)
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

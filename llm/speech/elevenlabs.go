package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
)

// DefaultElevenLabsVoice Rachel
const DefaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"

// ElevenLabsConfig ElevenLabs TTS 配置
type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	VoiceID    string
	SampleRate int // 16000/22050/24000/44100
	Timeout    time.Duration
}

// ElevenLabsTTS 流式 PCM 合成
type ElevenLabsTTS struct {
	*ttsStreamer
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsTTS(cfg ElevenLabsConfig, logger *zap.Logger) *ElevenLabsTTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_flash_v2_5"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultElevenLabsVoice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	t := &ElevenLabsTTS{cfg: cfg, client: tlsutil.SecureHTTPClient(cfg.Timeout)}
	t.ttsStreamer = newTTSStreamer("elevenlabs", cfg.SampleRate, t.request, logger)
	t.ttsStreamer.release = t.client.CloseIdleConnections
	return t
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (t *ElevenLabsTTS) request(ctx context.Context, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: t.cfg.Model})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		strings.TrimRight(t.cfg.BaseURL, "/"),
		url.PathEscape(t.cfg.VoiceID),
		url.QueryEscape(fmt.Sprintf("pcm_%d", t.cfg.SampleRate)),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, llm.TransportError(err, t.name)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, llm.MapHTTPError(resp.StatusCode, llm.ReadErrorMessage(resp.Body), t.name)
	}
	return resp.Body, nil
}

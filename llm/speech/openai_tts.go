package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
)

// OpenAI 的 pcm 输出固定为 24kHz 单声道
const openAIPCMSampleRate = 24000

// OpenAITTSConfig OpenAI TTS 配置
type OpenAITTSConfig struct {
	APIKey  string
	BaseURL string
	Model   string // tts-1, gpt-4o-mini-tts
	Voice   string // alloy, echo, fable, onyx, nova, shimmer
	Speed   float64
	Timeout time.Duration
}

// OpenAITTS 使用 /v1/audio/speech 合成 PCM
type OpenAITTS struct {
	*ttsStreamer
	cfg    OpenAITTSConfig
	client *http.Client
}

func NewOpenAITTS(cfg OpenAITTSConfig, logger *zap.Logger) *OpenAITTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	t := &OpenAITTS{cfg: cfg, client: tlsutil.SecureHTTPClient(cfg.Timeout)}
	t.ttsStreamer = newTTSStreamer("openai-tts", openAIPCMSampleRate, t.request, logger)
	t.ttsStreamer.release = t.client.CloseIdleConnections
	return t
}

type openAISpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

func (t *OpenAITTS) request(ctx context.Context, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(openAISpeechRequest{
		Model:          t.cfg.Model,
		Input:          text,
		Voice:          t.cfg.Voice,
		ResponseFormat: "pcm",
		Speed:          t.cfg.Speed,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.cfg.BaseURL, "/")+"/v1/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
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

package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
)

// OpenAISTTConfig Whisper 配置
type OpenAISTTConfig struct {
	APIKey  string
	BaseURL string
	Model   string // whisper-1, gpt-4o-transcribe
	Prompt  string
	Timeout time.Duration
}

// OpenAISTT 通过 /v1/audio/transcriptions 批量识别
type OpenAISTT struct {
	cfg    OpenAISTTConfig
	client *http.Client
}

func NewOpenAISTT(cfg OpenAISTTConfig) *OpenAISTT {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAISTT{cfg: cfg, client: tlsutil.SecureHTTPClient(cfg.Timeout)}
}

func (p *OpenAISTT) Name() string { return "openai-stt" }

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe 把 PCM 封装为 WAV 后上传
func (p *OpenAISTT) Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("speech: empty audio")
	}
	cfg = cfg.withDefaults()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(EncodeWAV(pcm, cfg.SampleRate, cfg.Channels)); err != nil {
		return nil, err
	}
	_ = w.WriteField("model", p.cfg.Model)
	_ = w.WriteField("response_format", "json")
	if lang := isoLanguage(cfg.Language); lang != "" {
		_ = w.WriteField("language", lang)
	}
	if p.cfg.Prompt != "" {
		_ = w.WriteField("prompt", p.cfg.Prompt)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, llm.TransportError(err, p.Name())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, llm.MapHTTPError(resp.StatusCode, llm.ReadErrorMessage(resp.Body), p.Name())
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	return &Transcript{
		Text:     strings.TrimSpace(wr.Text),
		Language: wr.Language,
		Duration: time.Duration(wr.Duration * float64(time.Second)),
	}, nil
}

// isoLanguage en-US -> en
func isoLanguage(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}

package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/tlsutil"
	"github.com/BaSui01/voiceflow/llm"
)

const deepgramKeepAlive = 8 * time.Second

// DeepgramConfig Deepgram 配置
type DeepgramConfig struct {
	APIKey         string
	BaseURL        string // https://api.deepgram.com，实时识别自动换成 wss
	Model          string
	Language       string
	EndpointingMS  int
	InterimResults bool
	Timeout        time.Duration
}

// DeepgramSTT 实时识别走 /v1/listen WebSocket，同时支持批量 Transcribe
type DeepgramSTT struct {
	cfg    DeepgramConfig
	client *http.Client
	logger *zap.Logger
}

func NewDeepgramSTT(cfg DeepgramConfig, logger *zap.Logger) *DeepgramSTT {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramSTT{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "stt"), zap.String("provider", "deepgram")),
	}
}

func (d *DeepgramSTT) Name() string { return "deepgram" }

func (d *DeepgramSTT) params(cfg StreamConfig) url.Values {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	lang := cfg.Language
	if lang == "" {
		lang = d.cfg.Language
	}
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	return q
}

// listenURL 把 http(s) base 换成 ws(s)
func (d *DeepgramSTT) listenURL(q url.Values) string {
	base := strings.TrimRight(d.cfg.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/listen?" + q.Encode()
}

// Start 建立实时识别连接
func (d *DeepgramSTT) Start(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	cfg = cfg.withDefaults()
	q := d.params(cfg)
	q.Set("interim_results", strconv.FormatBool(d.cfg.InterimResults))
	q.Set("vad_events", "true")
	if d.cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(d.cfg.EndpointingMS))
		if d.cfg.InterimResults {
			q.Set("utterance_end_ms", "1000")
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)
	conn, resp, err := websocket.Dial(ctx, d.listenURL(q), tlsutil.WebSocketDialOptions(header))
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, llm.MapHTTPError(resp.StatusCode, err.Error(), d.Name())
		}
		return nil, llm.TransportError(err, d.Name())
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:     conn,
		ctx:      sctx,
		cancel:   cancel,
		logger:   d.logger,
		events:   make(chan STTEvent, 64),
		lastSend: time.Now(),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	events chan STTEvent
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastSend time.Time
	closed   bool
}

type deepgramMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Error("deepgram read failed", zap.Error(err))
				select {
				case s.events <- STTEvent{Type: STTError, Err: llm.TransportError(err, "deepgram")}:
				case <-s.ctx.Done():
				}
			}
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("invalid deepgram message", zap.Error(err))
			continue
		}
		ev, ok := msg.toEvent()
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (m deepgramMessage) toEvent() (STTEvent, bool) {
	switch m.Type {
	case "SpeechStarted":
		return STTEvent{Type: STTStartOfSpeech}, true
	case "UtteranceEnd":
		return STTEvent{Type: STTEndOfSpeech}, true
	case "Results":
		if len(m.Channel.Alternatives) == 0 {
			return STTEvent{}, false
		}
		alt := m.Channel.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) == "" {
			return STTEvent{}, false
		}
		ev := STTEvent{
			Type:       STTInterim,
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Duration:   time.Duration(m.Duration * float64(time.Second)),
		}
		if m.IsFinal {
			ev.Type = STTFinal
		}
		if len(alt.Languages) > 0 {
			ev.Language = alt.Languages[0]
		}
		return ev, true
	}
	return STTEvent{}, false
}

// keepAlive 长时间无音频时 Deepgram 会断开连接
func (s *deepgramStream) keepAlive() {
	defer s.wg.Done()
	ticker := time.NewTicker(deepgramKeepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend) >= deepgramKeepAlive
			s.mu.Unlock()
			if idle {
				_ = s.control("KeepAlive")
			}
		}
	}
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStream) Events() <-chan STTEvent { return s.events }

func (s *deepgramStream) Flush() error { return s.control("Finalize") }

func (s *deepgramStream) control(typ string) error {
	payload, _ := json.Marshal(map[string]string{"type": typ})
	return s.conn.Write(s.ctx, websocket.MessageText, payload)
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("deepgram close: %w", err)
	}
	return nil
}

type deepgramBatchResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe 批量识别一段 PCM
func (d *DeepgramSTT) Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error) {
	if len(pcm) == 0 {
		return nil, errors.New("speech: empty audio")
	}
	cfg = cfg.withDefaults()
	endpoint := strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen?" + d.params(cfg).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pcm))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, llm.TransportError(err, d.Name())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, llm.MapHTTPError(resp.StatusCode, llm.ReadErrorMessage(resp.Body), d.Name())
	}

	var br deepgramBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}
	out := &Transcript{Duration: time.Duration(br.Metadata.Duration * float64(time.Second))}
	if len(br.Results.Channels) > 0 {
		ch := br.Results.Channels[0]
		out.Language = ch.DetectedLanguage
		if len(ch.Alternatives) > 0 {
			out.Text = ch.Alternatives[0].Transcript
			out.Confidence = ch.Alternatives[0].Confidence
		}
	}
	return out, nil
}

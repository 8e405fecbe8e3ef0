package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStreamClosed 流已关闭
var ErrStreamClosed = errors.New("speech: stream closed")

// 最多缓存 60s 音频，超出部分丢弃最早的数据
const maxBufferedAudio = 60 * time.Second

// BufferedSTT 把批量 Transcriber 包装为流式 STT：
// Send 缓存 PCM，Flush 时整段识别并发出 final 事件
type BufferedSTT struct {
	transcriber Transcriber
	logger      *zap.Logger
}

func NewBufferedSTT(t Transcriber, logger *zap.Logger) *BufferedSTT {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferedSTT{
		transcriber: t,
		logger:      logger.With(zap.String("component", "stt"), zap.String("provider", t.Name())),
	}
}

func (b *BufferedSTT) Name() string { return b.transcriber.Name() }

func (b *BufferedSTT) Start(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &bufferedStream{
		parent: b,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		limit:  FrameBytes(cfg.SampleRate, cfg.Channels, maxBufferedAudio),
		events: make(chan STTEvent, 16),
	}, nil
}

type bufferedStream struct {
	parent *BufferedSTT
	cfg    StreamConfig
	ctx    context.Context
	cancel context.CancelFunc
	limit  int

	mu     sync.Mutex
	buf    []byte
	closed bool
	wg     sync.WaitGroup
	events chan STTEvent
}

func (s *bufferedStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.buf = append(s.buf, pcm...)
	if over := len(s.buf) - s.limit; over > 0 {
		over += over % 2
		s.buf = s.buf[over:]
	}
	return nil
}

func (s *bufferedStream) Events() <-chan STTEvent { return s.events }

func (s *bufferedStream) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	pcm := s.buf
	s.buf = nil
	if len(pcm) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		start := time.Now()
		tr, err := s.parent.transcriber.Transcribe(s.ctx, pcm, s.cfg)
		var ev STTEvent
		switch {
		case err != nil:
			if s.ctx.Err() != nil {
				return
			}
			s.parent.logger.Error("transcription failed", zap.Error(err))
			ev = STTEvent{Type: STTError, Err: err}
		case tr.Text == "":
			return
		default:
			s.parent.logger.Debug("transcribed", zap.Duration("latency", time.Since(start)))
			ev = STTEvent{Type: STTFinal, Text: tr.Text, Confidence: tr.Confidence, Language: tr.Language, Duration: tr.Duration}
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	}()
	return nil
}

func (s *bufferedStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.events)
	return nil
}

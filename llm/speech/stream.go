package speech

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/llm"
)

const frameDuration = 20 * time.Millisecond

// requestFunc 为一句文本发起合成请求，返回 PCM 流
type requestFunc func(ctx context.Context, text string) (io.ReadCloser, error)

// ttsStreamer TTS 适配器共用的句子切分、请求与分帧逻辑
type ttsStreamer struct {
	name       string
	sampleRate int
	request    requestFunc
	// release Close 时释放底层连接
	release func()
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	nextID  uint64
	closed  bool
}

func newTTSStreamer(name string, sampleRate int, request requestFunc, logger *zap.Logger) *ttsStreamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ttsStreamer{
		name:       name,
		sampleRate: sampleRate,
		request:    request,
		logger:     logger.With(zap.String("component", "tts"), zap.String("provider", name)),
		cancels:    make(map[uint64]context.CancelFunc),
	}
}

func (s *ttsStreamer) Synthesize(ctx context.Context, text <-chan string) (<-chan AudioFrame, error) {
	if text == nil {
		return nil, errors.New("speech: nil text channel")
	}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrStreamClosed
	}
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.mu.Unlock()

	out := make(chan AudioFrame, 64)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		// 提前退出时丢弃排队文本，避免上游阻塞
		defer func() { go drainText(text) }()

		seg := NewSentenceSegmenter()
		for {
			select {
			case <-ctx.Done():
				return
			case delta, ok := <-text:
				if !ok {
					if rest := seg.Flush(); rest != "" {
						s.emit(ctx, rest, out)
					}
					return
				}
				for _, sentence := range seg.Push(delta) {
					if !s.emit(ctx, sentence, out) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func drainText(ch <-chan string) {
	for range ch {
	}
}

// emit 合成一句；失败时写出错误帧并返回 false
func (s *ttsStreamer) emit(ctx context.Context, text string, out chan<- AudioFrame) bool {
	err := s.speak(ctx, text, out)
	if err == nil {
		return ctx.Err() == nil
	}
	if ctx.Err() != nil {
		return false
	}
	s.logger.Error("synthesis failed", zap.Error(err))
	select {
	case out <- AudioFrame{SampleRate: s.sampleRate, Channels: 1, Err: err}:
	case <-ctx.Done():
	}
	return false
}

// speak 合成一句并以 20ms 帧写出
func (s *ttsStreamer) speak(ctx context.Context, text string, out chan<- AudioFrame) error {
	if ctx.Err() != nil {
		return nil
	}
	body, err := s.request(ctx, text)
	if err != nil {
		return err
	}
	defer body.Close()

	size := FrameBytes(s.sampleRate, 1, frameDuration)
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			n -= n % 2
			frame := AudioFrame{Data: buf[:n], SampleRate: s.sampleRate, Channels: 1}
			select {
			case out <- frame:
			case <-ctx.Done():
				return nil
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return llm.TransportError(err, s.name)
		}
	}
}

// Interrupt 取消所有进行中的合成
func (s *ttsStreamer) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// Close 中断进行中的合成，之后不再接受新请求
func (s *ttsStreamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Interrupt()
	if s.release != nil {
		s.release()
	}
	return nil
}

func (s *ttsStreamer) SampleRate() int { return s.sampleRate }
func (s *ttsStreamer) Name() string    { return s.name }

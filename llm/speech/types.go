package speech

import (
	"context"
	"time"
)

// STTEventType 语音识别事件类型
type STTEventType string

const (
	STTStartOfSpeech STTEventType = "start_of_speech"
	STTInterim       STTEventType = "interim"
	STTFinal         STTEventType = "final"
	STTEndOfSpeech   STTEventType = "end_of_speech"
	// STTError 供应商失败，Err 非空。之后流可能不再产生事件
	STTError STTEventType = "error"
)

// STTEvent 流式识别产生的事件
type STTEvent struct {
	Type       STTEventType  `json:"type"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Err        error         `json:"-"`
}

// StreamConfig 输入音频格式，PCM16 little-endian
type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// STT 流式语音识别
type STT interface {
	Start(ctx context.Context, cfg StreamConfig) (STTStream, error)
	Name() string
}

// STTStream 一次识别会话。Events 在 Close 之后关闭。
type STTStream interface {
	// Send 写入一帧 PCM16 音频
	Send(pcm []byte) error
	Events() <-chan STTEvent
	// Flush 要求供应商立即给出当前语句的最终结果
	Flush() error
	Close() error
}

// Transcript 批量识别结果
type Transcript struct {
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Transcriber 对一段完整 PCM 做批量识别
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (*Transcript, error)
	Name() string
}

// AudioFrame 一帧 PCM16 音频
type AudioFrame struct {
	Data       []byte `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	// Err 合成失败。携带错误的帧是输出通道上的最后一帧
	Err error `json:"-"`
}

// Duration 帧时长
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// TTS 流式合成：输入 LLM 文本增量，输出音频帧。
// 输入通道关闭且全部文本合成完后输出通道关闭。
type TTS interface {
	Synthesize(ctx context.Context, text <-chan string) (<-chan AudioFrame, error)
	// Interrupt 取消进行中的请求并丢弃排队文本
	Interrupt()
	// Close 中断合成并释放连接，之后 Synthesize 返回 ErrStreamClosed
	Close() error
	SampleRate() int
	Name() string
}

// FrameBytes 给定格式下 d 时长的 PCM16 字节数
func FrameBytes(sampleRate, channels int, d time.Duration) int {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return n * channels * 2
}

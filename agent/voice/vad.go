package voice

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// VADEventType 语音活动事件类型
type VADEventType string

const (
	VADStartOfSpeech VADEventType = "start_of_speech"
	VADEndOfSpeech   VADEventType = "end_of_speech"
)

// VADEvent 语音活动事件
type VADEvent struct {
	Type            VADEventType
	SpeechDuration  time.Duration
	SilenceDuration time.Duration
	Confidence      float64
}

// VAD 语音活动检测。Process 对每帧 PCM16 返回零或多个事件。
type VAD interface {
	Process(pcm []byte) []VADEvent
	Reset()
}

// VADConfig EnergyVAD 参数
type VADConfig struct {
	SampleRate int
	Channels   int
	// Threshold 归一化 RMS 阈值 (0,1]
	Threshold          float64
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
}

// DefaultVADConfig 48kHz 单声道
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SampleRate:         48000,
		Channels:           1,
		Threshold:          0.02,
		MinSpeechDuration:  100 * time.Millisecond,
		MinSilenceDuration: 500 * time.Millisecond,
	}
}

func (c VADConfig) withDefaults() VADConfig {
	d := DefaultVADConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = d.MinSpeechDuration
	}
	if c.MinSilenceDuration <= 0 {
		c.MinSilenceDuration = d.MinSilenceDuration
	}
	return c
}

// EnergyVAD 以帧 RMS 判定语音，连续语音/静音超过最小时长才切换状态
type EnergyVAD struct {
	cfg VADConfig

	mu         sync.Mutex
	speaking   bool
	speechRun  time.Duration
	silenceRun time.Duration
	speechLen  time.Duration
}

// NewEnergyVAD 创建能量 VAD
func NewEnergyVAD(cfg VADConfig) *EnergyVAD {
	return &EnergyVAD{cfg: cfg.withDefaults()}
}

// Process 处理一帧音频
func (v *EnergyVAD) Process(pcm []byte) []VADEvent {
	samples := len(pcm) / 2 / v.cfg.Channels
	if samples == 0 {
		return nil
	}
	dur := time.Duration(samples) * time.Second / time.Duration(v.cfg.SampleRate)
	level := RMS(pcm)

	v.mu.Lock()
	defer v.mu.Unlock()

	if level >= v.cfg.Threshold {
		v.silenceRun = 0
		v.speechRun += dur
		if v.speaking {
			v.speechLen += dur
			return nil
		}
		if v.speechRun >= v.cfg.MinSpeechDuration {
			v.speaking = true
			v.speechLen = v.speechRun
			return []VADEvent{{
				Type:           VADStartOfSpeech,
				SpeechDuration: v.speechRun,
				Confidence:     confidence(level, v.cfg.Threshold),
			}}
		}
		return nil
	}

	v.silenceRun += dur
	if !v.speaking {
		v.speechRun = 0
		return nil
	}
	if v.silenceRun < v.cfg.MinSilenceDuration {
		return nil
	}
	ev := VADEvent{
		Type:            VADEndOfSpeech,
		SpeechDuration:  v.speechLen,
		SilenceDuration: v.silenceRun,
		Confidence:      1 - confidence(level, v.cfg.Threshold),
	}
	v.speaking = false
	v.speechRun, v.speechLen = 0, 0
	return []VADEvent{ev}
}

// Reset 回到静音状态
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speaking = false
	v.speechRun, v.silenceRun, v.speechLen = 0, 0, 0
}

// Speaking 当前是否处于语音段
func (v *EnergyVAD) Speaking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.speaking
}

// RMS PCM16 little-endian 的归一化均方根
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func confidence(level, threshold float64) float64 {
	c := level / (threshold * 2)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

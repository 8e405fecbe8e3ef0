package voice

import "errors"

var (
	// ErrNoLLM 级联管线缺少 LLM
	ErrNoLLM = errors.New("voice: llm provider is required")
	// ErrNoModel 实时管线缺少模型
	ErrNoModel = errors.New("voice: realtime model is required")
	// ErrNotBound 管线尚未绑定会话
	ErrNotBound = errors.New("voice: pipeline is not bound to a session")
	// ErrNoTransport 会话没有可离开的房间传输
	ErrNoTransport = errors.New("voice: no transport to leave")
	// ErrSTTStreamEnded 识别流在管线运行中意外结束
	ErrSTTStreamEnded = errors.New("voice: stt stream ended unexpectedly")
	// ErrNotConnected 实时模型尚未连接
	ErrNotConnected = errors.New("voice: realtime model not connected")
)

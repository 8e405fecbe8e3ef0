package room

import (
	"context"

	"github.com/BaSui01/voiceflow/llm/speech"
)

// Transport 房间的媒体与信令通道
type Transport interface {
	// Join 加入房间，成功后 Events 上会出现 meeting-joined
	Join(ctx context.Context) error
	// Leave 离开房间，可重复调用
	Leave(ctx context.Context) error
	// Frames 收到的 PCM16 单声道音频
	Frames() <-chan []byte
	// Publish 发送代理音频
	Publish(ctx context.Context, frame speech.AudioFrame) error
	// Events 房间事件
	Events() <-chan Event
}

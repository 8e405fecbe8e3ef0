package agent

import "context"

// Lifecycle 会话进入/退出回调。OnEnter 在管线启动前调用，OnExit 在会话关闭时调用。
type Lifecycle interface {
	OnEnter(ctx context.Context) error
	OnExit(ctx context.Context) error
}

// BaseLifecycle 空实现，嵌入后只需覆盖关心的方法
type BaseLifecycle struct{}

// OnEnter no-op
func (BaseLifecycle) OnEnter(context.Context) error { return nil }

// OnExit no-op
func (BaseLifecycle) OnExit(context.Context) error { return nil }

// LifecycleFuncs 以函数形式提供回调，nil 字段视为空操作
type LifecycleFuncs struct {
	Enter func(ctx context.Context) error
	Exit  func(ctx context.Context) error
}

func (f LifecycleFuncs) OnEnter(ctx context.Context) error {
	if f.Enter == nil {
		return nil
	}
	return f.Enter(ctx)
}

func (f LifecycleFuncs) OnExit(ctx context.Context) error {
	if f.Exit == nil {
		return nil
	}
	return f.Exit(ctx)
}

// SpeechEvent 语音进出回调的数据
type SpeechEvent struct {
	Text       string
	Audio      []byte
	Final      bool
	Confidence float64
}

// SpeechHandler OnSpeechIn / OnSpeechOut 回调
type SpeechHandler func(ev SpeechEvent)

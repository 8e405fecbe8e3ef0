// Package eventbus provides the in-process event dispatcher shared by
// sessions, pipelines and rooms.
// This package is internal and should not be imported by external projects.
package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler 事件处理函数
type Handler func(data any)

// SubscriptionID 标识一次 On 注册，用于 Off
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
	once    bool
}

// Bus 事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   SubscriptionID
	logger   *zap.Logger
}

// New 创建事件总线
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger.With(zap.String("component", "eventbus")),
	}
}

// On 注册事件处理函数
func (b *Bus) On(event string, h Handler) SubscriptionID {
	return b.add(event, h, false)
}

// Once 注册只触发一次的事件处理函数
func (b *Bus) Once(event string, h Handler) SubscriptionID {
	return b.add(event, h, true)
}

func (b *Bus) add(event string, h Handler, once bool) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, handler: h, once: once})
	return id
}

// Off 注销事件处理函数
func (b *Bus) Off(event string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[event]
	for i, s := range subs {
		if s.id == id {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// Emit 同步分发事件。处理函数的 panic 会被记录，不影响其他处理函数。
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	subs := b.handlers[event]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)

	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) != len(subs) {
		if len(kept) == 0 {
			delete(b.handlers, event)
		} else {
			b.handlers[event] = kept
		}
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		b.dispatch(event, s.handler, data)
	}
}

func (b *Bus) dispatch(event string, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h(data)
}

// HandlerCount 返回指定事件的处理函数数量
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

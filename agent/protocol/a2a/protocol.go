package a2a

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/internal/eventbus"
	"github.com/BaSui01/voiceflow/internal/metrics"
)

// Handler 处理一条收到的消息
type Handler func(ctx context.Context, msg Message) error

// Protocol 单个代理的 A2A 端点：注册、收发消息，
// 并把本代理会话的 text_response 作为 model_response 回送给最近的发送方。
type Protocol struct {
	agent    *agent.Agent
	registry *Registry
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	baseCtx   context.Context
	responses *eventbus.Bus
	respSub   eventbus.SubscriptionID
	handled   map[string]struct{}
}

// ProtocolOption 配置 Protocol
type ProtocolOption func(*Protocol)

// WithMetrics 记录消息收发计数
func WithMetrics(c *metrics.Collector) ProtocolOption {
	return func(p *Protocol) { p.metrics = c }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) ProtocolOption {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProtocol 为代理创建 A2A 端点并挂到代理上，代理 Cleanup 时自动注销
func NewProtocol(ag *agent.Agent, registry *Registry, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		agent:    ag,
		registry: registry,
		logger:   zap.NewNop(),
		handlers: make(map[string][]Handler),
		handled:  make(map[string]struct{}),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "a2a"), zap.String("agent_id", ag.ID()))
	ag.SetA2A(p)
	return p
}

// Register 以代理 ID 登记卡片
func (p *Protocol) Register(ctx context.Context, card AgentCard) error {
	if card.ID == "" {
		card.ID = p.agent.ID()
	}
	if err := p.registry.Register(ctx, card, p.agent); err != nil {
		return err
	}
	p.mu.Lock()
	p.baseCtx = context.WithoutCancel(ctx)
	p.mu.Unlock()
	return nil
}

// Unregister 注销全部处理函数并从注册表移除
func (p *Protocol) Unregister(ctx context.Context) error {
	p.mu.Lock()
	for t := range p.handlers {
		p.offLocked(t)
	}
	p.handled = make(map[string]struct{})
	p.mu.Unlock()

	p.registry.Unregister(ctx, p.agent.ID())
	return nil
}

// OnMessage 注册某类消息的处理函数。model_response 的处理函数还会收到
// 本代理会话产生的回复，需在会话绑定后注册。
func (p *Protocol) OnMessage(msgType string, h Handler) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgType] = append(p.handlers[msgType], h)
	if msgType == MessageModelResponse && p.responses == nil {
		p.subscribeResponsesLocked()
	}
}

// OffMessage 移除某类消息的全部处理函数
func (p *Protocol) OffMessage(msgType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offLocked(msgType)
}

func (p *Protocol) offLocked(msgType string) {
	delete(p.handlers, msgType)
	if msgType == MessageModelResponse && p.responses != nil {
		p.responses.Off(voice.EventTextResponse, p.respSub)
		p.responses = nil
	}
}

func (p *Protocol) subscribeResponsesLocked() {
	s := p.agent.Session()
	if s == nil {
		p.logger.Warn("agent has no session, model_response forwarding disabled")
		return
	}
	bus := s.Events()
	p.responses = bus
	p.respSub = bus.On(voice.EventTextResponse, p.onTextResponse)
}

// onTextResponse 把回复转给最近的发送方，同一发送方同一回复只转一次
func (p *Protocol) onTextResponse(data any) {
	resp, ok := data.(voice.TextResponse)
	if !ok {
		return
	}
	sender := p.agent.LastSender()
	if sender == "" {
		return
	}

	key := p.agent.ID() + "_" + sender + "_" + resp.Text
	p.mu.Lock()
	if _, dup := p.handled[key]; dup {
		p.mu.Unlock()
		return
	}
	p.handled[key] = struct{}{}
	handlers := append([]Handler(nil), p.handlers[MessageModelResponse]...)
	ctx := p.baseCtx
	p.mu.Unlock()

	msg := NewMessage(p.agent.ID(), sender, MessageModelResponse, map[string]any{"response": resp.Text})
	for _, h := range handlers {
		go p.run(ctx, h, msg)
	}
}

func (p *Protocol) run(ctx context.Context, h Handler, msg Message) {
	if err := h(ctx, msg); err != nil {
		p.logger.Error("a2a message handler failed",
			zap.String("type", msg.Type),
			zap.String("from", msg.From),
			zap.Error(err),
		)
	}
}

func (p *Protocol) handlersFor(msgType string) []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Handler(nil), p.handlers[msgType]...)
}

// SendMessage 把消息投递给本进程内的目标代理。目标有对应处理函数时依次调用；
// 否则 specialist_query 直接送入目标会话的文本路径。
func (p *Protocol) SendMessage(ctx context.Context, to, msgType string, content map[string]any) error {
	target, ok := p.registry.Instance(to)
	if !ok {
		p.logger.Warn("target agent not found in registry", zap.String("to", to), zap.String("type", msgType))
		p.metrics.RecordA2AMessage(msgType, "dropped")
		return ErrAgentNotFound
	}
	msg := NewMessage(p.agent.ID(), to, msgType, content)
	p.metrics.RecordA2AMessage(msgType, "sent")
	target.SetLastSender(p.agent.ID())

	var handlers []Handler
	if tp, ok := target.A2A().(*Protocol); ok {
		handlers = tp.handlersFor(msgType)
	}

	switch {
	case len(handlers) > 0:
		for _, h := range handlers {
			p.run(ctx, h, msg)
		}
	case msgType == MessageSpecialistQuery:
		s := target.Session()
		if s == nil {
			p.metrics.RecordA2AMessage(msgType, "dropped")
			return ErrNoSession
		}
		if err := s.SendTextMessage(ctx, msg.String("query")); err != nil {
			p.metrics.RecordA2AMessage(msgType, "failed")
			return err
		}
	default:
		p.logger.Debug("no handler for message", zap.String("to", to), zap.String("type", msgType))
	}
	p.metrics.RecordA2AMessage(msgType, "delivered")
	return nil
}

// Registry 所用的注册表
func (p *Protocol) Registry() *Registry { return p.registry }

package a2a

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
)

// Directory 跨进程可见的卡片目录。注册表只把卡片镜像过去，
// 代理实例始终留在本进程。
type Directory interface {
	Put(ctx context.Context, card AgentCard) error
	Delete(ctx context.Context, card AgentCard) error
	ByDomain(ctx context.Context, domain string) ([]AgentCard, error)
}

// Registry 进程内的代理注册表，并发安全
type Registry struct {
	dir    Directory
	logger *zap.Logger

	mu        sync.RWMutex
	cards     map[string]AgentCard
	instances map[string]*agent.Agent
}

// RegistryOption 配置 Registry
type RegistryOption func(*Registry)

// WithDirectory 镜像卡片到外部目录
func WithDirectory(d Directory) RegistryOption {
	return func(r *Registry) { r.dir = d }
}

// WithRegistryLogger 设置日志
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    zap.NewNop(),
		cards:     make(map[string]AgentCard),
		instances: make(map[string]*agent.Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "a2a_registry"))
	return r
}

// Register 登记卡片与实例，同 ID 覆盖。目录写入失败只记录日志。
func (r *Registry) Register(ctx context.Context, card AgentCard, ag *agent.Agent) error {
	if err := card.Validate(); err != nil {
		return err
	}
	if card.ID == "" {
		return ErrInvalidMessage
	}
	card = card.clone()

	r.mu.Lock()
	r.cards[card.ID] = card
	if ag != nil {
		r.instances[card.ID] = ag
	}
	total := len(r.cards)
	r.mu.Unlock()

	if r.dir != nil {
		if err := r.dir.Put(ctx, card); err != nil {
			r.logger.Error("mirror agent card failed", zap.String("agent_id", card.ID), zap.Error(err))
		}
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", card.ID),
		zap.String("name", card.Name),
		zap.String("domain", card.Domain),
		zap.Strings("capabilities", card.Capabilities),
		zap.Int("total", total),
	)
	return nil
}

// Unregister 移除卡片与实例，不存在时无操作
func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	card, ok := r.cards[id]
	delete(r.cards, id)
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.dir != nil {
		if err := r.dir.Delete(ctx, card); err != nil {
			r.logger.Error("remove mirrored card failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
}

// FindByDomain 本进程内处理该领域的代理 ID，按 ID 排序
func (r *Registry) FindByDomain(domain string) []string {
	return r.find(func(c AgentCard) bool { return c.Domain == domain })
}

// FindByCapability 声明了该能力的代理 ID，按 ID 排序
func (r *Registry) FindByCapability(capability string) []string {
	return r.find(func(c AgentCard) bool { return c.HasCapability(capability) })
}

func (r *Registry) find(match func(AgentCard) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := []string{}
	for id, c := range r.cards {
		if match(c) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Discover 先查本进程，再合并目录中其他进程登记的同领域卡片
func (r *Registry) Discover(ctx context.Context, domain string) ([]AgentCard, error) {
	seen := make(map[string]bool)
	var out []AgentCard
	for _, id := range r.FindByDomain(domain) {
		if c, ok := r.Card(id); ok {
			seen[id] = true
			out = append(out, c)
		}
	}
	if r.dir == nil {
		return out, nil
	}
	remote, err := r.dir.ByDomain(ctx, domain)
	if err != nil {
		return out, err
	}
	for _, c := range remote {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// All 全部卡片的副本
func (r *Registry) All() map[string]AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AgentCard, len(r.cards))
	for id, c := range r.cards {
		out[id] = c.clone()
	}
	return out
}

// Card 按 ID 取卡片
func (r *Registry) Card(id string) (AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[id]
	if !ok {
		return AgentCard{}, false
	}
	return c.clone(), true
}

// Instance 按 ID 取本进程的代理实例
func (r *Registry) Instance(id string) (*agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ag, ok := r.instances[id]
	return ag, ok
}

// Len 已注册卡片数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cards)
}

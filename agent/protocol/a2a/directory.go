package a2a

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/cache"
)

// RedisDirectory 以 Redis 保存卡片：
//
//	{prefix}a2a:card:{id}       卡片 JSON
//	{prefix}a2a:domain:{domain} 该领域的 ID 集合
type RedisDirectory struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisDirectory ttl 为 0 时卡片不过期
func NewRedisDirectory(m *cache.Manager, ttl time.Duration, logger *zap.Logger) *RedisDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDirectory{
		cache:  m,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "a2a_directory")),
	}
}

func (d *RedisDirectory) cardKey(id string) string       { return d.cache.Key("a2a", "card", id) }
func (d *RedisDirectory) domainKey(domain string) string { return d.cache.Key("a2a", "domain", domain) }

func (d *RedisDirectory) Put(ctx context.Context, card AgentCard) error {
	if err := d.cache.SetJSON(ctx, d.cardKey(card.ID), card, d.ttl); err != nil {
		return fmt.Errorf("put agent card: %w", err)
	}
	if err := d.cache.SAdd(ctx, d.domainKey(card.Domain), card.ID); err != nil {
		return fmt.Errorf("index agent card: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Delete(ctx context.Context, card AgentCard) error {
	if err := d.cache.Delete(ctx, d.cardKey(card.ID)); err != nil {
		return fmt.Errorf("delete agent card: %w", err)
	}
	if err := d.cache.SRem(ctx, d.domainKey(card.Domain), card.ID); err != nil {
		return fmt.Errorf("unindex agent card: %w", err)
	}
	return nil
}

// ByDomain 过期或已删除的卡片会从集合中顺带清理
func (d *RedisDirectory) ByDomain(ctx context.Context, domain string) ([]AgentCard, error) {
	ids, err := d.cache.SMembers(ctx, d.domainKey(domain))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	cards := make([]AgentCard, 0, len(ids))
	for _, id := range ids {
		var c AgentCard
		err := d.cache.GetJSON(ctx, d.cardKey(id), &c)
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			if err := d.cache.SRem(ctx, d.domainKey(domain), id); err != nil {
				d.logger.Warn("prune stale card id", zap.String("agent_id", id), zap.Error(err))
			}
			continue
		case err != nil:
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

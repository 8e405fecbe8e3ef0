package a2a

import (
	"slices"

	"github.com/google/uuid"
)

// AgentCard 描述代理的身份与能力，注册后可按领域或能力查找
type AgentCard struct {
	// ID 为空时 NewAgentCard 生成 uuid；Protocol.Register 使用代理 ID
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Domain       string         `json:"domain"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewAgentCard 创建卡片，id 为空时生成 uuid
func NewAgentCard(id, name, domain, description string, capabilities ...string) AgentCard {
	if id == "" {
		id = uuid.NewString()
	}
	return AgentCard{
		ID:           id,
		Name:         name,
		Domain:       domain,
		Capabilities: capabilities,
		Description:  description,
	}
}

// Validate 名称与领域必填
func (c AgentCard) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Domain == "" {
		return ErrMissingDomain
	}
	return nil
}

// HasCapability 是否声明了该能力
func (c AgentCard) HasCapability(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// clone 深拷贝切片与 map，注册表对外只返回副本
func (c AgentCard) clone() AgentCard {
	out := c
	out.Capabilities = slices.Clone(c.Capabilities)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

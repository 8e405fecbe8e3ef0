package handlers

import (
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/api"
	"github.com/BaSui01/voiceflow/types"
)

// =============================================================================
// 🤖 代理注册表 Handler
// =============================================================================

// AgentHandler 暴露 A2A 注册表中的代理卡片
type AgentHandler struct {
	registry *a2a.Registry
	logger   *zap.Logger
}

// NewAgentHandler 创建代理处理器
func NewAgentHandler(registry *a2a.Registry, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		registry: registry,
		logger:   logger.With(zap.String("handler", "agent")),
	}
}

// HandleListAgents GET /api/v1/agents?domain=&capability=
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	out := []api.AgentInfo{}
	if h.registry == nil {
		WriteSuccess(w, out)
		return
	}

	domain := r.URL.Query().Get("domain")
	capability := r.URL.Query().Get("capability")

	for _, card := range h.registry.All() {
		if domain != "" && card.Domain != domain {
			continue
		}
		if capability != "" && !card.HasCapability(capability) {
			continue
		}
		out = append(out, h.toAgentInfo(card))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	WriteSuccess(w, out)
}

// HandleGetAgent GET /api/v1/agents/{id}
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := extractAgentID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent ID is required", h.logger)
		return
	}
	if h.registry == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "agent not found", h.logger)
		return
	}
	card, ok := h.registry.Card(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "agent not found", h.logger)
		return
	}
	WriteSuccess(w, h.toAgentInfo(card))
}

func (h *AgentHandler) toAgentInfo(card a2a.AgentCard) api.AgentInfo {
	info := api.AgentInfo{
		ID:           card.ID,
		Name:         card.Name,
		Domain:       card.Domain,
		Capabilities: card.Capabilities,
		Description:  card.Description,
		Metadata:     card.Metadata,
	}
	if ag, ok := h.registry.Instance(card.ID); ok {
		info.Local = true
		if s := ag.Session(); s != nil {
			info.SessionID = s.ID()
		}
	}
	return info
}

// extractAgentID 优先 PathValue，兼容未注册模式的前缀裁剪
func extractAgentID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if path != "" && path != r.URL.Path && !strings.Contains(path, "/") {
		return path
	}
	return ""
}

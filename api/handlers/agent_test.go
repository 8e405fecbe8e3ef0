package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent"
	"github.com/BaSui01/voiceflow/agent/protocol/a2a"
	"github.com/BaSui01/voiceflow/api"
	"github.com/BaSui01/voiceflow/internal/eventbus"
	"github.com/BaSui01/voiceflow/types"
)

// =============================================================================
// 🧪 AgentHandler 测试
// =============================================================================

type stubSession struct{ id string }

func (s *stubSession) ID() string                                             { return s.id }
func (s *stubSession) Events() *eventbus.Bus                                  { return eventbus.New(nil) }
func (s *stubSession) SendTextMessage(ctx context.Context, text string) error { return nil }
func (s *stubSession) Close(ctx context.Context) error                        { return nil }
func (s *stubSession) Leave(ctx context.Context) error                        { return nil }

func newTestRegistry(t *testing.T) *a2a.Registry {
	t.Helper()
	ctx := context.Background()
	reg := a2a.NewRegistry()

	local := agent.New("You are a customer agent.", agent.WithID("customer"))
	local.SetSession(&stubSession{id: "sess-1"})
	require.NoError(t, reg.Register(ctx,
		a2a.NewAgentCard("customer", "Customer Service", "support", "front desk", "triage", "medical_query"), local))
	require.NoError(t, reg.Register(ctx,
		a2a.NewAgentCard("doctor", "Doctor", "medical", "answers questions", "medical_query"), nil))
	require.NoError(t, reg.Register(ctx,
		a2a.NewAgentCard("billing", "Billing", "support", "", "invoices"), nil))
	return reg
}

func decodeAgents(t *testing.T, w *httptest.ResponseRecorder) []api.AgentInfo {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var agents []api.AgentInfo
	require.NoError(t, json.Unmarshal(raw, &agents))
	return agents
}

func TestAgentHandler_HandleListAgents(t *testing.T) {
	handler := NewAgentHandler(newTestRegistry(t), zap.NewNop())

	tests := []struct {
		name  string
		query string
		ids   []string
	}{
		{name: "all sorted", query: "", ids: []string{"billing", "customer", "doctor"}},
		{name: "by domain", query: "?domain=support", ids: []string{"billing", "customer"}},
		{name: "by capability", query: "?capability=medical_query", ids: []string{"customer", "doctor"}},
		{name: "both filters", query: "?domain=medical&capability=medical_query", ids: []string{"doctor"}},
		{name: "no match", query: "?domain=legal", ids: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/agents"+tt.query, nil)
			handler.HandleListAgents(w, r)

			assert.Equal(t, http.StatusOK, w.Code)
			agents := decodeAgents(t, w)
			ids := make([]string, 0, len(agents))
			for _, a := range agents {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestAgentHandler_LocalInstance(t *testing.T) {
	handler := NewAgentHandler(newTestRegistry(t), nil)

	w := httptest.NewRecorder()
	handler.HandleListAgents(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents?domain=support", nil))
	agents := decodeAgents(t, w)
	require.Len(t, agents, 2)

	assert.False(t, agents[0].Local)
	assert.Empty(t, agents[0].SessionID)
	assert.True(t, agents[1].Local)
	assert.Equal(t, "sess-1", agents[1].SessionID)
	assert.Equal(t, []string{"triage", "medical_query"}, agents[1].Capabilities)
}

func TestAgentHandler_HandleListAgents_NilRegistry(t *testing.T) {
	handler := NewAgentHandler(nil, nil)
	w := httptest.NewRecorder()
	handler.HandleListAgents(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeAgents(t, w))
}

func TestAgentHandler_HandleGetAgent(t *testing.T) {
	handler := NewAgentHandler(newTestRegistry(t), zap.NewNop())

	tests := []struct {
		name       string
		id         string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{name: "found", id: "doctor", wantStatus: http.StatusOK},
		{name: "not found", id: "nurse", wantStatus: http.StatusNotFound, wantCode: types.ErrNotFound},
		{name: "missing id", id: "", wantStatus: http.StatusBadRequest, wantCode: types.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+tt.id, nil)
			if tt.id != "" {
				r.SetPathValue("id", tt.id)
			}
			handler.HandleGetAgent(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			if tt.wantCode != "" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, string(tt.wantCode), resp.Error.Code)
				return
			}
			data, ok := resp.Data.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "Doctor", data["name"])
			assert.Equal(t, "medical", data["domain"])
		})
	}
}

func TestExtractAgentID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/agents/abc", nil)
	assert.Equal(t, "abc", extractAgentID(r))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/agents/abc/extra", nil)
	assert.Empty(t, extractAgentID(r))

	r = httptest.NewRequest(http.MethodGet, "/other", nil)
	r.SetPathValue("id", "xyz")
	assert.Equal(t, "xyz", extractAgentID(r))
}

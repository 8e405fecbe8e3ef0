package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/agent/voice"
	"github.com/BaSui01/voiceflow/api"
	"github.com/BaSui01/voiceflow/types"
)

// =============================================================================
// 🎙️ 会话调试 Handler
// =============================================================================

// SessionSource 活动会话来源，由 worker 实现
type SessionSource interface {
	Sessions() []*voice.AgentSession
	Session(id string) (*voice.AgentSession, bool)
}

// TranscriptLoader 读取已持久化的转写（conversation.GormStore）
type TranscriptLoader interface {
	Load(ctx context.Context, sessionID string) (*conversation.ChatContext, error)
}

// SessionHandler 会话查询与控制
type SessionHandler struct {
	source SessionSource
	loader TranscriptLoader
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器，loader 可为 nil
func NewSessionHandler(source SessionSource, loader TranscriptLoader, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		source: source,
		loader: loader,
		logger: logger.With(zap.String("handler", "session")),
	}
}

// HandleList GET /api/v1/sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessions := h.source.Sessions()
	out := make([]api.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionInfo(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	WriteSuccess(w, out)
}

// HandleGet GET /api/v1/sessions/{id}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, toSessionInfo(s))
}

// HandleTurns GET /api/v1/sessions/{id}/turns
func (h *SessionHandler) HandleTurns(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	turns := s.Turns().Turns()
	out := make([]api.TurnInfo, 0, len(turns))
	for _, t := range turns {
		out = append(out, toTurnInfo(t))
	}
	WriteSuccess(w, out)
}

// HandleTranscript GET /api/v1/sessions/{id}/transcript
// 活动会话返回内存中的上下文，否则从存储读取
func (h *SessionHandler) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session ID is required", h.logger)
		return
	}
	if s, ok := h.source.Session(id); ok {
		WriteSuccess(w, api.TranscriptResponse{SessionID: id, Items: s.Agent().ChatContext().Items()})
		return
	}
	if h.loader == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "session not found", h.logger)
		return
	}
	chatCtx, err := h.loader.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "session not found", h.logger)
			return
		}
		writeErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.TranscriptResponse{SessionID: id, Items: chatCtx.Items()})
}

// HandleSay POST /api/v1/sessions/{id}/say
func (h *SessionHandler) HandleSay(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req api.SayRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "text is required", h.logger)
		return
	}
	if err := s.Say(r.Context(), req.Text); err != nil {
		writeErr(w, err, h.logger)
		return
	}
	h.logger.Info("say via api", zap.String("session_id", s.ID()), zap.Int("chars", len(req.Text)))
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Timestamp: time.Now()})
}

// HandleInterrupt POST /api/v1/sessions/{id}/interrupt
func (h *SessionHandler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if s.Closed() {
		WriteErrorMessage(w, http.StatusGone, types.ErrSessionClosed, "session closed", h.logger)
		return
	}
	s.Interrupt()
	WriteJSON(w, http.StatusAccepted, Response{Success: true, Timestamp: time.Now()})
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*voice.AgentSession, bool) {
	id := sessionID(r)
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session ID is required", h.logger)
		return nil, false
	}
	s, ok := h.source.Session(id)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "session not found", h.logger)
		return nil, false
	}
	return s, true
}

func sessionID(r *http.Request) string {
	return r.PathValue("id")
}

func toSessionInfo(s *voice.AgentSession) api.SessionInfo {
	return api.SessionInfo{
		ID:         s.ID(),
		RoomID:     s.RoomID(),
		AgentID:    s.Agent().ID(),
		Pipeline:   s.Pipeline().Name(),
		UserState:  string(s.UserState()),
		AgentState: string(s.AgentState()),
		StartedAt:  s.StartedAt(),
		Turns:      len(s.Turns().Turns()),
		Closed:     s.Closed(),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func toTurnInfo(t voice.TurnMetrics) api.TurnInfo {
	return api.TurnInfo{
		ID:          t.ID,
		StartedAt:   t.StartedAt,
		UserText:    t.UserText,
		AgentText:   t.AgentText,
		Interrupted: t.Interrupted,
		A2AHandoff:  t.A2AHandoff,
		Errors:      t.Errors,
		EOUMs:       ms(t.EOULatency),
		STTMs:       ms(t.STTLatency),
		LLMTTFTMs:   ms(t.LLMTTFT),
		LLMMs:       ms(t.LLMDuration),
		TTSTTFBMs:   ms(t.TTSTTFB),
		E2EMs:       ms(t.E2ELatency),
	}
}

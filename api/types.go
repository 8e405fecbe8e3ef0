package api

import (
	"time"

	"github.com/BaSui01/voiceflow/agent/conversation"
)

// SessionInfo 活动会话摘要
type SessionInfo struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id,omitempty"`
	AgentID    string    `json:"agent_id"`
	Pipeline   string    `json:"pipeline"`
	UserState  string    `json:"user_state"`
	AgentState string    `json:"agent_state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Turns      int       `json:"turns"`
	Closed     bool      `json:"closed"`
}

// TurnInfo 单轮对话的延迟（毫秒）与文本
type TurnInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	UserText    string    `json:"user_text,omitempty"`
	AgentText   string    `json:"agent_text,omitempty"`
	Interrupted bool      `json:"interrupted"`
	A2AHandoff  bool      `json:"a2a_handoff,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
	EOUMs       float64   `json:"eou_ms"`
	STTMs       float64   `json:"stt_ms"`
	LLMTTFTMs   float64   `json:"llm_ttft_ms"`
	LLMMs       float64   `json:"llm_ms"`
	TTSTTFBMs   float64   `json:"tts_ttfb_ms"`
	E2EMs       float64   `json:"e2e_ms"`
}

// TranscriptResponse 已持久化的对话
type TranscriptResponse struct {
	SessionID string              `json:"session_id"`
	Items     []conversation.Item `json:"items"`
}

// AgentInfo A2A 注册表中的代理
type AgentInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Domain       string         `json:"domain"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// Local 实例在本进程
	Local bool `json:"local"`
	// SessionID 绑定的会话
	SessionID string `json:"session_id,omitempty"`
}

// SayRequest POST /api/v1/sessions/{id}/say
type SayRequest struct {
	Text string `json:"text"`
}

package a2a

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 常用消息类型。类型是开放的字符串，代理可以约定自己的类型。
const (
	// MessageSpecialistQuery content["query"] 为转交给专家代理的问题
	MessageSpecialistQuery = "specialist_query"
	// MessageModelResponse content["response"] 为代理生成的回复
	MessageModelResponse = "model_response"
	// MessageSpecialistResponse 专家把回复发回请求方
	MessageSpecialistResponse = "specialist_response"
)

// Message 代理之间的消息
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage 生成 ID 与时间戳
func NewMessage(from, to, msgType string, content map[string]any) Message {
	if content == nil {
		content = map[string]any{}
	}
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      msgType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Validate 检查必要字段
func (m Message) Validate() error {
	if m.ID == "" || m.From == "" || m.To == "" || m.Type == "" {
		return ErrInvalidMessage
	}
	return nil
}

// String 取 content 中的字符串字段，类型不符返回空串
func (m Message) String(key string) string {
	s, _ := m.Content[key].(string)
	return s
}

// Reply 以相反方向构造回复
func (m Message) Reply(msgType string, content map[string]any) Message {
	r := NewMessage(m.To, m.From, msgType, content)
	r.Metadata = map[string]any{"reply_to": m.ID}
	return r
}

// ParseMessage 解析并校验 JSON 消息
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, ErrInvalidMessage
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

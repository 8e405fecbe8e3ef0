package conversation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/voiceflow/llm/tokenizer"
	"github.com/BaSui01/voiceflow/types"
)

// ItemType 条目类型
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
)

// Item 对话条目。按 Type 区分使用的字段：
//   - message: Role, Content, CreatedAt, Interrupted
//   - function_call: Name, Arguments, CallID
//   - function_call_output: Name, CallID, Output, IsError
type Item struct {
	ID   string   `json:"id"`
	Type ItemType `json:"type"`

	Role        types.Role `json:"role,omitempty"`
	Content     []string   `json:"content,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Text 消息内容，多段以换行连接
func (it Item) Text() string {
	return strings.Join(it.Content, "\n")
}

func (it Item) isFunction() bool {
	return it.Type == ItemFunctionCall || it.Type == ItemFunctionCallOutput
}

func (it Item) isSystem() bool {
	return it.Type == ItemMessage && it.Role == types.RoleSystem
}

func (it Item) clone() Item {
	if it.Content != nil {
		it.Content = append([]string(nil), it.Content...)
	}
	return it
}

// NewItemID item_<32 hex>
func NewItemID() string {
	return "item_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MessageOption 定制 AddMessage 创建的消息
type MessageOption func(*Item)

// WithMessageID 指定消息 ID
func WithMessageID(id string) MessageOption {
	return func(it *Item) { it.ID = id }
}

// WithInterrupted 标记消息在生成过程中被打断
func WithInterrupted(interrupted bool) MessageOption {
	return func(it *Item) { it.Interrupted = interrupted }
}

// WithCreatedAt 指定创建时间
func WithCreatedAt(t time.Time) MessageOption {
	return func(it *Item) { it.CreatedAt = t }
}

// CopyOptions Copy 的过滤条件
type CopyOptions struct {
	ExcludeFunctionCalls  bool
	ExcludeSystemMessages bool
	// Tools 非 nil 时只保留这些工具的调用与结果
	Tools []string
}

// ChatContext 并发安全的对话上下文
type ChatContext struct {
	mu    sync.RWMutex
	items []Item
}

// NewChatContext 以给定条目创建上下文
func NewChatContext(items ...Item) *ChatContext {
	c := &ChatContext{items: make([]Item, 0, len(items))}
	for _, it := range items {
		c.items = append(c.items, it.clone())
	}
	return c
}

// Empty 新建空上下文
func Empty() *ChatContext { return NewChatContext() }

// AddMessage 追加消息并返回
func (c *ChatContext) AddMessage(role types.Role, content string, opts ...MessageOption) Item {
	it := Item{
		ID:        NewItemID(),
		Type:      ItemMessage,
		Role:      role,
		Content:   []string{content},
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&it)
	}
	c.mu.Lock()
	c.items = append(c.items, it)
	c.mu.Unlock()
	return it.clone()
}

// AddFunctionCall 追加工具调用
func (c *ChatContext) AddFunctionCall(name, arguments, callID string) Item {
	it := Item{ID: NewItemID(), Type: ItemFunctionCall, Name: name, Arguments: arguments, CallID: callID}
	c.mu.Lock()
	c.items = append(c.items, it)
	c.mu.Unlock()
	return it
}

// AddFunctionOutput 追加工具结果
func (c *ChatContext) AddFunctionOutput(name, callID, output string, isError bool) Item {
	it := Item{ID: NewItemID(), Type: ItemFunctionCallOutput, Name: name, CallID: callID, Output: output, IsError: isError}
	c.mu.Lock()
	c.items = append(c.items, it)
	c.mu.Unlock()
	return it
}

// SetSystemMessage 替换第一条系统消息，不存在时插到最前
func (c *ChatContext) SetSystemMessage(content string) Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].isSystem() {
			c.items[i].Content = []string{content}
			return c.items[i].clone()
		}
	}
	it := Item{ID: NewItemID(), Type: ItemMessage, Role: types.RoleSystem, Content: []string{content}, CreatedAt: time.Now()}
	c.items = append([]Item{it}, c.items...)
	return it.clone()
}

// GetByID 按 ID 查找条目
func (c *ChatContext) GetByID(id string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.items {
		if it.ID == id {
			return it.clone(), true
		}
	}
	return Item{}, false
}

// Items 条目快照
func (c *ChatContext) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = it.clone()
	}
	return out
}

// Len 条目数
func (c *ChatContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// LastMessage 返回指定角色的最后一条消息
func (c *ChatContext) LastMessage(role types.Role) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].Type == ItemMessage && c.items[i].Role == role {
			return c.items[i].clone(), true
		}
	}
	return Item{}, false
}

// Copy 按条件复制出新的上下文
func (c *ChatContext) Copy(opts CopyOptions) *ChatContext {
	var allowed map[string]bool
	if opts.Tools != nil {
		allowed = make(map[string]bool, len(opts.Tools))
		for _, name := range opts.Tools {
			allowed[name] = true
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	keptCalls := make(map[string]bool)
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		switch {
		case it.isSystem() && opts.ExcludeSystemMessages:
			continue
		case it.isFunction() && opts.ExcludeFunctionCalls:
			continue
		case it.Type == ItemFunctionCall && allowed != nil:
			if !allowed[it.Name] {
				continue
			}
			keptCalls[it.CallID] = true
		case it.Type == ItemFunctionCallOutput && allowed != nil:
			if !allowed[it.Name] || !keptCalls[it.CallID] {
				continue
			}
		}
		out = append(out, it.clone())
	}
	return &ChatContext{items: out}
}

// Truncate 保留最近 max 条。窗口不会以工具调用/结果开头；
// 若第一条系统消息落在窗口外，将其放回首位。max<=0 时不做处理。
func (c *ChatContext) Truncate(max int) *ChatContext {
	if max <= 0 {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) <= max {
		return c
	}

	var system *Item
	for i := range c.items {
		if c.items[i].isSystem() {
			s := c.items[i]
			system = &s
			break
		}
	}

	window := c.items[len(c.items)-max:]
	for len(window) > 0 && window[0].isFunction() {
		window = window[1:]
	}

	out := make([]Item, 0, len(window)+1)
	if system != nil && !containsID(window, system.ID) {
		out = append(out, *system)
	}
	out = append(out, window...)
	c.items = out
	return c
}

// TruncateTokens 丢弃最旧的非系统条目直到 token 数不超过 budget
func (c *ChatContext) TruncateTokens(budget int, tk tokenizer.Tokenizer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		n, err := tk.CountMessages(toMessages(c.items))
		if err != nil {
			return 0, fmt.Errorf("count tokens: %w", err)
		}
		if n <= budget {
			return n, nil
		}
		idx := firstNonSystem(c.items)
		if idx < 0 {
			// 只剩系统消息，无法继续截断
			return n, nil
		}
		c.items = slices.Delete(c.items, idx, idx+1)
		// 不留下孤立的工具结果
		for idx < len(c.items) && c.items[idx].isFunction() {
			c.items = slices.Delete(c.items, idx, idx+1)
		}
	}
}

func firstNonSystem(items []Item) int {
	for i, it := range items {
		if !it.isSystem() {
			return i
		}
	}
	return -1
}

func containsID(items []Item, id string) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// ToMessages 转换为 LLM 消息
func (c *ChatContext) ToMessages() []types.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return toMessages(c.items)
}

func toMessages(items []Item) []types.Message {
	msgs := make([]types.Message, 0, len(items))
	for i := 0; i < len(items); i++ {
		it := items[i]
		switch it.Type {
		case ItemMessage:
			m := types.NewMessage(it.Role, it.Text())
			m.Timestamp = it.CreatedAt
			msgs = append(msgs, m)
		case ItemFunctionCall:
			// 连续的调用合并为一条 assistant 消息
			var calls []types.ToolCall
			for ; i < len(items) && items[i].Type == ItemFunctionCall; i++ {
				calls = append(calls, types.ToolCall{
					ID:        items[i].CallID,
					Name:      items[i].Name,
					Arguments: rawArguments(items[i].Arguments),
				})
			}
			i--
			msgs = append(msgs, types.NewAssistantMessage("").WithToolCalls(calls))
		case ItemFunctionCallOutput:
			msgs = append(msgs, types.NewToolMessage(it.CallID, it.Name, it.Output))
		}
	}
	return msgs
}

func rawArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// Cleanup 清空上下文
func (c *ChatContext) Cleanup() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

type chatContextJSON struct {
	Items []Item `json:"items"`
}

func (c *ChatContext) MarshalJSON() ([]byte, error) {
	items := c.Items()
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(chatContextJSON{Items: items})
}

func (c *ChatContext) UnmarshalJSON(data []byte) error {
	var raw chatContextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, it := range raw.Items {
		switch it.Type {
		case ItemMessage:
			if !it.Role.Valid() {
				return fmt.Errorf("conversation: item %d: invalid role %q", i, it.Role)
			}
		case ItemFunctionCall, ItemFunctionCallOutput:
		default:
			return fmt.Errorf("conversation: item %d: unknown type %q", i, it.Type)
		}
	}
	c.mu.Lock()
	c.items = raw.Items
	c.mu.Unlock()
	return nil
}

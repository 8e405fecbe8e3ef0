package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/voiceflow/types"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)
	// CountMessages 返回消息列表的总 token 数，含每条消息的角色与分隔开销
	CountMessages(messages []types.Message) (int, error)
	// MaxTokens 模型上下文长度
	MaxTokens() int
	Name() string
}

var (
	registry   = make(map[string]Tokenizer)
	registryMu sync.RWMutex
)

// Register 为模型名注册分词器
func Register(model string, t Tokenizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[model] = t
}

// ForModel 返回模型对应的分词器：已注册的优先，其次 tiktoken（初始化失败时退回估算器）
func ForModel(model string) Tokenizer {
	registryMu.RLock()
	t, ok := registry[model]
	if !ok {
		for prefix, rt := range registry {
			if strings.HasPrefix(model, prefix) {
				t, ok = rt, true
				break
			}
		}
	}
	registryMu.RUnlock()
	if ok {
		return t
	}
	return &fallback{
		primary:   NewTiktokenTokenizer(model),
		estimator: NewEstimatorTokenizer(model, 0),
	}
}

// messageText 参与计数的消息文本：内容、名称与工具调用参数
func messageText(m types.Message) string {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		b.WriteString(tc.Name)
		b.Write(tc.Arguments)
	}
	return b.String()
}

// fallback 先用 primary，primary 出错（如 BPE 数据不可用）时改用估算器
type fallback struct {
	primary   Tokenizer
	estimator Tokenizer
}

func (f *fallback) CountTokens(text string) (int, error) {
	if n, err := f.primary.CountTokens(text); err == nil {
		return n, nil
	}
	return f.estimator.CountTokens(text)
}

func (f *fallback) CountMessages(messages []types.Message) (int, error) {
	if n, err := f.primary.CountMessages(messages); err == nil {
		return n, nil
	}
	return f.estimator.CountMessages(messages)
}

func (f *fallback) MaxTokens() int { return f.primary.MaxTokens() }
func (f *fallback) Name() string   { return f.primary.Name() }

package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/voiceflow/types"
)

// TiktokenTokenizer OpenAI 系列模型的精确计数
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

type encodingInfo struct {
	encoding  string
	maxTokens int
}

var modelEncodings = map[string]encodingInfo{
	"gpt-4o":        {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":   {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4.1":       {encoding: "o200k_base", maxTokens: 1047576},
	"gpt-4-turbo":   {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":         {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo": {encoding: "cl100k_base", maxTokens: 16385},
}

// NewTiktokenTokenizer 按模型选择编码，未知模型使用 cl100k_base
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	info, ok := modelEncodings[model]
	if !ok {
		// 最长前缀匹配，避免 gpt-4o-mini 命中 gpt-4
		best := ""
		for prefix, i := range modelEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
				best, info, ok = prefix, i, true
			}
		}
	}
	if !ok {
		info = encodingInfo{encoding: "cl100k_base", maxTokens: 8192}
	}
	return &TiktokenTokenizer{model: model, encoding: info.encoding, maxTokens: info.maxTokens}
}

// init 首次使用时加载编码（可能需要下载 BPE 数据）
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []types.Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	total := 3 // 回复引导
	for _, m := range messages {
		total += 4
		total += len(t.enc.Encode(string(m.Role), nil, nil))
		total += len(t.enc.Encode(messageText(m), nil, nil))
	}
	return total, nil
}

func (t *TiktokenTokenizer) MaxTokens() int { return t.maxTokens }

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

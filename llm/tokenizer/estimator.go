package tokenizer

import (
	"unicode/utf8"

	"github.com/BaSui01/voiceflow/types"
)

// EstimatorTokenizer 按字符数估算 token，CJK 约 1.5 字/token，其余约 4 字符/token
type EstimatorTokenizer struct {
	model     string
	maxTokens int
}

// NewEstimatorTokenizer 创建估算器，maxTokens<=0 时取 4096
func NewEstimatorTokenizer(model string, maxTokens int) *EstimatorTokenizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &EstimatorTokenizer{model: model, maxTokens: maxTokens}
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (e *EstimatorTokenizer) CountMessages(messages []types.Message) (int, error) {
	total := 3
	for _, m := range messages {
		n, _ := e.CountTokens(messageText(m))
		total += n + 4
	}
	return total, nil
}

func (e *EstimatorTokenizer) MaxTokens() int { return e.maxTokens }

func (e *EstimatorTokenizer) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0x3040 && r <= 0x30FF) // 日文假名
}

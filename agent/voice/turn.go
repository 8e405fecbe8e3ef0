package voice

import (
	"context"
	"strings"
	"unicode"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/types"
)

// DefaultEOUThreshold 概率不低于阈值视为说完
const DefaultEOUThreshold = 0.7

// TurnDetector 判断用户是否已说完一句话
type TurnDetector interface {
	DetectEndOfUtterance(ctx context.Context, chatCtx *conversation.ChatContext) (bool, float64)
}

// TurnDetectorFunc 函数适配器
type TurnDetectorFunc func(ctx context.Context, chatCtx *conversation.ChatContext) (bool, float64)

func (f TurnDetectorFunc) DetectEndOfUtterance(ctx context.Context, chatCtx *conversation.ChatContext) (bool, float64) {
	return f(ctx, chatCtx)
}

// HeuristicTurnDetector 根据最后一条用户消息的结尾估计 EOU 概率：
// 句末标点概率高，连词、语气词、逗号与省略号结尾概率低。
type HeuristicTurnDetector struct {
	Threshold float64
}

// NewHeuristicTurnDetector threshold<=0 时使用默认值
func NewHeuristicTurnDetector(threshold float64) *HeuristicTurnDetector {
	if threshold <= 0 {
		threshold = DefaultEOUThreshold
	}
	return &HeuristicTurnDetector{Threshold: threshold}
}

func (d *HeuristicTurnDetector) DetectEndOfUtterance(_ context.Context, chatCtx *conversation.ChatContext) (bool, float64) {
	if chatCtx == nil {
		return true, 1
	}
	last, ok := chatCtx.LastMessage(types.RoleUser)
	if !ok {
		return true, 1
	}
	p := EOUProbability(last.Text())
	return p >= d.Threshold, p
}

var continuationWords = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "if": {}, "then": {},
	"the": {}, "a": {}, "an": {}, "to": {}, "with": {}, "of": {}, "for": {},
	"um": {}, "uh": {}, "like": {}, "my": {}, "is": {}, "was": {},
}

var continuationSuffixes = []string{"然后", "还有", "但是", "因为", "所以", "就是", "嗯", "那个", "呃"}

// EOUProbability 单句的结束概率
func EOUProbability(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…") {
		return 0.2
	}
	runes := []rune(text)
	switch runes[len(runes)-1] {
	case '.', '!', '?', '。', '！', '？':
		return 0.9
	case ',', '，', '、', ';', '；', ':', '：', '-':
		return 0.2
	}

	for _, s := range continuationSuffixes {
		if strings.HasSuffix(text, s) {
			return 0.15
		}
	}
	fields := strings.Fields(strings.ToLower(text))
	lastWord := strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if _, ok := continuationWords[lastWord]; ok {
		return 0.15
	}
	return 0.75
}

package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/voiceflow/agent/conversation"
	"github.com/BaSui01/voiceflow/types"
)

func TestEOUProbability(t *testing.T) {
	tt := []struct {
		text string
		want float64
	}{
		{"", 0},
		{"What's the weather in Paris?", 0.9},
		{"Book it.", 0.9},
		{"今天天气怎么样？", 0.9},
		{"I want to go to", 0.15},
		{"and then um", 0.15},
		{"我想去北京然后", 0.15},
		{"well,", 0.2},
		{"let me think...", 0.2},
		{"let me think…", 0.2},
		{"sounds good to me", 0.75},
	}
	for _, tc := range tt {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, EOUProbability(tc.text))
		})
	}
}

func TestHeuristicTurnDetector(t *testing.T) {
	d := NewHeuristicTurnDetector(0)
	assert.Equal(t, DefaultEOUThreshold, d.Threshold)

	chatCtx := conversation.NewChatContext()
	done, p := d.DetectEndOfUtterance(context.Background(), chatCtx)
	assert.True(t, done, "no user message counts as finished")
	assert.Equal(t, 1.0, p)

	chatCtx.AddMessage(types.RoleUser, "I need a table for")
	chatCtx.AddMessage(types.RoleAssistant, "Sure.")
	done, _ = d.DetectEndOfUtterance(context.Background(), chatCtx)
	assert.False(t, done, "last user message decides")

	chatCtx.AddMessage(types.RoleUser, "two people tonight.")
	done, p = d.DetectEndOfUtterance(context.Background(), chatCtx)
	assert.True(t, done)
	assert.Equal(t, 0.9, p)

	strict := NewHeuristicTurnDetector(0.95)
	done, _ = strict.DetectEndOfUtterance(context.Background(), chatCtx)
	assert.False(t, done)
}

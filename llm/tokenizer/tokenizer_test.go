package tokenizer

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/BaSui01/voiceflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTokenizer struct {
	perText int
	err     error
}

func (f fixedTokenizer) CountTokens(string) (int, error) { return f.perText, f.err }
func (f fixedTokenizer) CountMessages(m []types.Message) (int, error) {
	return f.perText * len(m), f.err
}
func (f fixedTokenizer) MaxTokens() int { return 100 }
func (f fixedTokenizer) Name() string   { return "fixed" }

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimatorTokenizer("any", 0)
	tt := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short ascii rounds up to one", "hi", 1},
		{"ascii", "hello world, how are you?", 6},
		{"cjk", "你好世界", 2},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			n, err := e.CountTokens(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
	assert.Equal(t, 4096, e.MaxTokens())
}

func TestEstimator_CountMessages_IncludesToolCalls(t *testing.T) {
	e := NewEstimatorTokenizer("any", 0)
	plain, _ := e.CountMessages([]types.Message{types.NewAssistantMessage("")})
	withCall, _ := e.CountMessages([]types.Message{
		types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{{
			Name:      "lookup_account_balance",
			Arguments: json.RawMessage(`{"account_id":"1234567890"}`),
		}}),
	})
	assert.Greater(t, withCall, plain)
}

func TestNewTiktokenTokenizer_ModelSelection(t *testing.T) {
	tt := []struct {
		model    string
		name     string
		maxToken int
	}{
		{"gpt-4o-mini", "tiktoken[o200k_base]", 128000},
		{"gpt-4o-mini-2024-07-18", "tiktoken[o200k_base]", 128000},
		{"gpt-4-0613", "tiktoken[cl100k_base]", 8192},
		{"llama-3", "tiktoken[cl100k_base]", 8192},
	}
	for _, tc := range tt {
		t.Run(tc.model, func(t *testing.T) {
			tk := NewTiktokenTokenizer(tc.model)
			assert.Equal(t, tc.name, tk.Name())
			assert.Equal(t, tc.maxToken, tk.MaxTokens())
		})
	}
}

func TestForModel_Registered(t *testing.T) {
	Register("voice-test-model", fixedTokenizer{perText: 7})
	tk := ForModel("voice-test-model-v2")
	n, err := tk.CountTokens("anything")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestFallback_UsesEstimatorOnError(t *testing.T) {
	f := &fallback{
		primary:   fixedTokenizer{err: errors.New("no bpe")},
		estimator: NewEstimatorTokenizer("x", 0),
	}
	n, err := f.CountTokens("hello world, how are you?")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	m, err := f.CountMessages([]types.Message{types.NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, 8, m)
	assert.Equal(t, "fixed", f.Name())
}

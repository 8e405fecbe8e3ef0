package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/voiceflow/llm"
	"github.com/BaSui01/voiceflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		ProviderName: "test",
		APIKey:       "test-key",
		BaseURL:      server.URL,
		DefaultModel: "gpt-4o-mini",
	}, zap.NewNop())
}

func collect(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.endpoint())
	assert.Equal(t, 30*time.Second, p.client.Timeout)
	assert.Zero(t, p.streamClient.Timeout)
}

func TestProvider_Completion(t *testing.T) {
	var got wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","model":"gpt-4o-mini","created":1700000000,
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]}}],
			"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			types.NewSystemMessage("be brief"),
			types.NewUserMessage("weather in Paris?"),
		},
		Tools: []llm.ToolSchema{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "auto", got.ToolChoice)
	assert.False(t, got.Stream)

	msg := resp.FirstMessage()
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, "test", resp.Provider)
}

func TestProvider_Completion_HTTPErrors(t *testing.T) {
	tt := []struct {
		status int
		body   string
		code   types.ErrorCode
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, types.ErrUnauthorized},
		{http.StatusTooManyRequests, `{"error":{"message":"slow"}}`, types.ErrRateLimited},
		{http.StatusServiceUnavailable, `oops`, types.ErrUpstreamError},
	}
	for _, tc := range tt {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := p.Completion(context.Background(), &llm.ChatRequest{})
			require.Error(t, err)
			assert.Equal(t, tc.code, types.GetErrorCode(err))
		})
	}
}

func TestProvider_Stream_ContentAndToolCalls(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo."}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Messages: []llm.Message{types.NewUserMessage("hi")}})
	require.NoError(t, err)
	chunks := collect(t, ch)

	var text string
	acc := llm.NewToolCallAccumulator()
	var finish string
	var usage *llm.ChatUsage
	for _, c := range chunks {
		require.Nil(t, c.Err)
		text += c.Content
		acc.Add(c.ToolCalls)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	assert.Equal(t, "Hello.", text)
	assert.Equal(t, "tool_calls", finish)
	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Arguments))
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestProvider_Stream_BadChunk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json}\n\n")
	})
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Err)
	assert.Equal(t, types.ErrUpstreamError, chunks[0].Err.Code)
}

func TestProvider_Stream_CancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, &llm.ChatRequest{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "a", first.Content)
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestToWireMessages(t *testing.T) {
	msgs := []llm.Message{
		types.NewAssistantMessage("").WithToolCalls([]llm.ToolCall{{ID: "c1", Name: "f"}}),
		types.NewToolMessage("c1", "f", `{"ok":true}`),
	}
	wire := toWireMessages(msgs)
	require.Len(t, wire, 2)
	assert.Nil(t, wire[0].Content)
	assert.Equal(t, "{}", wire[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", wire[1].ToolCallID)
	require.NotNil(t, wire[1].Content)
}

func TestToolChoice(t *testing.T) {
	assert.Nil(t, toolChoice(""))
	assert.Equal(t, "none", toolChoice("none"))
	assert.Equal(t, map[string]any{"type": "function", "function": map[string]string{"name": "lookup"}}, toolChoice("lookup"))
}

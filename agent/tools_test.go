package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/voiceflow/types"
)

func echoTool(t *testing.T, name string) *FunctionTool {
	t.Helper()
	tool, err := NewFunctionTool(name, "echo arguments", json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]string{"echo": in.Text}, nil
		})
	require.NoError(t, err)
	return tool
}

func TestNewFunctionTool_Validation(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	tt := []struct {
		name    string
		tool    string
		params  string
		handler ToolHandler
		wantErr bool
	}{
		{name: "valid", tool: "lookup", params: `{"type":"object"}`, handler: noop},
		{name: "empty params", tool: "lookup", params: "", handler: noop},
		{name: "schema without type", tool: "lookup", params: `{"properties":{}}`, handler: noop},
		{name: "empty name", tool: "", params: `{"type":"object"}`, handler: noop, wantErr: true},
		{name: "nil handler", tool: "lookup", params: `{"type":"object"}`, wantErr: true},
		{name: "array schema", tool: "lookup", params: `{"type":"array"}`, handler: noop, wantErr: true},
		{name: "not an object", tool: "lookup", params: `[1,2]`, handler: noop, wantErr: true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			tool, err := NewFunctionTool(tc.tool, "", json.RawMessage(tc.params), tc.handler)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTool)
				return
			}
			require.NoError(t, err)
			assert.True(t, json.Valid(tool.Schema().Parameters))
		})
	}
}

func TestToolRegistry_RegisterOrderAndReplace(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(echoTool(t, "b"), echoTool(t, "a")))
	require.NoError(t, r.Register(echoTool(t, "b")))

	assert.Equal(t, []string{"b", "a"}, r.Names())
	assert.Equal(t, 2, r.Len())

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "b", schemas[0].Name)
	assert.Equal(t, "echo arguments", schemas[0].Description)

	assert.True(t, r.Unregister("b"))
	assert.False(t, r.Unregister("b"))
	assert.Equal(t, []string{"a"}, r.Names())

	r.Clear()
	assert.Nil(t, r.Schemas())
}

func TestToolRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(echoTool(t, "ok"), &FunctionTool{Name: "broken"})
	assert.ErrorIs(t, err, ErrInvalidTool)
	assert.Equal(t, 0, r.Len())
}

func TestToolRegistry_Execute(t *testing.T) {
	boom := errors.New("boom")
	r := NewToolRegistry()
	require.NoError(t, r.Register(
		echoTool(t, "echo"),
		&FunctionTool{Name: "text", Handler: func(context.Context, json.RawMessage) (any, error) { return "plain", nil }},
		&FunctionTool{Name: "fail", Handler: func(context.Context, json.RawMessage) (any, error) { return nil, boom }},
		&FunctionTool{Name: "panic", Handler: func(context.Context, json.RawMessage) (any, error) { panic("bad") }},
		&FunctionTool{Name: "args", Handler: func(_ context.Context, args json.RawMessage) (any, error) { return args, nil }},
	))

	tt := []struct {
		name     string
		call     types.ToolCall
		want     string
		wantCode types.ErrorCode
	}{
		{name: "json result", call: types.ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, want: `{"echo":"hi"}`},
		{name: "string result", call: types.ToolCall{Name: "text"}, want: "plain"},
		{name: "empty args become object", call: types.ToolCall{Name: "args"}, want: "{}"},
		{name: "invalid args become object", call: types.ToolCall{Name: "args", Arguments: json.RawMessage(`{oops`)}, want: "{}"},
		{name: "unknown tool", call: types.ToolCall{Name: "missing"}, wantCode: types.ErrToolNotFound},
		{name: "handler error", call: types.ToolCall{Name: "fail"}, wantCode: types.ErrToolExecution},
		{name: "handler panic", call: types.ToolCall{Name: "panic"}, wantCode: types.ErrToolExecution},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			out, err := r.Execute(context.Background(), tc.call)
			if tc.wantCode != "" {
				require.Error(t, err)
				assert.True(t, types.IsErrorCode(err, tc.wantCode))
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, jsonish(tc.want), jsonish(out))
		})
	}

	_, err := r.Execute(context.Background(), types.ToolCall{Name: "missing"})
	assert.ErrorIs(t, err, ErrToolNotFound)
	_, err = r.Execute(context.Background(), types.ToolCall{Name: "fail"})
	assert.ErrorIs(t, err, boom)
}

// jsonish quotes plain strings so every output can be compared with JSONEq.
func jsonish(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	b, _ := json.Marshal(s)
	return string(b)
}

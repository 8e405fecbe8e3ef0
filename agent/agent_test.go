package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/voiceflow/internal/eventbus"
	"github.com/BaSui01/voiceflow/types"
)

type mockSession struct {
	id      string
	bus     *eventbus.Bus
	sendFn  func(ctx context.Context, text string) error
	closeFn func(ctx context.Context) error
	leaveFn func(ctx context.Context) error
}

func (m *mockSession) ID() string { return m.id }

func (m *mockSession) Events() *eventbus.Bus { return m.bus }

func (m *mockSession) SendTextMessage(ctx context.Context, text string) error {
	if m.sendFn != nil {
		return m.sendFn(ctx, text)
	}
	return nil
}

func (m *mockSession) Close(ctx context.Context) error {
	if m.closeFn != nil {
		return m.closeFn(ctx)
	}
	return nil
}

func (m *mockSession) Leave(ctx context.Context) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx)
	}
	return nil
}

type mockToolSource struct {
	connectFn func(ctx context.Context) ([]*FunctionTool, error)
	closed    int
}

func (m *mockToolSource) Connect(ctx context.Context) ([]*FunctionTool, error) {
	return m.connectFn(ctx)
}

func (m *mockToolSource) Close() error {
	m.closed++
	return nil
}

type a2aHandleFunc func(ctx context.Context) error

func (f a2aHandleFunc) Unregister(ctx context.Context) error { return f(ctx) }

func TestNew_Defaults(t *testing.T) {
	a := New("You are a concise assistant.")

	assert.Equal(t, DefaultID, a.ID())
	assert.Equal(t, "You are a concise assistant.", a.Instructions())

	items := a.ChatContext().Items()
	require.Len(t, items, 1)
	assert.Equal(t, types.RoleSystem, items[0].Role)
	assert.Equal(t, "You are a concise assistant.", items[0].Text())

	assert.NoError(t, a.OnEnter(context.Background()))
	assert.NoError(t, a.OnExit(context.Background()))
}

func TestNew_IDOptions(t *testing.T) {
	tt := []struct {
		name string
		opts []Option
		want func(t *testing.T, id string)
	}{
		{name: "explicit", opts: []Option{WithID("support")}, want: func(t *testing.T, id string) { assert.Equal(t, "support", id) }},
		{name: "random", opts: []Option{WithRandomID()}, want: func(t *testing.T, id string) { assert.Len(t, id, 36) }},
		{name: "empty falls back to uuid", opts: []Option{WithID("")}, want: func(t *testing.T, id string) { assert.Len(t, id, 36) }},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			tc.want(t, New("x", tc.opts...).ID())
		})
	}
}

func TestAgent_SetInstructionsReplacesSystemMessage(t *testing.T) {
	a := New("first")
	a.ChatContext().AddMessage(types.RoleUser, "hello")
	a.SetInstructions("second")

	items := a.ChatContext().Items()
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Text())
	assert.Equal(t, "second", a.Instructions())
}

func TestAgent_Lifecycle(t *testing.T) {
	var calls []string
	a := New("x", WithLifecycle(LifecycleFuncs{
		Enter: func(context.Context) error { calls = append(calls, "enter"); return nil },
		Exit:  func(context.Context) error { calls = append(calls, "exit"); return errors.New("exit failed") },
	}))

	require.NoError(t, a.OnEnter(context.Background()))
	assert.EqualError(t, a.OnExit(context.Background()), "exit failed")
	assert.Equal(t, []string{"enter", "exit"}, calls)
}

func TestAgent_SpeechCallbacks(t *testing.T) {
	var in, out []string
	a := New("x",
		WithSpeechIn(func(ev SpeechEvent) { in = append(in, ev.Text) }),
		WithSpeechOut(func(ev SpeechEvent) { out = append(out, ev.Text) }),
	)
	a.HandleSpeechIn(SpeechEvent{Text: "hi", Final: true})
	a.HandleSpeechOut(SpeechEvent{Text: "hello there"})

	assert.Equal(t, []string{"hi"}, in)
	assert.Equal(t, []string{"hello there"}, out)

	assert.NotPanics(t, func() { New("y").HandleSpeechIn(SpeechEvent{Text: "ignored"}) })
}

func TestAgent_ConnectMCP(t *testing.T) {
	connects := 0
	src := &mockToolSource{connectFn: func(context.Context) ([]*FunctionTool, error) {
		connects++
		return []*FunctionTool{echoTool(t, "mcp_echo")}, nil
	}}
	a := New("x", WithMCP(src))

	require.NoError(t, a.ConnectMCP(context.Background()))
	require.NoError(t, a.ConnectMCP(context.Background()))
	assert.Equal(t, 1, connects)
	_, ok := a.Tools().Get("mcp_echo")
	assert.True(t, ok)

	failing := New("x", WithMCP(&mockToolSource{connectFn: func(context.Context) ([]*FunctionTool, error) {
		return nil, errors.New("dial failed")
	}}))
	assert.ErrorContains(t, failing.ConnectMCP(context.Background()), "dial failed")

	assert.NoError(t, New("no mcp").ConnectMCP(context.Background()))
}

func TestAgent_Hangup(t *testing.T) {
	a := New("x")
	assert.ErrorIs(t, a.Hangup(context.Background()), ErrNoSession)

	closed := false
	a.SetSession(&mockSession{id: "s1", closeFn: func(context.Context) error { closed = true; return nil }})
	require.NoError(t, a.Hangup(context.Background()))
	assert.True(t, closed)
}

func TestAgent_LastSender(t *testing.T) {
	a := New("x")
	assert.Empty(t, a.LastSender())
	a.SetLastSender("router")
	assert.Equal(t, "router", a.LastSender())
}

func TestAgent_Cleanup(t *testing.T) {
	src := &mockToolSource{connectFn: func(context.Context) ([]*FunctionTool, error) { return nil, nil }}
	unregistered := false
	a := New("x", WithMCP(src), WithTools(echoTool(t, "echo")))
	a.SetA2A(a2aHandleFunc(func(context.Context) error { unregistered = true; return nil }))
	a.SetSession(&mockSession{id: "s1"})
	chatCtx := a.ChatContext()
	chatCtx.AddMessage(types.RoleUser, "hello")

	a.Cleanup(context.Background())

	assert.Equal(t, 1, src.closed)
	assert.True(t, unregistered)
	assert.Nil(t, a.Session())
	assert.Nil(t, a.A2A())
	assert.Equal(t, 0, a.Tools().Len())
	assert.Equal(t, 0, chatCtx.Len())
	assert.Equal(t, 0, a.ChatContext().Len())

	assert.NotPanics(t, func() { a.Cleanup(context.Background()) })
	assert.Equal(t, 1, src.closed)
}

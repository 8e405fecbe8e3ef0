package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voiceflow/internal/database"
	"github.com/BaSui01/voiceflow/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	pm, err := database.Open(database.DriverSQLite, ":memory:",
		database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	store, err := NewGormStore(pm, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestGormStore_SaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := sampleContext()
	c.AddMessage(types.RoleAssistant, "cut off", WithInterrupted(true))
	require.NoError(t, store.Save(ctx, "sess-1", "room-abc", c))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)

	want, got := c.Items(), loaded.Items()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.Equal(t, want[i].Content, got[i].Content)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Arguments, got[i].Arguments)
		assert.Equal(t, want[i].CallID, got[i].CallID)
		assert.Equal(t, want[i].Output, got[i].Output)
		assert.Equal(t, want[i].Interrupted, got[i].Interrupted)
	}
}

func TestGormStore_SaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-2", "room-1", sampleContext()))

	short := Empty()
	short.AddMessage(types.RoleUser, "only one")
	require.NoError(t, store.Save(ctx, "sess-2", "room-2", short))

	loaded, err := store.Load(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	assert.Equal(t, "only one", loaded.Items()[0].Text())

	sessions, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "room-2", sessions[0].RoomID)
	assert.Equal(t, 1, sessions[0].ItemCount)
}

func TestGormStore_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Error(t, store.Save(ctx, "", "room", Empty()))

	require.NoError(t, store.Save(ctx, "empty", "room", Empty()))
	loaded, err := store.Load(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())

	_, err = NewGormStore(nil, nil)
	assert.Error(t, err)
}

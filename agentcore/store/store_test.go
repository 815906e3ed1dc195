package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/agentid"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/store"
)

func TestInMemory_SaveLoadMessagesRoundTrip(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	msgs := []*message.Message{message.NewText(message.RoleUser, "hi")}
	require.NoError(t, s.SaveMessages(ctx, id, msgs))

	loaded, err := s.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestInMemory_LoadMessages_NotFound(t *testing.T) {
	s := store.NewInMemory()
	_, err := s.LoadMessages(context.Background(), agentid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInMemory_AppendEvent_EnforcesContiguousCursor(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	require.NoError(t, s.AppendEvent(ctx, id, eventlog.Event{Cursor: 0}))
	err := s.AppendEvent(ctx, id, eventlog.Event{Cursor: 2})
	assert.Error(t, err)
}

func TestInMemory_ReadEvents_FromCursor(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	require.NoError(t, s.AppendEvent(ctx, id, eventlog.Event{Cursor: 0}))
	require.NoError(t, s.AppendEvent(ctx, id, eventlog.Event{Cursor: 1}))

	events, err := s.ReadEvents(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Cursor)
}

func TestInMemory_SnapshotSaveLoadList(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	snap := store.Snapshot{ID: "snap-1", CreatedAt: time.Now()}
	require.NoError(t, s.SaveSnapshot(ctx, id, snap))

	loaded, err := s.LoadSnapshot(ctx, id, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", loaded.ID)

	list, err := s.ListSnapshots(ctx, id)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInMemory_InfoSaveLoad(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	require.NoError(t, s.SaveInfo(ctx, id, store.Info{AgentID: id, MessageCount: 3}))
	info, err := s.LoadInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.MessageCount)
}

func TestInMemory_ExistsListDelete(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	require.NoError(t, s.SaveInfo(ctx, id, store.Info{AgentID: id}))

	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	ids, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	require.NoError(t, s.Delete(ctx, id))
	exists, err = s.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInMemory_AgentLock_PreventsSecondAcquire(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	release, err := s.AcquireAgentLock(ctx, id, time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireAgentLock(ctx, id, time.Minute)
	assert.Error(t, err)

	release()
	_, err = s.AcquireAgentLock(ctx, id, time.Minute)
	assert.NoError(t, err)
}

func TestInMemory_AgentLock_ExpiresAfterTTL(t *testing.T) {
	s := store.NewInMemory()
	ctx := context.Background()
	id := agentid.New()

	_, err := s.AcquireAgentLock(ctx, id, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.AcquireAgentLock(ctx, id, time.Minute)
	assert.NoError(t, err)
}

func TestInMemory_HealthCheck(t *testing.T) {
	s := store.NewInMemory()
	assert.NoError(t, s.HealthCheck(context.Background()))
}

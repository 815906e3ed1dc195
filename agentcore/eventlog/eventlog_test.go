package eventlog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/eventlog"
)

func TestAppend_AssignsMonotonicContiguousCursors(t *testing.T) {
	log := eventlog.New(nil)
	ctx := context.Background()

	e0, err := log.Append(ctx, eventlog.Progress, eventlog.EventTextChunkStart, nil)
	require.NoError(t, err)
	e1, err := log.Append(ctx, eventlog.Control, eventlog.EventPermissionRequired, nil)
	require.NoError(t, err)
	e2, err := log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e0.Cursor)
	assert.Equal(t, uint64(1), e1.Cursor)
	assert.Equal(t, uint64(2), e2.Cursor)
	assert.Equal(t, uint64(3), log.Cursor())
}

type failingPersister struct{ failAt uint64 }

func (f failingPersister) PersistEvent(_ context.Context, e eventlog.Event) error {
	if e.Cursor == f.failAt {
		return errors.New("boom")
	}
	return nil
}

func TestAppend_FailedPersistDoesNotAdvanceCursor(t *testing.T) {
	log := eventlog.New(failingPersister{failAt: 1})
	ctx := context.Background()

	_, err := log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, nil)
	require.NoError(t, err)

	_, err = log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, nil)
	require.Error(t, err)

	// The failed append must not have consumed a cursor: the log's next
	// cursor should still be 1, not 2.
	assert.Equal(t, uint64(1), log.Cursor())
}

func TestPermissionRequest_RespondIsSingleShot(t *testing.T) {
	log := eventlog.New(nil)
	ctx := context.Background()

	var gotDecision eventlog.Decision
	req, err := log.RequirePermission(ctx, "tc-1", "search", func(d eventlog.Decision, _ map[string]any) error {
		gotDecision = d
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, req.Respond(eventlog.DecisionApprove, nil))
	assert.Equal(t, eventlog.DecisionApprove, gotDecision)

	err = req.Respond(eventlog.DecisionDeny, nil)
	assert.ErrorIs(t, err, eventlog.ErrAlreadyDecided)
	// Second call must not have overwritten the first decision.
	assert.Equal(t, eventlog.DecisionApprove, gotDecision)
}

func TestSubscribe_ReplaysFromCursorOnOwnChannel(t *testing.T) {
	log := eventlog.New(nil)
	ctx := context.Background()

	_, err := log.Append(ctx, eventlog.Progress, eventlog.EventTextChunkStart, "p0")
	require.NoError(t, err)
	_, err = log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, "m0")
	require.NoError(t, err)
	_, err = log.Append(ctx, eventlog.Progress, eventlog.EventTextChunk, "p1")
	require.NoError(t, err)

	sub := log.Subscribe(eventlog.Progress, 0)

	e, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p0", e.Payload)

	e, ok, err = sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", e.Payload)
}

func TestSubscribe_ClosedLogEndsIteration(t *testing.T) {
	log := eventlog.New(nil)
	ctx := context.Background()
	_, err := log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, nil)
	require.NoError(t, err)

	sub := log.Subscribe(eventlog.Monitor, 0)
	_, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	log.Close()
	_, ok, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppend_AfterCloseFails(t *testing.T) {
	log := eventlog.New(nil)
	log.Close()
	_, err := log.Append(context.Background(), eventlog.Monitor, eventlog.EventStepComplete, nil)
	assert.Error(t, err)
}

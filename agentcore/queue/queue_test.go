package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/queue"
)

func TestSend_UserTriggersEnsureProcessing(t *testing.T) {
	var history []*message.Message
	triggered := false
	q := queue.New(
		func(msg *message.Message, _ queue.Kind) { history = append(history, msg) },
		func(context.Context) error { return nil },
		func() { triggered = true },
	)

	_, err := q.Send(message.NewText(message.RoleUser, "hi"), queue.KindUser, nil)
	require.NoError(t, err)
	assert.True(t, triggered)
}

func TestSend_ReminderDoesNotTriggerEnsureProcessing(t *testing.T) {
	triggered := false
	q := queue.New(
		func(*message.Message, queue.Kind) {},
		func(context.Context) error { return nil },
		func() { triggered = true },
	)

	_, err := q.Send(message.NewText(message.RoleUser, "remember the todo"), queue.KindReminder, nil)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestSend_ReminderRejectsNonText(t *testing.T) {
	q := queue.New(func(*message.Message, queue.Kind) {}, func(context.Context) error { return nil }, nil)
	nonText := &message.Message{Role: message.RoleUser, Content: []message.Block{message.ToolResultBlock{ToolUseID: "t1"}}}
	_, err := q.Send(nonText, queue.KindReminder, nil)
	assert.ErrorIs(t, err, queue.ErrReminderMustBeText)
}

func TestFlush_AppliesBatchAndPersists(t *testing.T) {
	var applied []*message.Message
	persisted := false
	q := queue.New(
		func(msg *message.Message, _ queue.Kind) { applied = append(applied, msg) },
		func(context.Context) error { persisted = true; return nil },
		nil,
	)

	_, _ = q.Send(message.NewText(message.RoleUser, "one"), queue.KindUser, nil)
	_, _ = q.Send(message.NewText(message.RoleUser, "two"), queue.KindUser, nil)

	require.NoError(t, q.Flush(context.Background()))
	assert.Len(t, applied, 2)
	assert.True(t, persisted)
	assert.Empty(t, q.Pending())
}

func TestFlush_FailurePreservesPending(t *testing.T) {
	q := queue.New(
		func(*message.Message, queue.Kind) {},
		func(context.Context) error { return errors.New("disk full") },
		nil,
	)
	_, _ = q.Send(message.NewText(message.RoleUser, "one"), queue.KindUser, nil)

	err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, q.Pending(), 1)
}

func TestFlush_ConcurrentSendDuringPersistSurvives(t *testing.T) {
	var q *queue.Queue
	persistCalls := 0
	q = queue.New(
		func(*message.Message, queue.Kind) {},
		func(context.Context) error {
			persistCalls++
			if persistCalls == 1 {
				// Simulate a send arriving while the first flush is
				// still persisting its batch.
				_, _ = q.Send(message.NewText(message.RoleUser, "late"), queue.KindUser, nil)
			}
			return nil
		},
		nil,
	)

	_, _ = q.Send(message.NewText(message.RoleUser, "first"), queue.KindUser, nil)
	require.NoError(t, q.Flush(context.Background()))

	// The late send must have survived the first flush's batch removal.
	require.Len(t, q.Pending(), 1)
	assert.Equal(t, "late", textOf(t, q.Pending()[0].Message))
}

func textOf(t *testing.T, msg *message.Message) string {
	t.Helper()
	blocks := message.GetBlocks(msg)
	require.Len(t, blocks, 1)
	tb, ok := blocks[0].(message.TextBlock)
	require.True(t, ok)
	return tb.Text
}

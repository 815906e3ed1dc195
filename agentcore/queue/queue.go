// Package queue implements the staged-ingress message queue that decouples
// callers sending new content from the step loop's in-memory history and
// backing store: messages are staged, then flushed as an atomic "both
// appended and persisted, or neither" unit (spec.md §4.G).
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentcore/message"
)

// Kind classifies a staged entry.
type Kind string

const (
	// KindUser is ordinary user-authored content; sending it wakes the
	// step loop via EnsureProcessing.
	KindUser Kind = "user"
	// KindReminder is injected system content; it never wakes the step
	// loop on its own (spec.md §4.F).
	KindReminder Kind = "reminder"
)

// Entry is a single staged, not-yet-flushed send.
type Entry struct {
	ID       string
	Message  *message.Message
	Kind     Kind
	Metadata map[string]any
}

// AddMessageFunc applies a flushed entry to in-memory history. It is called
// once per entry, in staging order, during Flush step 2.
type AddMessageFunc func(msg *message.Message, kind Kind)

// PersistFunc durably commits the in-memory history produced by AddMessageFunc.
// Flush treats its success as the commit point: only after it returns nil is
// the batch removed from pending.
type PersistFunc func(ctx context.Context) error

// Queue is the staged-ingress message queue.
type Queue struct {
	mu              sync.Mutex
	pending         []*Entry
	addMessage      AddMessageFunc
	persist         PersistFunc
	ensureProcessing func()
}

// New constructs a Queue. addMessage and persist are required; ensureProcessing
// may be nil if the caller wires wake-up another way.
func New(addMessage AddMessageFunc, persist PersistFunc, ensureProcessing func()) *Queue {
	return &Queue{addMessage: addMessage, persist: persist, ensureProcessing: ensureProcessing}
}

// ErrReminderMustBeText is returned when Send is called with kind=reminder
// for content that is not plain text.
var ErrReminderMustBeText = errors.New("queue: reminder content must be text")

// Send validates and stages content, returning the assigned entry id. User
// entries trigger ensureProcessing(); reminder entries never do.
func (q *Queue) Send(msg *message.Message, kind Kind, metadata map[string]any) (string, error) {
	if kind == KindReminder && !isPlainText(msg) {
		return "", ErrReminderMustBeText
	}
	id := fmt.Sprintf("msg-%d-%s", time.Now().UnixNano(), uuid.NewString())

	entry := &Entry{ID: id, Message: msg, Kind: kind, Metadata: metadata}

	q.mu.Lock()
	q.pending = append(q.pending, entry)
	q.mu.Unlock()

	if kind == KindUser && q.ensureProcessing != nil {
		q.ensureProcessing()
	}
	return id, nil
}

func isPlainText(msg *message.Message) bool {
	for _, b := range message.GetBlocks(msg) {
		if _, ok := b.(message.TextBlock); !ok {
			return false
		}
	}
	return true
}

// Flush applies every currently staged entry to in-memory history, then
// persists. On success, exactly the entries present in this batch are
// removed from pending (by identity, not by index), so sends that arrive
// concurrently with persist survive for the next Flush. On failure, pending
// is left entirely unchanged and the error propagates to the caller, who is
// expected to retry.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := append([]*Entry(nil), q.pending...)
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for _, e := range batch {
		q.addMessage(e.Message, e.Kind)
	}

	if err := q.persist(ctx); err != nil {
		return fmt.Errorf("queue: flush persist: %w", err)
	}

	batchIDs := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		batchIDs[e.ID] = struct{}{}
	}

	q.mu.Lock()
	remaining := q.pending[:0:0]
	for _, e := range q.pending {
		if _, inBatch := batchIDs[e.ID]; !inBatch {
			remaining = append(remaining, e)
		}
	}
	q.pending = remaining
	q.mu.Unlock()
	return nil
}

// Pending returns a snapshot of currently staged entries, for introspection
// and tests.
func (q *Queue) Pending() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Entry(nil), q.pending...)
}

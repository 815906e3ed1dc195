// Package eventlog implements the append-only, cursor-ordered event log that
// carries step-loop progress, control handshakes, and monitoring signals out
// of a running agent. Events are partitioned into three channels (progress,
// control, monitor); cursors are monotonic and contiguous across the whole
// log, and subscribers may join at any cursor and replay forward from there.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Channel identifies which of the three event streams an Event belongs to.
type Channel string

const (
	// Progress carries model-streaming and tool-execution progress:
	// think/text chunk boundaries, tool start/end/error, and the terminal
	// done signal.
	Progress Channel = "progress"
	// Control carries approval handshakes: permission_required and
	// permission_decided.
	Control Channel = "control"
	// Monitor carries observability signals: state changes, step
	// completion, errors, token usage, and the like.
	Monitor Channel = "monitor"
)

// EventType enumerates the concrete event kinds named in spec.md §4.D,
// grouped by the channel they are published on.
type EventType string

const (
	// Progress channel.
	EventThinkChunkStart EventType = "think_chunk_start"
	EventThinkChunk      EventType = "think_chunk"
	EventThinkChunkEnd   EventType = "think_chunk_end"
	EventTextChunkStart  EventType = "text_chunk_start"
	EventTextChunk       EventType = "text_chunk"
	EventTextChunkEnd    EventType = "text_chunk_end"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventToolError       EventType = "tool_error"
	EventDone            EventType = "done"

	// Control channel.
	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"

	// Monitor channel.
	EventStateChanged      EventType = "state_changed"
	EventStepComplete      EventType = "step_complete"
	EventError             EventType = "error"
	EventTokenUsage        EventType = "token_usage"
	EventToolExecuted      EventType = "tool_executed"
	EventAgentResumed      EventType = "agent_resumed"
	EventTodoChanged       EventType = "todo_changed"
	EventBreakpointChanged EventType = "breakpoint_changed"
	EventContextCompressed EventType = "context_compression"
)

// DoneReason values for EventDone payloads.
type DoneReason string

const (
	DoneCompleted   DoneReason = "completed"
	DoneInterrupted DoneReason = "interrupted"
)

// Event is a single immutable, cursor-stamped log entry.
type Event struct {
	Cursor    uint64
	Channel   Channel
	Type      EventType
	Payload   any
	Timestamp time.Time
}

// Persister is an optional durability hook invoked synchronously while
// Append holds the log's lock, before the event becomes visible to
// subscribers. When it returns an error, Append fails and the cursor is not
// advanced, so Bookmark.Seq only ever reflects events that were actually
// persisted (spec.md §4.D guarantee 2).
type Persister interface {
	PersistEvent(ctx context.Context, e Event) error
}

// Bookmark tracks how far a consumer's persisted view of the log has
// advanced. Seq increments only when Append's Persister call (if any)
// succeeds for that event.
type Bookmark struct {
	Seq uint64
}

// Decision is the outcome of a permission_required control handshake.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ErrAlreadyDecided is returned by a second call to PermissionRequest.Respond.
var ErrAlreadyDecided = errors.New("eventlog: permission already decided")

// PermissionRequest is the control-channel payload for a permission_required
// event. Respond is single-shot and idempotent per spec.md §4.D guarantee 4:
// a second call always fails with ErrAlreadyDecided rather than silently
// succeeding or re-invoking the decision callback.
type PermissionRequest struct {
	ToolCallID string
	ToolName   string

	mu       sync.Mutex
	decided  bool
	callback func(decision Decision, opts map[string]any) error
}

// Respond records the decision exactly once and invokes the registered
// callback. Subsequent calls return ErrAlreadyDecided without invoking the
// callback again.
func (p *PermissionRequest) Respond(decision Decision, opts map[string]any) error {
	p.mu.Lock()
	if p.decided {
		p.mu.Unlock()
		return ErrAlreadyDecided
	}
	p.decided = true
	cb := p.callback
	p.mu.Unlock()
	if cb == nil {
		return nil
	}
	return cb(decision, opts)
}

// Log is an append-only, channel-partitioned event log with a single global,
// monotonic, contiguous cursor sequence across all channels.
type Log struct {
	mu        sync.Mutex
	cond      *sync.Cond
	events    []Event
	nextSeq   uint64
	persister Persister
	closed    bool
}

// New constructs an empty Log. persister may be nil, in which case every
// Append is considered durable immediately (suitable for tests and the
// in-memory reference store).
func New(persister Persister) *Log {
	l := &Log{persister: persister}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Append assigns the next cursor to the event, persists it via the
// configured Persister (if any), and makes it visible to subscribers.
// Guarantee 3 (content_block_start < deltas < stop ordering) is the
// caller's responsibility to preserve by calling Append in that order; the
// log itself only guarantees that whatever order Append is called in is the
// order events are assigned cursors and delivered in.
func (l *Log) Append(ctx context.Context, channel Channel, typ EventType, payload any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}, errors.New("eventlog: log is closed")
	}
	e := Event{
		Cursor:    l.nextSeq,
		Channel:   channel,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if l.persister != nil {
		if err := l.persister.PersistEvent(ctx, e); err != nil {
			return Event{}, fmt.Errorf("eventlog: persist cursor %d: %w", e.Cursor, err)
		}
	}

	l.events = append(l.events, e)
	l.nextSeq++
	l.cond.Broadcast()
	return e, nil
}

// RequirePermission appends an EventPermissionRequired control event whose
// Payload is a *PermissionRequest, and returns that request so the caller
// (typically the tool-call lifecycle) can await its decision. callback is
// invoked exactly once, the first time Respond succeeds.
func (l *Log) RequirePermission(ctx context.Context, toolCallID, toolName string, callback func(Decision, map[string]any) error) (*PermissionRequest, error) {
	req := &PermissionRequest{ToolCallID: toolCallID, ToolName: toolName, callback: callback}
	if _, err := l.Append(ctx, Control, EventPermissionRequired, req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecidePermission appends the EventPermissionDecided event that must follow
// a successful Respond call.
func (l *Log) DecidePermission(ctx context.Context, toolCallID string, decision Decision) (Event, error) {
	return l.Append(ctx, Control, EventPermissionDecided, struct {
		ToolCallID string
		Decision   Decision
	}{toolCallID, decision})
}

// Close marks the log closed; further Append calls fail, and blocked
// Subscription.Next calls wake and return (Event{}, false, nil).
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

// Cursor returns the cursor that will be assigned to the next appended
// event, i.e. the current length of the global sequence.
func (l *Log) Cursor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Subscription is a per-channel, cursor-positioned cursor into the log.
// Late subscribers replay every event on their channel from the cursor they
// joined at (spec.md §4.D guarantee 5).
type Subscription struct {
	log     *Log
	channel Channel
	next    uint64
}

// Subscribe returns a Subscription to channel starting at fromCursor
// (inclusive): the first call to Next will return the first event on
// channel whose Cursor is >= fromCursor, replaying history if fromCursor is
// behind the log's current position.
func (l *Log) Subscribe(channel Channel, fromCursor uint64) *Subscription {
	return &Subscription{log: l, channel: channel, next: fromCursor}
}

// Next blocks until an event matching the subscription's channel is
// available at or after its cursor, the log is closed, or ctx is canceled.
// It returns ok=false when the log is closed and no further matching event
// exists.
func (s *Subscription) Next(ctx context.Context) (Event, bool, error) {
	l := s.log
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		for i := s.next; i < l.nextSeq; i++ {
			if i >= uint64(len(l.events)) {
				break
			}
			e := l.events[i]
			if e.Channel == s.channel {
				s.next = i + 1
				return e, true, nil
			}
			s.next = i + 1
		}
		if l.closed {
			return Event{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, false, err
		}
		l.cond.Wait()
	}
}

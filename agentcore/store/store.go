// Package store defines the backend-agnostic persistence contract the core
// depends on, plus one in-memory reference implementation. Per spec.md's
// explicit Non-goal, concrete durable backends (JSON/SQLite/Postgres/Redis)
// are out of scope here; only the interface and a test-oriented in-memory
// implementation live in this package.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentforge/agentcore/agentid"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/toolcall"
)

// ErrNotFound is returned by a load/get operation when the requested record
// does not exist.
var ErrNotFound = errors.New("store: not found")

// Bookmark corresponds to a persistence checkpoint: a cursor position whose
// events are all known to have been durably persisted.
type Bookmark struct {
	Seq       uint64
	Timestamp time.Time
}

// BreakpointState records the step loop's fine-grained position at
// persistence time, for accurate resume.
type BreakpointState string

// Snapshot is an immutable, point-in-time capture of an agent's message
// history, taken for forking or checkpoint/restore.
type Snapshot struct {
	ID            string
	Messages      []*message.Message
	LastSFPIndex  int
	LastBookmark  *Bookmark
	CreatedAt     time.Time
	Metadata      map[string]any
}

// Info is the persistent head record for an agent: identity, lineage, and
// the bookkeeping fields needed to resume without replaying the whole log.
type Info struct {
	AgentID       agentid.ID
	TemplateID    string
	CreatedAt     time.Time
	Lineage       []agentid.ID
	ConfigVersion string
	MessageCount  int
	LastSFPIndex  int
	LastBookmark  *Bookmark
	Breakpoint    BreakpointState
	Metadata      map[string]any
}

// ReleaseFunc releases an agent lock acquired via AcquireAgentLock. It is
// single-shot; calling it more than once is a no-op.
type ReleaseFunc func()

// Store is the full persistence surface the core depends on.
type Store interface {
	SaveMessages(ctx context.Context, id agentid.ID, messages []*message.Message) error
	LoadMessages(ctx context.Context, id agentid.ID) ([]*message.Message, error)

	SaveToolCallRecords(ctx context.Context, id agentid.ID, records []toolcall.Snapshot) error
	LoadToolCallRecords(ctx context.Context, id agentid.ID) ([]toolcall.Snapshot, error)

	AppendEvent(ctx context.Context, id agentid.ID, e eventlog.Event) error
	ReadEvents(ctx context.Context, id agentid.ID, fromCursor uint64) ([]eventlog.Event, error)

	SaveSnapshot(ctx context.Context, id agentid.ID, snap Snapshot) error
	LoadSnapshot(ctx context.Context, id agentid.ID, snapshotID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, id agentid.ID) ([]Snapshot, error)

	SaveInfo(ctx context.Context, id agentid.ID, info Info) error
	LoadInfo(ctx context.Context, id agentid.ID) (Info, error)

	Exists(ctx context.Context, id agentid.ID) (bool, error)
	List(ctx context.Context, prefix string) ([]agentid.ID, error)
	Delete(ctx context.Context, id agentid.ID) error

	// AcquireAgentLock prevents two live loops from driving the same
	// agent concurrently. ttl bounds how long the lock is held without
	// renewal; losing the lock (expiry or crash) allows another process
	// to acquire it, which must run resume/seal semantics before
	// continuing (spec.md §4.H).
	AcquireAgentLock(ctx context.Context, id agentid.ID, ttl time.Duration) (ReleaseFunc, error)

	HealthCheck(ctx context.Context) error
}

type agentRecord struct {
	messages  []*message.Message
	records   []toolcall.Snapshot
	events    []eventlog.Event
	snapshots map[string]Snapshot
	info      *Info
	lockedBy  string
	lockUntil time.Time
}

// InMemory is a reference Store implementation backed by process memory.
// It exists for tests and local demos, not as a product backend.
type InMemory struct {
	mu      sync.Mutex
	records map[agentid.ID]*agentRecord
}

// NewInMemory constructs an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[agentid.ID]*agentRecord)}
}

func (s *InMemory) record(id agentid.ID, create bool) (*agentRecord, bool) {
	r, ok := s.records[id]
	if !ok {
		if !create {
			return nil, false
		}
		r = &agentRecord{snapshots: make(map[string]Snapshot)}
		s.records[id] = r
	}
	return r, true
}

// SaveMessages replaces the full message sequence atomically: callers never
// observe a partially-written sequence.
func (s *InMemory) SaveMessages(_ context.Context, id agentid.ID, messages []*message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	r.messages = append([]*message.Message(nil), messages...)
	return nil
}

func (s *InMemory) LoadMessages(_ context.Context, id agentid.ID) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]*message.Message(nil), r.messages...), nil
}

func (s *InMemory) SaveToolCallRecords(_ context.Context, id agentid.ID, records []toolcall.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	r.records = append([]toolcall.Snapshot(nil), records...)
	return nil
}

func (s *InMemory) LoadToolCallRecords(_ context.Context, id agentid.ID) ([]toolcall.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]toolcall.Snapshot(nil), r.records...), nil
}

// AppendEvent enforces total order within an agent: e.Cursor must equal the
// next expected cursor (len(events)), or a gap would be introduced.
func (s *InMemory) AppendEvent(_ context.Context, id agentid.ID, e eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	if e.Cursor != uint64(len(r.events)) {
		return errors.New("store: event cursor gap")
	}
	r.events = append(r.events, e)
	return nil
}

func (s *InMemory) ReadEvents(_ context.Context, id agentid.ID, fromCursor uint64) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok {
		return nil, ErrNotFound
	}
	if fromCursor >= uint64(len(r.events)) {
		return nil, nil
	}
	return append([]eventlog.Event(nil), r.events[fromCursor:]...), nil
}

func (s *InMemory) SaveSnapshot(_ context.Context, id agentid.ID, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	r.snapshots[snap.ID] = snap
	return nil
}

func (s *InMemory) LoadSnapshot(_ context.Context, id agentid.ID, snapshotID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap, ok := r.snapshots[snapshotID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *InMemory) ListSnapshots(_ context.Context, id agentid.ID) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (s *InMemory) SaveInfo(_ context.Context, id agentid.ID, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	infoCopy := info
	r.info = &infoCopy
	return nil
}

func (s *InMemory) LoadInfo(_ context.Context, id agentid.ID) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.record(id, false)
	if !ok || r.info == nil {
		return Info{}, ErrNotFound
	}
	return *r.info, nil
}

func (s *InMemory) Exists(_ context.Context, id agentid.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *InMemory) List(_ context.Context, prefix string) ([]agentid.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentid.ID
	for id := range s.records {
		if prefix == "" || hasPrefix(string(id), prefix) {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

// Delete removes an agent and all of its sub-records.
func (s *InMemory) Delete(_ context.Context, id agentid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// AcquireAgentLock grants exclusive access to id for ttl, refusing if
// another holder's lock has not yet expired.
func (s *InMemory) AcquireAgentLock(_ context.Context, id agentid.ID, ttl time.Duration) (ReleaseFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.record(id, true)
	now := time.Now()
	if r.lockedBy != "" && now.Before(r.lockUntil) {
		return nil, errors.New("store: agent lock held")
	}
	token := time.Now().Format(time.RFC3339Nano)
	r.lockedBy = token
	r.lockUntil = now.Add(ttl)

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := s.records[id]; ok && cur.lockedBy == token {
				cur.lockedBy = ""
			}
		})
	}
	return release, nil
}

func (s *InMemory) HealthCheck(context.Context) error { return nil }

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func sortIDs(ids []agentid.ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

package steploop

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentforge/agentcore/agentid"
)

// Tier controls how aggressively a reminder is rate-limited against its
// own MaxPerRun/MinTurnsBetween caps. Ported from the teacher's
// reminder.Tier, generalized from model.Message to message.Message.
type Tier int

const (
	// TierSafety reminders are never suppressed by MaxPerRun or
	// MinTurnsBetween; they always fire when their Attachment matches.
	TierSafety Tier = iota
	TierGuidance
)

// AttachmentKind names the point in the step loop a reminder attaches to.
type AttachmentKind string

const (
	// AttachmentRunStart fires before a Loop's first model call, while its
	// step count is still zero.
	AttachmentRunStart AttachmentKind = "run_start"
	// AttachmentUserTurn fires before every model call that follows a
	// newly queued user message.
	AttachmentUserTurn AttachmentKind = "user_turn"
)

// Attachment names where and, optionally, for which tool a reminder fires.
type Attachment struct {
	Kind AttachmentKind
	Tool string // non-empty restricts AttachmentUserTurn to turns following that tool's result
}

// Reminder is a piece of injected guidance text, attached to a point in the
// step loop and capped by tier-aware rate limits.
type Reminder struct {
	ID              string
	Text            string
	Tier            Tier
	Attachment      Attachment
	MaxPerRun       int // 0 means unlimited
	MinTurnsBetween int
}

type reminderState struct {
	reminder  Reminder
	emitCount int
	lastTurn  int
}

type runState struct {
	reminders map[string]*reminderState
	turnSeq   int
}

// ReminderEngine tracks per-agent reminder registrations and enforces their
// caps across steps. Ported closely from the teacher's reminder.Engine.
type ReminderEngine struct {
	mu   sync.Mutex
	runs map[agentid.ID]*runState
}

// NewReminderEngine constructs an empty engine.
func NewReminderEngine() *ReminderEngine {
	return &ReminderEngine{runs: make(map[agentid.ID]*runState)}
}

func (e *ReminderEngine) run(id agentid.ID) *runState {
	rs, ok := e.runs[id]
	if !ok {
		rs = &runState{reminders: make(map[string]*reminderState)}
		e.runs[id] = rs
	}
	return rs
}

// AddReminder registers or replaces a reminder for the given agent.
func (e *ReminderEngine) AddReminder(id agentid.ID, r Reminder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.run(id)
	rs.reminders[r.ID] = &reminderState{reminder: r}
}

// RemoveReminder deregisters a reminder so it no longer fires.
func (e *ReminderEngine) RemoveReminder(id agentid.ID, reminderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.runs[id]; ok {
		delete(rs.reminders, reminderID)
	}
}

// ClearRun drops all reminder state for an agent, e.g. once its run
// completes.
func (e *ReminderEngine) ClearRun(id agentid.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, id)
}

// Snapshot advances the turn counter and returns every reminder attached to
// kind (and, for AttachmentUserTurn, matching tool if non-empty) that is due
// to emit under its caps. Emitting a reminder via Snapshot counts toward its
// MaxPerRun and resets its MinTurnsBetween window.
func (e *ReminderEngine) Snapshot(id agentid.ID, kind AttachmentKind, tool string) []Reminder {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.run(id)
	rs.turnSeq++

	var due []Reminder
	for _, st := range rs.reminders {
		if st.reminder.Attachment.Kind != kind {
			continue
		}
		if st.reminder.Attachment.Tool != "" && st.reminder.Attachment.Tool != tool {
			continue
		}
		if !shouldEmit(st, rs.turnSeq) {
			continue
		}
		st.emitCount++
		st.lastTurn = rs.turnSeq
		due = append(due, st.reminder)
	}
	return due
}

func shouldEmit(st *reminderState, turnSeq int) bool {
	r := st.reminder
	if r.Tier == TierSafety {
		return true
	}
	if r.MaxPerRun > 0 && st.emitCount >= r.MaxPerRun {
		return false
	}
	if r.MinTurnsBetween > 0 && st.emitCount > 0 && turnSeq-st.lastTurn < r.MinTurnsBetween {
		return false
	}
	return true
}

// ReminderFormatter renders a Reminder into the text that is queued as a
// history message.
type ReminderFormatter func(Reminder) string

// DefaultReminderFormatter wraps reminder text in <system-reminder> tags,
// matching the teacher's formatReminderText, unless the text is already
// tagged.
func DefaultReminderFormatter(r Reminder) string {
	text := strings.TrimSpace(r.Text)
	if strings.HasPrefix(text, "<system-reminder>") {
		return text
	}
	return fmt.Sprintf("<system-reminder>\n%s\n</system-reminder>", text)
}

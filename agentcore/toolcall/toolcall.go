// Package toolcall implements the tool-call lifecycle state machine: the
// record created for every tool_use block an assistant emits, its approval
// and execution transitions, and the audit trail kept alongside it.
package toolcall

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a tool-call lifecycle state, per spec.md §4.E.
type State string

const (
	StatePending           State = "PENDING"
	StateApprovalRequired  State = "APPROVAL_REQUIRED"
	StateApproved          State = "APPROVED"
	StateExecuting         State = "EXECUTING"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateDenied            State = "DENIED"
	StateSealed            State = "SEALED"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateDenied, StateSealed:
		return true
	default:
		return false
	}
}

// Error is the chained structured error type for tool invocation failures,
// adapted from the teacher's toolerrors.ToolError: a Message plus an
// optional linked Cause, so error chains survive serialization (e.g. into a
// tool_result block) in a way a plain wrapped Go error does not.
type Error struct {
	Message string
	Cause   *Error
}

// NewError constructs an Error with the given message.
func NewError(message string) *Error {
	if message == "" {
		message = "tool error"
	}
	return &Error{Message: message}
}

// NewErrorWithCause wraps cause in a new Error chain.
func NewErrorWithCause(message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an Error chain, reusing an
// existing Error chain found via errors.As rather than rewrapping it.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Error renders the full cause chain (outermost first) so a tool_result
// block carries enough context to diagnose failures without needing the
// Cause chain unwound separately.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap supports errors.Is/As over the Error chain.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// AuditEntry records a single state transition.
type AuditEntry struct {
	State     State
	Timestamp time.Time
	Note      string
}

// ApprovalRecord records the outcome of an approval decision.
type ApprovalRecord struct {
	Decision  Decision
	DecidedBy string
	DecidedAt time.Time
	Note      string
}

// Decision mirrors eventlog.Decision without importing it, since toolcall
// must not depend on eventlog (eventlog's permission_required payload
// references toolcall.Record, not the reverse).
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Record is the persistent state of a single tool_use invocation.
type Record struct {
	mu sync.Mutex

	ID        string
	ToolName  string
	Input     any
	State     State
	Audit     []AuditEntry
	Approval  *ApprovalRecord
	Result    any
	Err       *Error
	CreatedAt time.Time
}

// NewRecord creates a PENDING Record for a freshly observed tool_use block.
// toolCallID should be the ToolUseBlock's ID; when empty a fresh id is
// generated so the record always has a stable identity.
func NewRecord(toolCallID, toolName string, input any) *Record {
	if toolCallID == "" {
		toolCallID = uuid.NewString()
	}
	r := &Record{
		ID:        toolCallID,
		ToolName:  toolName,
		Input:     input,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
	r.appendAudit(StatePending, "")
	return r
}

func (r *Record) appendAudit(s State, note string) {
	r.Audit = append(r.Audit, AuditEntry{State: s, Timestamp: time.Now(), Note: note})
}

// ErrInvalidTransition is returned when a caller requests a transition not
// permitted from the record's current state.
var ErrInvalidTransition = errors.New("toolcall: invalid state transition")

func (r *Record) transition(to State, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal, cannot move to %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	r.appendAudit(to, note)
	return nil
}

// RequireApproval moves PENDING -> APPROVAL_REQUIRED: the approval policy
// decided this call needs an explicit decision before proceeding.
func (r *Record) RequireApproval() error {
	r.mu.Lock()
	if r.State != StatePending {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected PENDING, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	return r.transition(StateApprovalRequired, "")
}

// AutoApprove moves PENDING -> APPROVED directly, for tools whose policy is
// "auto".
func (r *Record) AutoApprove() error {
	r.mu.Lock()
	if r.State != StatePending {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected PENDING, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	if err := r.transition(StateApproved, "auto-approved"); err != nil {
		return err
	}
	r.mu.Lock()
	r.Approval = &ApprovalRecord{Decision: DecisionApprove, DecidedBy: "policy:auto", DecidedAt: time.Now()}
	r.mu.Unlock()
	return nil
}

// Decide records an explicit approval decision for a call in
// APPROVAL_REQUIRED, moving it to APPROVED on approve or DENIED (terminal)
// on deny.
func (r *Record) Decide(decision Decision, decidedBy, note string) error {
	r.mu.Lock()
	if r.State != StateApprovalRequired {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected APPROVAL_REQUIRED, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()

	switch decision {
	case DecisionApprove:
		if err := r.transition(StateApproved, note); err != nil {
			return err
		}
	case DecisionDeny:
		if err := r.transition(StateDenied, note); err != nil {
			return err
		}
		r.mu.Lock()
		r.Err = NewError("denied by approval policy")
		r.mu.Unlock()
	default:
		return fmt.Errorf("toolcall: unknown decision %q", decision)
	}

	r.mu.Lock()
	r.Approval = &ApprovalRecord{Decision: decision, DecidedBy: decidedBy, DecidedAt: time.Now(), Note: note}
	r.mu.Unlock()
	return nil
}

// ShortcircuitResult moves APPROVED -> COMPLETED directly: a preTool hook
// supplied a result without requiring execution.
func (r *Record) ShortcircuitResult(result any) error {
	r.mu.Lock()
	if r.State != StateApproved {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected APPROVED, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	if err := r.transition(StateCompleted, "shortcircuited by preTool hook"); err != nil {
		return err
	}
	r.mu.Lock()
	r.Result = result
	r.mu.Unlock()
	return nil
}

// Deny moves APPROVED -> DENIED: a preTool hook vetoed execution outright.
func (r *Record) Deny(note string) error {
	r.mu.Lock()
	if r.State != StateApproved {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected APPROVED, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	if err := r.transition(StateDenied, note); err != nil {
		return err
	}
	r.mu.Lock()
	r.Err = NewError(note)
	r.mu.Unlock()
	return nil
}

// Execute moves APPROVED -> EXECUTING.
func (r *Record) Execute() error {
	r.mu.Lock()
	if r.State != StateApproved {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected APPROVED, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	return r.transition(StateExecuting, "")
}

// Complete moves EXECUTING -> COMPLETED with the given result (possibly
// replaced or updated by a postTool hook before this call).
func (r *Record) Complete(result any) error {
	r.mu.Lock()
	if r.State != StateExecuting {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected EXECUTING, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	if err := r.transition(StateCompleted, ""); err != nil {
		return err
	}
	r.mu.Lock()
	r.Result = result
	r.mu.Unlock()
	return nil
}

// Fail moves EXECUTING -> FAILED, recording the error surfaced as the
// matching tool_result's is_error content.
func (r *Record) Fail(err error, note string) error {
	r.mu.Lock()
	if r.State != StateExecuting {
		r.mu.Unlock()
		return fmt.Errorf("%w: expected EXECUTING, got %s", ErrInvalidTransition, r.State)
	}
	r.mu.Unlock()
	if terr := r.transition(StateFailed, note); terr != nil {
		return terr
	}
	r.mu.Lock()
	r.Err = FromError(err)
	r.mu.Unlock()
	return nil
}

// Seal forces any non-terminal record into SEALED at resume time, recording
// that its outcome was never observed because the process crashed or was
// interrupted mid-flight (spec.md §4.E). Sealing an already-terminal record
// is a no-op.
func (r *Record) Seal(reason string) {
	r.mu.Lock()
	if r.State.Terminal() {
		r.mu.Unlock()
		return
	}
	prior := r.State
	r.State = StateSealed
	r.appendAudit(StateSealed, fmt.Sprintf("sealed from %s: %s", prior, reason))
	r.Err = NewError("interrupted")
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the record's observable fields,
// safe to read without holding the record's lock.
type Snapshot struct {
	ID        string
	ToolName  string
	Input     any
	State     State
	Audit     []AuditEntry
	Approval  *ApprovalRecord
	Result    any
	Err       *Error
	CreatedAt time.Time
}

// Snapshot returns a Snapshot of r's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:        r.ID,
		ToolName:  r.ToolName,
		Input:     r.Input,
		State:     r.State,
		Audit:     append([]AuditEntry(nil), r.Audit...),
		Approval:  r.Approval,
		Result:    r.Result,
		Err:       r.Err,
		CreatedAt: r.CreatedAt,
	}
}

// Package steploop implements the agent step loop and breakpoint state
// machine: the run-to-completion driver that interleaves model calls, tool
// calls, approvals, and reminder injection described in spec.md §4.F. It is
// grounded on the teacher's engine/inmem single-goroutine executor shape,
// generalized away from Temporal-workflow semantics into the simpler
// cooperative-task model spec.md §5 mandates, and on the teacher's
// interrupt/controller.go pause/resume signal shape, simplified from a
// Temporal SignalChannel to a plain Go channel.
package steploop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentforge/agentcore/agentid"
	"github.com/agentforge/agentcore/config"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
	"github.com/agentforge/agentcore/queue"
	"github.com/agentforge/agentcore/retry"
	"github.com/agentforge/agentcore/sfp"
	"github.com/agentforge/agentcore/store"
	"github.com/agentforge/agentcore/telemetry"
	"github.com/agentforge/agentcore/toolcall"
)

// RuntimeState is the coarse-grained runtime state of an agent's loop task.
type RuntimeState string

const (
	RuntimeReady   RuntimeState = "READY"
	RuntimeWorking RuntimeState = "WORKING"
	RuntimePaused  RuntimeState = "PAUSED"
)

// Breakpoint is the fine-grained position of a loop task within one step,
// per spec.md §4.F: READY -> PRE_MODEL -> STREAMING_MODEL -> TOOL_PENDING ->
// AWAITING_APPROVAL -> PRE_TOOL -> TOOL_EXECUTING -> POST_TOOL -> READY.
type Breakpoint string

const (
	BreakpointReady            Breakpoint = "READY"
	BreakpointPreModel         Breakpoint = "PRE_MODEL"
	BreakpointStreamingModel   Breakpoint = "STREAMING_MODEL"
	BreakpointToolPending      Breakpoint = "TOOL_PENDING"
	BreakpointAwaitingApproval Breakpoint = "AWAITING_APPROVAL"
	BreakpointPreTool          Breakpoint = "PRE_TOOL"
	BreakpointToolExecuting    Breakpoint = "TOOL_EXECUTING"
	BreakpointPostTool         Breakpoint = "POST_TOOL"
)

// HookVerdictKind is the outcome of a preTool hook evaluation, per spec.md
// §4.E's {decision: ask|deny|result} hook contract. "ask" is not modeled
// here: preTool runs only after a call has already cleared approval, so the
// only meaningful verdicts at that point are allow, deny, or a shortcircuit
// result.
type HookVerdictKind string

const (
	VerdictAllow  HookVerdictKind = "allow"
	VerdictDeny   HookVerdictKind = "deny"
	VerdictResult HookVerdictKind = "result"
)

// PreToolVerdict is the result of a preTool hook call.
type PreToolVerdict struct {
	Kind       HookVerdictKind
	Result     any
	DenyReason string
}

// ToolExecutor runs a single approved tool call and returns its result or an
// execution error. Implementations are supplied by the embedder; the loop
// never knows about concrete tool implementations (spec.md §1 Non-goals).
type ToolExecutor func(ctx context.Context, toolName string, input any) (any, error)

// Hooks are the polymorphic interposition points named in spec.md §4.E. Any
// field may be left nil, in which case that hook point is skipped.
type Hooks struct {
	// PreModel may rewrite the message history before it is sent to the
	// provider. A nil return leaves the history unchanged.
	PreModel func(ctx context.Context, messages []*message.Message) ([]*message.Message, error)
	// PostModel may rewrite the freshly accumulated assistant message. A nil
	// return leaves it unchanged.
	PostModel func(ctx context.Context, assistant *message.Message) (*message.Message, error)
	// PreTool evaluates an APPROVED tool call before execution.
	PreTool func(ctx context.Context, rec *toolcall.Record) (PreToolVerdict, error)
	// PostTool may replace a tool's result after successful execution. A nil
	// return leaves the result unchanged.
	PostTool func(ctx context.Context, rec *toolcall.Record, result any) (any, error)
	// MessagesChanged is notified after every successful persist, for
	// embedders that mirror history into a UI or secondary index.
	MessagesChanged func(ctx context.Context, messages []*message.Message)
}

// Options configures a Loop. AgentID, Client, Log, Store, and Executor are
// required; every other field has a documented default.
type Options struct {
	AgentID            agentid.ID
	Client             provider.Client
	Log                *eventlog.Log
	Store              store.Store
	Executor           ToolExecutor
	Hooks              Hooks
	Tools              []provider.ToolDefinition
	SystemPrompt       string
	ReasoningTransport message.Transport
	SFPProvider        sfp.Provider
	Config             config.AgentOptions
	Logger             telemetry.Logger
	Metrics            telemetry.Metrics
	Tracer             telemetry.Tracer
	ReminderFormatter  ReminderFormatter
	// UploadCache deduplicates provider file uploads by content digest,
	// scoped to this agent and the client's provider. Defaults to an
	// InMemoryUploadCache; pass a RedisUploadCache to share it across
	// process restarts or a fleet of workers.
	UploadCache provider.UploadCache
}

// Loop drives a single agent instance through spec.md §4.F's step loop.
// Per-agent mutable state (messages, records, cursor, breakpoint) is owned
// exclusively by the goroutine calling Run; external callers must go through
// Queue().Send or Interrupt (spec.md §5's shared-resource policy).
type Loop struct {
	agentID agentid.ID
	client  provider.Client
	log     *eventlog.Log
	st      store.Store
	exec    ToolExecutor
	hooks   Hooks
	tools   []provider.ToolDefinition
	system  string
	rt      message.Transport
	sfpProv sfp.Provider
	cfg     config.AgentOptions
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	uploads provider.UploadCache

	reminders *ReminderEngine
	wrap      ReminderFormatter

	q *queue.Queue

	mu           sync.Mutex
	messages     []*message.Message
	records      map[string]*toolcall.Record
	runtimeState RuntimeState
	breakpoint   Breakpoint
	stepCount    int
	pendingWork  bool

	wake        chan struct{}
	interruptCh chan string
}

// New constructs a Loop ready to Run. It does not load or replay any prior
// state; callers resuming a crashed or interrupted agent should use Resume
// instead.
func New(opts Options) (*Loop, error) {
	if opts.AgentID == "" {
		return nil, errors.New("steploop: agent id is required")
	}
	if opts.Client == nil {
		return nil, errors.New("steploop: provider client is required")
	}
	if opts.Log == nil {
		return nil, errors.New("steploop: event log is required")
	}
	if opts.Store == nil {
		return nil, errors.New("steploop: store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("steploop: tool executor is required")
	}
	cfg := config.Resolve(opts.Config)
	rt := opts.ReasoningTransport
	if rt == "" {
		rt = message.TransportProvider
	}
	sfpProv := opts.SFPProvider
	if sfpProv == "" {
		sfpProv = sfp.ProviderDefault
	}
	wrap := opts.ReminderFormatter
	if wrap == nil {
		wrap = DefaultReminderFormatter
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	uploads := opts.UploadCache
	if uploads == nil {
		uploads = provider.NewInMemoryUploadCache()
	}
	l := &Loop{
		agentID:      opts.AgentID,
		client:       opts.Client,
		log:          opts.Log,
		st:           opts.Store,
		exec:         opts.Executor,
		hooks:        opts.Hooks,
		tools:        opts.Tools,
		system:       opts.SystemPrompt,
		rt:           rt,
		sfpProv:      sfpProv,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		uploads:      uploads,
		reminders:    NewReminderEngine(),
		wrap:         wrap,
		records:      make(map[string]*toolcall.Record),
		runtimeState: RuntimeReady,
		breakpoint:   BreakpointReady,
		wake:         make(chan struct{}, 1),
		interruptCh:  make(chan string, 1),
	}
	l.q = queue.New(l.addMessage, l.persistQueue, l.ensureProcessing)
	return l, nil
}

// Queue returns the staged-ingress queue external senders use to deliver new
// content (spec.md §4.G). Sends never mutate Loop state directly.
func (l *Loop) Queue() *queue.Queue { return l.q }

// Reminders returns the reminder engine so embedders can register run-scoped
// reminders (spec.md §4.F "reminder injection").
func (l *Loop) Reminders() *ReminderEngine { return l.reminders }

// Interrupt raises a cooperative cancel observed at the loop's next
// suspension point (stream read, tool exec, approval wait), per spec.md §5.
func (l *Loop) Interrupt(reason string) {
	if reason == "" {
		reason = "interrupted"
	}
	select {
	case l.interruptCh <- reason:
	default:
	}
}

// State returns the current runtime state and breakpoint, safe to call from
// any goroutine.
func (l *Loop) State() (RuntimeState, Breakpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runtimeState, l.breakpoint
}

// Messages returns a snapshot copy of the in-memory history.
func (l *Loop) Messages() []*message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*message.Message(nil), l.messages...)
}

// StepCount returns how many steps have completed.
func (l *Loop) StepCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stepCount
}

func (l *Loop) addMessage(msg *message.Message, kind queue.Kind) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	if kind == queue.KindUser {
		l.pendingWork = true
	}
	l.mu.Unlock()
}

func (l *Loop) persistQueue(ctx context.Context) error {
	l.mu.Lock()
	msgs := append([]*message.Message(nil), l.messages...)
	snaps := make([]toolcall.Snapshot, 0, len(l.records))
	for _, rec := range l.records {
		snaps = append(snaps, rec.Snapshot())
	}
	l.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})

	if err := l.st.SaveMessages(ctx, l.agentID, msgs); err != nil {
		return err
	}
	if err := l.st.SaveToolCallRecords(ctx, l.agentID, snaps); err != nil {
		return err
	}
	if l.hooks.MessagesChanged != nil {
		l.hooks.MessagesChanged(ctx, msgs)
	}
	return nil
}

func (l *Loop) ensureProcessing() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) hasWork() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingWork
}

// Run drives the agent to completion of all currently pending work and
// returns nil once no work remains. Called with nothing pending, it first
// blocks until new user content arrives (via Queue().Send). An interrupt
// ends Run after the in-flight calls are settled (returning nil); a
// canceled ctx ends it with ctx's error.
func (l *Loop) Run(ctx context.Context) error {
	stepped := false
	for {
		select {
		case reason := <-l.interruptCh:
			return l.handleInterrupt(ctx, reason)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.q.Flush(ctx); err != nil {
			l.emitError(ctx, err)
			return err
		}

		if !l.hasWork() {
			if stepped {
				return nil
			}
			select {
			case <-l.wake:
				continue
			case reason := <-l.interruptCh:
				return l.handleInterrupt(ctx, reason)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if l.cfg.StepLoop.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, l.cfg.StepLoop.StepTimeout)
		}
		done, err := l.step(stepCtx)
		stepped = true
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, errInterrupted) {
				return l.handleInterrupt(ctx, "interrupted")
			}
			l.emitError(ctx, err)
			return err
		}
		if done {
			l.mu.Lock()
			l.pendingWork = false
			l.mu.Unlock()
		}
	}
}

var errInterrupted = errors.New("steploop: interrupted")

func (l *Loop) handleInterrupt(ctx context.Context, reason string) error {
	l.mu.Lock()
	var failed []*toolcall.Record
	for _, rec := range l.records {
		if !rec.State.Terminal() {
			failed = append(failed, rec)
		}
	}
	l.mu.Unlock()

	for _, rec := range failed {
		if rec.State == toolcall.StateExecuting {
			_ = rec.Fail(errors.New(reason), "interrupted")
		} else {
			rec.Seal(reason)
		}
	}
	if len(failed) > 0 {
		l.appendSyntheticResults(failed)
		_ = l.persistQueue(ctx)
	}

	l.logger.Warn(ctx, "steploop: interrupted", "agent_id", l.agentID, "reason", reason, "in_flight_calls", len(failed))
	l.metrics.IncCounter("steploop.interrupts", 1)
	l.setRuntimeState(ctx, RuntimeReady)
	_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventDone, doneEventPayload{Reason: eventlog.DoneInterrupted})
	return nil
}

func (l *Loop) appendSyntheticResults(records []*toolcall.Record) {
	blocks := make([]message.Block, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, message.ToolResultBlock{ToolUseID: rec.ID, Content: "interrupted", IsError: true})
	}
	l.mu.Lock()
	l.messages = append(l.messages, &message.Message{Role: message.RoleUser, Content: blocks})
	l.mu.Unlock()
}

func (l *Loop) setRuntimeState(ctx context.Context, to RuntimeState) {
	l.mu.Lock()
	from := l.runtimeState
	l.runtimeState = to
	l.mu.Unlock()
	if from == to {
		return
	}
	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventStateChanged, stateChangedPayload{From: from, To: to})
}

func (l *Loop) setBreakpoint(ctx context.Context, to Breakpoint) {
	l.mu.Lock()
	from := l.breakpoint
	l.breakpoint = to
	l.mu.Unlock()
	if from == to {
		return
	}
	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventBreakpointChanged, breakpointChangedPayload{From: from, To: to})
}

func (l *Loop) emitError(ctx context.Context, err error) {
	l.logger.Error(ctx, "steploop: run failed", "agent_id", l.agentID, "err", err)
	l.metrics.IncCounter("steploop.run_errors", 1)
	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventError, errorPayload{Message: err.Error()})
}

func (l *Loop) approvalMode(toolName string) config.ApprovalMode {
	if m, ok := l.cfg.ToolCalls.PerToolApproval[toolName]; ok {
		return m
	}
	return l.cfg.ToolCalls.DefaultApproval
}

type stateChangedPayload struct {
	From RuntimeState
	To   RuntimeState
}

type breakpointChangedPayload struct {
	From Breakpoint
	To   Breakpoint
}

type errorPayload struct {
	Message string
}

type doneEventPayload struct {
	Reason eventlog.DoneReason
}

type tokenUsagePayload struct {
	Usage provider.TokenUsage
}

type stepCompletePayload struct {
	StepCount int
}

type toolEventPayload struct {
	ToolCallID string
	ToolName   string
}

type toolExecutedPayload struct {
	ToolCallID string
	ToolName   string
	Duration   time.Duration
	Success    bool
}

// retryPolicyFor returns the retry policy applied to provider stream calls.
func (l *Loop) retryPolicyFor() retry.Policy {
	return l.cfg.Provider.RetryPolicy
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("steploop: %s: %w", op, err)
}

package steploop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/agentforge/agentcore/config"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/toolcall"
)

// scheduleToolCalls implements step loop step 6: creates a PENDING Record
// for every tool_use block the assistant emitted, then resolves approval per
// tool policy, blocking on permission_required for "ask" tools.
func (l *Loop) scheduleToolCalls(ctx context.Context, toolUses []message.ToolUseBlock) ([]*toolcall.Record, error) {
	l.setBreakpoint(ctx, BreakpointToolPending)

	records := make([]*toolcall.Record, len(toolUses))
	for i, tu := range toolUses {
		rec := toolcall.NewRecord(tu.ID, tu.Name, tu.Input)
		l.mu.Lock()
		l.records[rec.ID] = rec
		l.mu.Unlock()
		records[i] = rec
	}

	for _, rec := range records {
		mode := l.approvalMode(rec.ToolName)
		if mode != config.ApprovalAsk {
			if err := rec.AutoApprove(); err != nil {
				return nil, fmtErr("auto-approve", err)
			}
			continue
		}
		if err := rec.RequireApproval(); err != nil {
			return nil, fmtErr("require-approval", err)
		}
		if err := l.awaitApproval(ctx, rec); err != nil {
			if errors.Is(err, errInterrupted) {
				return nil, err
			}
			return nil, fmtErr("await-approval", err)
		}
	}
	return records, nil
}

type approvalDecision struct {
	decision eventlog.Decision
	opts     map[string]any
}

// awaitApproval blocks the step (transitioning runtime state to PAUSED)
// until the tool's permission_required control event is resolved via its
// single-shot Respond callback, the approval timeout elapses, the loop is
// interrupted, or ctx is canceled.
func (l *Loop) awaitApproval(ctx context.Context, rec *toolcall.Record) error {
	decisionCh := make(chan approvalDecision, 1)
	_, err := l.log.RequirePermission(ctx, rec.ID, rec.ToolName, func(d eventlog.Decision, opts map[string]any) error {
		select {
		case decisionCh <- approvalDecision{decision: d, opts: opts}:
		default:
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.setBreakpoint(ctx, BreakpointAwaitingApproval)
	l.setRuntimeState(ctx, RuntimePaused)
	defer l.setRuntimeState(ctx, RuntimeWorking)

	var timeoutCh <-chan time.Time
	if l.cfg.ToolCalls.ApprovalTimeout > 0 {
		timer := time.NewTimer(l.cfg.ToolCalls.ApprovalTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var dm approvalDecision
	select {
	case dm = <-decisionCh:
	case <-timeoutCh:
		if err := rec.Decide(toolcall.DecisionDeny, "policy:timeout", "approval timed out"); err != nil {
			return err
		}
		_, derr := l.log.DecidePermission(ctx, rec.ID, eventlog.DecisionDeny)
		return derr
	case reason := <-l.interruptCh:
		l.interruptCh <- reason
		return errInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}

	decision := toolcall.DecisionDeny
	if dm.decision == eventlog.DecisionApprove {
		decision = toolcall.DecisionApprove
	}
	note, _ := dm.opts["note"].(string)
	decidedBy, _ := dm.opts["decidedBy"].(string)
	if decidedBy == "" {
		decidedBy = "external"
	}
	if err := rec.Decide(decision, decidedBy, note); err != nil {
		return err
	}
	_, err = l.log.DecidePermission(ctx, rec.ID, dm.decision)
	return err
}

// runPreTool implements step loop step 7: evaluates the preTool hook for
// every APPROVED call and applies its verdict.
func (l *Loop) runPreTool(ctx context.Context, records []*toolcall.Record) error {
	l.setBreakpoint(ctx, BreakpointPreTool)
	if l.hooks.PreTool == nil {
		return nil
	}
	for _, rec := range records {
		if rec.State != toolcall.StateApproved {
			continue
		}
		verdict, err := l.hooks.PreTool(ctx, rec)
		if err != nil {
			return fmtErr("preTool hook", err)
		}
		switch verdict.Kind {
		case VerdictDeny:
			if err := rec.Deny(verdict.DenyReason); err != nil {
				return err
			}
		case VerdictResult:
			if err := rec.ShortcircuitResult(verdict.Result); err != nil {
				return err
			}
		case VerdictAllow, "":
			// No-op: the call proceeds to execution.
		}
	}
	return nil
}

// executeTools implements step loop step 8: executes every non-terminal
// record concurrently, bounded by StepLoopOptions.MaxConcurrentTools, and
// returns tool_result blocks ordered by the records' original tool_use
// index (never by completion order), per spec.md §5.
func (l *Loop) executeTools(ctx context.Context, records []*toolcall.Record) []message.Block {
	l.setBreakpoint(ctx, BreakpointToolExecuting)

	results := make([]message.Block, len(records))
	var sem chan struct{}
	if n := l.cfg.StepLoop.MaxConcurrentTools; n > 0 {
		sem = make(chan struct{}, n)
	}

	var wg sync.WaitGroup
	for i, rec := range records {
		i, rec := i, rec
		if rec.State.Terminal() {
			results[i] = l.toolResultBlockFor(rec)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			l.runSingleTool(ctx, rec)
			results[i] = l.toolResultBlockFor(rec)
		}()
	}
	wg.Wait()

	l.setBreakpoint(ctx, BreakpointPostTool)
	return results
}

func (l *Loop) runSingleTool(ctx context.Context, rec *toolcall.Record) {
	if err := rec.Execute(); err != nil {
		return
	}
	ctx, span := l.tracer.Start(ctx, "steploop.tool_execute")
	span.AddEvent("tool_call", "tool", rec.ToolName, "id", rec.ID)
	defer span.End()

	_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventToolStart, toolEventPayload{ToolCallID: rec.ID, ToolName: rec.ToolName})

	execCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.ToolCalls.ExecutionTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolCalls.ExecutionTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := l.exec(execCtx, rec.ToolName, rec.Input)
	duration := time.Since(start)
	l.metrics.RecordTimer("steploop.tool_duration", duration, rec.ToolName)

	select {
	case reason := <-l.interruptCh:
		l.interruptCh <- reason
		_ = rec.Fail(errors.New(reason), "interrupted")
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventToolError, toolEventPayload{ToolCallID: rec.ID, ToolName: rec.ToolName})
		span.SetStatus(codes.Error, "interrupted")
		l.metrics.IncCounter("steploop.tool_failures", 1, rec.ToolName)
		return
	default:
	}

	if err != nil {
		_ = rec.Fail(err, "")
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventToolError, toolEventPayload{ToolCallID: rec.ID, ToolName: rec.ToolName})
		_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventToolExecuted, toolExecutedPayload{ToolCallID: rec.ID, ToolName: rec.ToolName, Duration: duration, Success: false})
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool execution failed")
		l.logger.Warn(ctx, "steploop: tool execution failed", "tool", rec.ToolName, "id", rec.ID, "err", err)
		l.metrics.IncCounter("steploop.tool_failures", 1, rec.ToolName)
		return
	}

	if l.hooks.PostTool != nil {
		updated, herr := l.hooks.PostTool(ctx, rec, result)
		if herr != nil {
			_ = rec.Fail(herr, "postTool hook failed")
			_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventToolError, toolEventPayload{ToolCallID: rec.ID, ToolName: rec.ToolName})
			span.RecordError(herr)
			span.SetStatus(codes.Error, "postTool hook failed")
			l.metrics.IncCounter("steploop.tool_failures", 1, rec.ToolName)
			return
		}
		result = updated
	}

	_ = rec.Complete(result)
	_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventToolEnd, toolEventPayload{ToolCallID: rec.ID, ToolName: rec.ToolName})
	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventToolExecuted, toolExecutedPayload{ToolCallID: rec.ID, ToolName: rec.ToolName, Duration: duration, Success: true})
	span.SetStatus(codes.Ok, "")
	l.metrics.IncCounter("steploop.tool_successes", 1, rec.ToolName)
}

func (l *Loop) toolResultBlockFor(rec *toolcall.Record) message.Block {
	snap := rec.Snapshot()
	switch snap.State {
	case toolcall.StateCompleted:
		return message.ToolResultBlock{ToolUseID: snap.ID, Content: snap.Result, IsError: false}
	default:
		content := "denied"
		if snap.Err != nil {
			content = snap.Err.Error()
		}
		return message.ToolResultBlock{ToolUseID: snap.ID, Content: content, IsError: true}
	}
}

package steploop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/queue"
)

// step runs one full iteration of spec.md §4.F's 9-step loop body: it injects
// any due reminders, streams one model turn, and, if the assistant requested
// tool use, schedules/approves/executes those calls before persisting and
// reporting step_complete. done reports whether the turn finished without
// any further tool use, at which point Run may return to READY.
func (l *Loop) step(ctx context.Context) (done bool, err error) {
	ctx, span := l.tracer.Start(ctx, "steploop.step")
	start := time.Now()
	defer func() {
		l.metrics.RecordTimer("steploop.step_duration", time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			l.logger.Error(ctx, "steploop: step failed", "agent_id", l.agentID, "err", err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	l.setRuntimeState(ctx, RuntimeWorking)

	if err := l.injectReminders(ctx); err != nil {
		return false, err
	}

	assistant, _, err := l.streamModel(ctx)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.messages = append(l.messages, assistant)
	l.mu.Unlock()

	toolUses := collectToolUses(assistant)
	if len(toolUses) == 0 {
		if err := l.persistQueue(ctx); err != nil {
			return false, err
		}
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventDone, doneEventPayload{Reason: eventlog.DoneCompleted})
		l.setRuntimeState(ctx, RuntimeReady)
		l.finishStep(ctx)
		return true, nil
	}

	records, err := l.scheduleToolCalls(ctx, toolUses)
	if err != nil {
		return false, err
	}

	if err := l.runPreTool(ctx, records); err != nil {
		return false, err
	}

	results := l.executeTools(ctx, records)

	l.mu.Lock()
	l.messages = append(l.messages, &message.Message{Role: message.RoleUser, Content: results})
	for _, rec := range records {
		delete(l.records, rec.ID)
	}
	l.mu.Unlock()

	if err := l.persistQueue(ctx); err != nil {
		return false, err
	}

	l.setBreakpoint(ctx, BreakpointReady)
	l.finishStep(ctx)
	return false, nil
}

func (l *Loop) finishStep(ctx context.Context) {
	l.mu.Lock()
	l.stepCount++
	count := l.stepCount
	l.mu.Unlock()
	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventStepComplete, stepCompletePayload{StepCount: count})
}

func collectToolUses(msg *message.Message) []message.ToolUseBlock {
	var out []message.ToolUseBlock
	for _, b := range message.GetBlocks(msg) {
		if tu, ok := b.(message.ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// injectReminders queues every reminder due at this step's attachment point,
// per spec.md §4.F: reminders enter history through the message queue with
// kind=reminder, so a reminder-only flush never itself wakes the loop.
func (l *Loop) injectReminders(ctx context.Context) error {
	kind := AttachmentUserTurn
	l.mu.Lock()
	first := l.stepCount == 0
	l.mu.Unlock()
	if first {
		kind = AttachmentRunStart
	}

	due := l.reminders.Snapshot(l.agentID, kind, "")
	for _, r := range due {
		text := l.wrap(r)
		if _, err := l.q.Send(message.NewText(message.RoleUser, text), queue.KindReminder, map[string]any{"reminderID": r.ID}); err != nil {
			return fmtErr("inject reminder", err)
		}
	}
	return l.q.Flush(ctx)
}

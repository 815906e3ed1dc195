package steploop

import (
	"context"
	"fmt"

	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/store"
	"github.com/agentforge/agentcore/toolcall"
)

// Resume reconstructs a Loop from persisted state, sealing any tool-call
// record that was non-terminal at crash or interrupt time and restoring the
// resume invariant (every tool_use has a matching tool_result) by appending
// synthetic interrupted results for them, per spec.md §4.E/§4.H.
func Resume(ctx context.Context, opts Options) (*Loop, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}

	messages, err := opts.Store.LoadMessages(ctx, opts.AgentID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("steploop: resume load messages: %w", err)
	}

	snapshots, err := opts.Store.LoadToolCallRecords(ctx, opts.AgentID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("steploop: resume load tool calls: %w", err)
	}

	var sealed []*toolcall.Record
	records := make(map[string]*toolcall.Record, len(snapshots))
	for _, snap := range snapshots {
		rec := &toolcall.Record{
			ID:        snap.ID,
			ToolName:  snap.ToolName,
			Input:     snap.Input,
			State:     snap.State,
			Audit:     snap.Audit,
			Approval:  snap.Approval,
			Result:    snap.Result,
			Err:       snap.Err,
			CreatedAt: snap.CreatedAt,
		}
		if !rec.State.Terminal() {
			rec.Seal("resumed after crash or interrupt")
			sealed = append(sealed, rec)
		}
		records[rec.ID] = rec
	}

	if len(sealed) > 0 {
		blocks := make([]message.Block, 0, len(sealed))
		for _, rec := range sealed {
			blocks = append(blocks, message.ToolResultBlock{ToolUseID: rec.ID, Content: "interrupted", IsError: true})
		}
		messages = append(messages, &message.Message{Role: message.RoleUser, Content: blocks})
	}

	l.mu.Lock()
	l.messages = messages
	l.records = records
	l.mu.Unlock()

	if len(sealed) > 0 {
		if err := l.persistQueue(ctx); err != nil {
			return nil, fmt.Errorf("steploop: resume persist sealed calls: %w", err)
		}
	}

	_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventAgentResumed, resumePayload{SealedCount: len(sealed)})
	return l, nil
}

type resumePayload struct {
	SealedCount int
}

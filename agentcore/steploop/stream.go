package steploop

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.opentelemetry.io/otel/codes"

	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
	"github.com/agentforge/agentcore/retry"
	"github.com/agentforge/agentcore/sfp"
)

// blockAccumulator assembles one output content block from its
// content_block_start/delta/stop chunk sequence.
type blockAccumulator struct {
	kind     string // "text", "reasoning", "tool_use", or other (kept opaque)
	text     string
	partial  string
	toolID   string
	toolName string
	meta     message.BlockMeta
}

// streamModel runs step loop steps 2-4: preModel hooks, the provider stream
// call, and progress-event forwarding, returning the accumulated assistant
// message once message_stop is observed.
func (l *Loop) streamModel(ctx context.Context) (*message.Message, provider.TokenUsage, error) {
	l.setBreakpoint(ctx, BreakpointPreModel)
	l.mu.Lock()
	history := append([]*message.Message(nil), l.messages...)
	l.mu.Unlock()

	if l.hooks.PreModel != nil {
		updated, err := l.hooks.PreModel(ctx, history)
		if err != nil {
			return nil, provider.TokenUsage{}, fmtErr("preModel hook", err)
		}
		if updated != nil {
			history = updated
		}
	}

	prepared := sfp.PreparerFor(l.sfpProv).Prepare(history)
	prepared, err := l.resolveUploads(ctx, prepared)
	if err != nil {
		return nil, provider.TokenUsage{}, fmtErr("resolve uploads", err)
	}

	req := &provider.Request{
		Messages:           prepared,
		System:             l.system,
		Tools:              l.tools,
		ReasoningTransport: l.rt,
	}

	l.setBreakpoint(ctx, BreakpointStreamingModel)

	modelCtx, modelSpan := l.tracer.Start(ctx, "steploop.model_stream")
	defer modelSpan.End()

	var streamer provider.Streamer
	err = retry.Do(modelCtx, l.retryPolicyFor(), func(ctx context.Context) error {
		s, serr := l.client.Stream(ctx, req)
		if serr != nil {
			return serr
		}
		streamer = s
		return nil
	})
	if err != nil {
		modelSpan.RecordError(err)
		modelSpan.SetStatus(codes.Error, "open stream failed")
		l.logger.Error(ctx, "steploop: model stream failed", "agent_id", l.agentID, "err", err)
		l.metrics.IncCounter("steploop.model_errors", 1)
		return nil, provider.TokenUsage{}, fmtErr("open stream", err)
	}
	modelSpan.SetStatus(codes.Ok, "")
	defer streamer.Close()

	accs := make(map[int]*blockAccumulator)
	var order []int
	var usage provider.TokenUsage

	for {
		select {
		case reason := <-l.interruptCh:
			l.interruptCh <- reason // put back for Run's outer select to observe
			return nil, usage, errInterrupted
		case <-ctx.Done():
			return nil, usage, ctx.Err()
		default:
		}

		chunk, ok, cerr := streamer.Next(ctx)
		if cerr != nil {
			return nil, usage, fmtErr("stream read", cerr)
		}
		if !ok {
			break
		}

		switch chunk.Type {
		case provider.ChunkContentBlockStart:
			acc := &blockAccumulator{}
			switch v := chunk.Block.(type) {
			case message.ToolUseBlock:
				acc.kind = "tool_use"
				acc.toolID = v.ID
				acc.toolName = v.Name
			case message.ReasoningBlock:
				acc.kind = "reasoning"
				acc.meta = v.Meta
			default:
				acc.kind = "text"
			}
			accs[chunk.Index] = acc
			order = append(order, chunk.Index)
			l.emitBlockStart(ctx, chunk.Index, acc.kind)

		case provider.ChunkContentBlockDelta:
			acc := accs[chunk.Index]
			if acc == nil || chunk.Delta == nil {
				continue
			}
			switch chunk.Delta.Kind {
			case provider.DeltaText:
				acc.text += chunk.Delta.Text
				l.emitTextChunk(ctx, chunk.Index, chunk.Delta.Text)
			case provider.DeltaReasoning:
				acc.text += chunk.Delta.Text
				l.emitThinkChunk(ctx, chunk.Index, chunk.Delta.Text)
			case provider.DeltaInputJSON:
				acc.partial += chunk.Delta.PartialJSON
			}

		case provider.ChunkContentBlockStop:
			acc := accs[chunk.Index]
			if acc == nil {
				continue
			}
			l.emitBlockStop(ctx, chunk.Index, acc.kind)

		case provider.ChunkMessageDelta:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}

		case provider.ChunkMessageStop:
			// Stream ends on the next Next() call returning ok=false; no
			// further state to accumulate here.
		}
	}

	sort.Ints(order)
	blocks := make([]message.Block, 0, len(order))
	for _, idx := range order {
		acc := accs[idx]
		switch acc.kind {
		case "text":
			if acc.text != "" {
				blocks = append(blocks, message.TextBlock{Text: acc.text})
			}
		case "reasoning":
			blocks = append(blocks, message.ReasoningBlock{Reasoning: acc.text, Meta: acc.meta})
		case "tool_use":
			input, jerr := decodeToolInput(acc.partial)
			if jerr != nil {
				input = acc.partial
			}
			blocks = append(blocks, message.ToolUseBlock{ID: acc.toolID, Name: acc.toolName, Input: input})
		}
	}

	assistant := &message.Message{Role: message.RoleAssistant, Content: blocks}

	if usage.InputTokens != 0 || usage.OutputTokens != 0 {
		_, _ = l.log.Append(ctx, eventlog.Monitor, eventlog.EventTokenUsage, tokenUsagePayload{Usage: usage})
		l.metrics.IncCounter("steploop.input_tokens", float64(usage.InputTokens))
		l.metrics.IncCounter("steploop.output_tokens", float64(usage.OutputTokens))
	}

	if l.hooks.PostModel != nil {
		replaced, herr := l.hooks.PostModel(ctx, assistant)
		if herr != nil {
			return nil, usage, fmtErr("postModel hook", herr)
		}
		if replaced != nil {
			assistant = replaced
		}
	}

	return assistant, usage, nil
}

func decodeToolInput(partial string) (any, error) {
	if partial == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(partial), &v); err != nil {
		return nil, errors.New("steploop: malformed tool input json")
	}
	return v, nil
}

func (l *Loop) emitBlockStart(ctx context.Context, index int, kind string) {
	switch kind {
	case "text":
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventTextChunkStart, chunkIndexPayload{Index: index})
	case "reasoning":
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventThinkChunkStart, chunkIndexPayload{Index: index})
	}
}

func (l *Loop) emitTextChunk(ctx context.Context, index int, text string) {
	if text == "" {
		return
	}
	_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventTextChunk, chunkTextPayload{Index: index, Text: text})
}

func (l *Loop) emitThinkChunk(ctx context.Context, index int, text string) {
	if text == "" {
		return
	}
	_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventThinkChunk, chunkTextPayload{Index: index, Text: text})
}

func (l *Loop) emitBlockStop(ctx context.Context, index int, kind string) {
	switch kind {
	case "text":
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventTextChunkEnd, chunkIndexPayload{Index: index})
	case "reasoning":
		_, _ = l.log.Append(ctx, eventlog.Progress, eventlog.EventThinkChunkEnd, chunkIndexPayload{Index: index})
	}
}

type chunkIndexPayload struct {
	Index int
}

type chunkTextPayload struct {
	Index int
	Text  string
}

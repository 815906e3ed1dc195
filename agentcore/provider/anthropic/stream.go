package anthropic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// streamer adapts an Anthropic Messages streaming response into the
// provider.StreamChunk five-variant protocol.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan provider.StreamChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan provider.StreamChunk, 32)}
	go s.run()
	return s
}

func (s *streamer) Next(ctx context.Context) (provider.StreamChunk, bool, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, true, nil
		}
		if err := s.err(); err != nil && !errors.Is(err, context.Canceled) {
			return provider.StreamChunk{}, false, err
		}
		return provider.StreamChunk{}, false, nil
	case <-ctx.Done():
		return provider.StreamChunk{}, false, ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newChunkProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk provider.StreamChunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

// chunkProcessor translates Anthropic's own event taxonomy (message_start,
// content_block_start/delta/stop, message_delta, message_stop) into the
// canonical five-variant provider.StreamChunk protocol. Anthropic's event
// names map almost one-to-one onto the canonical ones; the work here is
// buffering tool_use JSON fragments so each tool_use block's input reaches
// the caller as one complete JSON string just before its stop chunk.
// Thinking-block signatures are not carried on stream chunks.
type chunkProcessor struct {
	emit func(provider.StreamChunk) error

	toolNames map[int]string
	toolIDs   map[int]string
	toolJSON  map[int]string

	stopReason string
}

func newChunkProcessor(emit func(provider.StreamChunk) error) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolNames: make(map[int]string), toolIDs: make(map[int]string), toolJSON: make(map[int]string)}
}

func (p *chunkProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolNames = make(map[int]string)
		p.toolIDs = make(map[int]string)
		p.toolJSON = make(map[int]string)
		p.stopReason = ""
		return nil

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if start.ID == "" || start.Name == "" {
				return fmt.Errorf("anthropic stream: tool_use block missing id or name")
			}
			p.toolIDs[idx] = start.ID
			p.toolNames[idx] = start.Name
			return p.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockStart,
				Index: idx,
				Block: message.ToolUseBlock{ID: start.ID, Name: start.Name},
			})
		case sdk.TextBlock:
			return p.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockStart,
				Index: idx,
				Block: message.TextBlock{},
			})
		case sdk.ThinkingBlock:
			return p.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockStart,
				Index: idx,
				Block: message.ReasoningBlock{},
			})
		default:
			return nil
		}

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockDelta,
				Index: idx,
				Delta: &provider.Delta{Kind: provider.DeltaText, Text: delta.Text},
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockDelta,
				Index: idx,
				Delta: &provider.Delta{Kind: provider.DeltaReasoning, Text: delta.Thinking},
			})
		case sdk.SignatureDelta:
			// The signature arrives as its own delta event with no partner
			// canonical kind; callers needing it read it back off the final
			// assistant message's ReasoningBlock.Meta, populated by
			// translateResponse for non-streaming calls. Streaming callers
			// that need the signature mid-stream are not yet supported.
			return nil
		case sdk.InputJSONDelta:
			p.toolJSON[idx] += delta.PartialJSON
			return nil
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		delete(p.toolNames, idx)
		delete(p.toolIDs, idx)
		if js := p.toolJSON[idx]; js != "" {
			delete(p.toolJSON, idx)
			if err := p.emit(provider.StreamChunk{Type: provider.ChunkContentBlockDelta, Index: idx, Delta: &provider.Delta{Kind: provider.DeltaInputJSON, PartialJSON: js}}); err != nil {
				return err
			}
		}
		return p.emit(provider.StreamChunk{Type: provider.ChunkContentBlockStop, Index: idx})

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := provider.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}
		return p.emit(provider.StreamChunk{Type: provider.ChunkMessageDelta, Usage: &usage})

	case sdk.MessageStopEvent:
		return p.emit(provider.StreamChunk{Type: provider.ChunkMessageStop, StopReason: p.stopReason})

	default:
		return nil
	}
}

package bedrock

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// streamer adapts a Bedrock ConverseStream event stream into the
// provider.StreamChunk five-variant protocol.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	output *bedrockruntime.ConverseStreamOutput

	chunks   chan provider.StreamChunk
	toolJSON map[int]string // buffered tool-use input fragments per block index

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, output *bedrockruntime.ConverseStreamOutput) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, output: output, chunks: make(chan provider.StreamChunk, 32), toolJSON: make(map[int]string)}
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
	if s.output == nil {
		return nil
	}
	return s.output.GetStream().Close()
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
	stream := s.output.GetStream()
	defer stream.Close()

	var stopReason string
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					s.setErr(err)
				} else {
					s.setErr(nil)
				}
				return
			}
			reason, err := s.handle(event, stopReason)
			if err != nil {
				s.setErr(err)
				return
			}
			stopReason = reason
		}
	}
}

func (s *streamer) handle(event brtypes.ConverseStreamOutput, stopReason string) (string, error) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := int(ptrValue(ev.Value.ContentBlockIndex))
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			name := ""
			if tu.Value.Name != nil {
				name = *tu.Value.Name
			}
			id := ""
			if tu.Value.ToolUseId != nil {
				id = *tu.Value.ToolUseId
			}
			return stopReason, s.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockStart,
				Index: idx,
				Block: message.ToolUseBlock{ID: id, Name: name},
			})
		}
		return stopReason, s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockStart, Index: idx, Block: message.TextBlock{}})

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := int(ptrValue(ev.Value.ContentBlockIndex))
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return stopReason, nil
			}
			return stopReason, s.emit(provider.StreamChunk{
				Type: provider.ChunkContentBlockDelta, Index: idx,
				Delta: &provider.Delta{Kind: provider.DeltaText, Text: delta.Value},
			})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input == nil || *delta.Value.Input == "" {
				return stopReason, nil
			}
			s.toolJSON[idx] += *delta.Value.Input
			return stopReason, nil
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			switch rc := delta.Value.(type) {
			case *brtypes.ReasoningContentBlockDeltaMemberText:
				if rc.Value == "" {
					return stopReason, nil
				}
				return stopReason, s.emit(provider.StreamChunk{
					Type: provider.ChunkContentBlockDelta, Index: idx,
					Delta: &provider.Delta{Kind: provider.DeltaReasoning, Text: rc.Value},
				})
			default:
				return stopReason, nil
			}
		default:
			return stopReason, nil
		}

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := int(ptrValue(ev.Value.ContentBlockIndex))
		if js := s.toolJSON[idx]; js != "" {
			delete(s.toolJSON, idx)
			if err := s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockDelta, Index: idx, Delta: &provider.Delta{Kind: provider.DeltaInputJSON, PartialJSON: js}}); err != nil {
				return stopReason, err
			}
		}
		return stopReason, s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockStop, Index: idx})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			usage := provider.TokenUsage{
				InputTokens:  int(ptrValue(ev.Value.Usage.InputTokens)),
				OutputTokens: int(ptrValue(ev.Value.Usage.OutputTokens)),
			}
			if err := s.emit(provider.StreamChunk{Type: provider.ChunkMessageDelta, Usage: &usage}); err != nil {
				return stopReason, err
			}
		}
		return stopReason, nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		reason := string(ev.Value.StopReason)
		return reason, s.emit(provider.StreamChunk{Type: provider.ChunkMessageStop, StopReason: reason})

	default:
		return stopReason, nil
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

package openai

import (
	"context"
	"errors"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// ChatStream is the concrete streaming type the OpenAI SDK returns from
// Chat.Completions.NewStreaming.
type ChatStream = ssestream.Stream[oai.ChatCompletionChunk]

// streamer adapts an OpenAI chat-completion chunk stream into the
// provider.StreamChunk five-variant protocol. Chat Completions streams tool
// calls as index-keyed deltas with no explicit start/stop events, so this
// adapter synthesizes content_block_start the first time an index appears
// and content_block_stop once the stream ends, preceded for each tool call
// by one input_json_delta carrying its complete buffered arguments.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ChatStream

	chunks chan provider.StreamChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ChatStream) *streamer {
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

	textStarted := false
	textBlockIndex := 0
	toolIndexToBlock := make(map[int64]int)
	nextIndex := 0
	var finishReason string

	startedIndexes := map[int]bool{}
	toolArgs := map[int]string{}

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
			break
		}
		chunk := s.stream.Current()

		if chunk.Usage.PromptTokens != 0 || chunk.Usage.CompletionTokens != 0 {
			usage := provider.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
			if err := s.emit(provider.StreamChunk{Type: provider.ChunkMessageDelta, Usage: &usage}); err != nil {
				s.setErr(err)
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		delta := choice.Delta

		if delta.Content != "" {
			if !textStarted {
				textStarted = true
				textBlockIndex = nextIndex
				startedIndexes[textBlockIndex] = true
				if err := s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockStart, Index: textBlockIndex, Block: message.TextBlock{}}); err != nil {
					s.setErr(err)
					return
				}
				nextIndex++
			}
			if err := s.emit(provider.StreamChunk{
				Type:  provider.ChunkContentBlockDelta,
				Index: textBlockIndex,
				Delta: &provider.Delta{Kind: provider.DeltaText, Text: delta.Content},
			}); err != nil {
				s.setErr(err)
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			blockIdx, exists := toolIndexToBlock[tc.Index]
			if !exists {
				blockIdx = nextIndex
				nextIndex++
				toolIndexToBlock[tc.Index] = blockIdx
				startedIndexes[blockIdx] = true
				if err := s.emit(provider.StreamChunk{
					Type:  provider.ChunkContentBlockStart,
					Index: blockIdx,
					Block: message.ToolUseBlock{ID: tc.ID, Name: tc.Function.Name},
				}); err != nil {
					s.setErr(err)
					return
				}
			}
			toolArgs[blockIdx] += tc.Function.Arguments
		}
	}

	for idx := range startedIndexes {
		if args := toolArgs[idx]; args != "" {
			if err := s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockDelta, Index: idx, Delta: &provider.Delta{Kind: provider.DeltaInputJSON, PartialJSON: args}}); err != nil {
				s.setErr(err)
				return
			}
		}
		if err := s.emit(provider.StreamChunk{Type: provider.ChunkContentBlockStop, Index: idx}); err != nil {
			s.setErr(err)
			return
		}
	}
	_ = s.emit(provider.StreamChunk{Type: provider.ChunkMessageStop, StopReason: finishReason})
}

func (s *streamer) emit(chunk provider.StreamChunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

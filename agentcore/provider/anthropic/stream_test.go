package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func mustEvent(t *testing.T, eventType string, raw string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return ssestream.Event{Type: eventType, Data: data}
}

func TestStreamer_TextAndToolUse(t *testing.T) {
	events := []ssestream.Event{
		mustEvent(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		mustEvent(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		mustEvent(t, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"get_weather"}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"nyc\"}"}}`),
		mustEvent(t, "content_block_stop", `{"type":"content_block_stop","index":1}`),
		mustEvent(t, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":10,"output_tokens":3}}`),
		mustEvent(t, "message_stop", `{"type":"message_stop"}`),
	}

	dec := &testDecoder{events: events}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	var chunks []provider.StreamChunk
	for {
		ch, ok, err := s.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		chunks = append(chunks, ch)
	}
	require.NotEmpty(t, chunks)

	var sawToolStart, sawToolDelta, sawMessageDelta, sawMessageStop bool
	for _, ch := range chunks {
		switch ch.Type {
		case provider.ChunkContentBlockStart:
			if tu, ok := ch.Block.(message.ToolUseBlock); ok {
				sawToolStart = true
				assert.Equal(t, "t1", tu.ID)
				assert.Equal(t, "get_weather", tu.Name)
			}
		case provider.ChunkContentBlockDelta:
			if ch.Delta.Kind == provider.DeltaInputJSON {
				sawToolDelta = true
				assert.Equal(t, `{"city":"nyc"}`, ch.Delta.PartialJSON)
			}
		case provider.ChunkMessageDelta:
			sawMessageDelta = true
			require.NotNil(t, ch.Usage)
			assert.Equal(t, 10, ch.Usage.InputTokens)
			assert.Equal(t, 3, ch.Usage.OutputTokens)
		case provider.ChunkMessageStop:
			sawMessageStop = true
			assert.Equal(t, "tool_use", ch.StopReason)
		}
	}
	assert.True(t, sawToolStart)
	assert.True(t, sawToolDelta)
	assert.True(t, sawMessageDelta)
	assert.True(t, sawMessageStop)
}

func TestStreamer_ClosePropagatesCancellation(t *testing.T) {
	dec := &testDecoder{events: nil}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(context.Background(), stream)
	require.NoError(t, s.Close())
}

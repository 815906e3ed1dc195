package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		dec := &noopDecoder{}
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	}
	return s.stream
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestNew_RequiresDefaultModel(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{})
	assert.Error(t, err)
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	req := &provider.Request{
		Messages: []*message.Message{message.NewText(message.RoleUser, "hello")},
	}
	stub.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Message.Content, 1)
	tb, ok := resp.Message.Content[0].(message.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "world", tb.Text)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, "end_turn", resp.StopReason)

	assert.Equal(t, sdk.Model("claude-3.5-sonnet"), stub.lastParams.Model)
	assert.Equal(t, int64(128), stub.lastParams.MaxTokens)
}

func TestComplete_RejectsEmptyMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &provider.Request{})
	assert.Error(t, err)
}

func TestComplete_RejectsMissingMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)
	req := &provider.Request{Messages: []*message.Message{message.NewText(message.RoleUser, "hi")}}
	_, err = cl.Complete(context.Background(), req)
	assert.Error(t, err)
}

func TestComplete_ToolUseRoundTrip(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	req := &provider.Request{
		Messages: []*message.Message{message.NewText(message.RoleUser, "what's the weather")},
		Tools: []provider.ToolDefinition{
			{Name: "get_weather", Description: "fetch weather", InputSchema: map[string]any{"type": "object"}},
		},
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "call-1", Name: "get_weather", Input: []byte(`{"city":"nyc"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Message.Content, 1)
	tu, ok := resp.Message.Content[0].(message.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "call-1", tu.ID)
	assert.Equal(t, "get_weather", tu.Name)

	require.Len(t, stub.lastParams.Tools, 1)
}

func TestUploadFile_ReturnsNil(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)
	result, err := cl.UploadFile(context.Background(), provider.UploadInput{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestToConfig_ReportsProviderAndModel(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-3.5-sonnet"})
	require.NoError(t, err)
	cfg := cl.ToConfig()
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-3.5-sonnet", cfg.Model)
}

func TestEncodeMessages_ImagePrefersURLOverBase64(t *testing.T) {
	msgs := []*message.Message{
		{Role: message.RoleUser, Content: []message.Block{
			message.ImageBlock{Base64: "aGVsbG8=", URL: "https://example.com/cat.png", MimeType: "image/png"},
		}},
	}
	conv, _, err := encodeMessages(msgs, message.TransportProvider)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Len(t, conv[0].Content, 1)
	img := conv[0].Content[0].OfImage
	require.NotNil(t, img)
	src := img.Source.OfURL
	require.NotNil(t, src)
	assert.Equal(t, "https://example.com/cat.png", src.URL)
}

func TestEncodeMessages_ImageBase64Fallback(t *testing.T) {
	msgs := []*message.Message{
		{Role: message.RoleUser, Content: []message.Block{
			message.ImageBlock{Base64: "aGVsbG8=", MimeType: "image/png"},
		}},
	}
	conv, _, err := encodeMessages(msgs, message.TransportProvider)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.Len(t, conv[0].Content, 1)
	img := conv[0].Content[0].OfImage
	require.NotNil(t, img)
	src := img.Source.OfBase64
	require.NotNil(t, src)
	assert.Equal(t, "aGVsbG8=", src.Data)
}

func TestEncodeMessages_AudioVideoFileOmitted(t *testing.T) {
	msg := &message.Message{Role: message.RoleUser, Content: []message.Block{
		message.TextBlock{Text: "see attached"},
		message.AudioBlock{Base64: "ZGF0YQ==", MimeType: "audio/wav"},
		message.FileBlock{Base64: "ZGF0YQ==", MimeType: "application/pdf", Filename: "report.pdf"},
	}}
	_, _, err := encodeMessages([]*message.Message{msg}, message.TransportProvider)
	require.NoError(t, err)
	require.NotNil(t, msg.Metadata)
	assert.Equal(t, message.TransportOmit, msg.Metadata.Transport)
	assert.Len(t, msg.Metadata.ContentBlocks, 3)
}

func TestEncodeMessages_ReasoningTransportModes(t *testing.T) {
	reasoning := message.ReasoningBlock{Reasoning: "because", Meta: message.BlockMeta{"signature": "sig-1"}}

	thinking := &message.Message{Role: message.RoleAssistant, Content: []message.Block{reasoning}}
	conv, _, err := encodeMessages([]*message.Message{thinking}, message.TransportProvider)
	require.NoError(t, err)
	require.Len(t, conv[0].Content, 1)
	require.NotNil(t, conv[0].Content[0].OfThinking)

	flattened := &message.Message{Role: message.RoleAssistant, Content: []message.Block{reasoning}}
	conv, _, err = encodeMessages([]*message.Message{flattened}, message.TransportText)
	require.NoError(t, err)
	require.Len(t, conv[0].Content, 1)
	require.NotNil(t, conv[0].Content[0].OfText)
	assert.Equal(t, message.TransportText, flattened.Metadata.Transport)

	omitted := &message.Message{Role: message.RoleAssistant, Content: []message.Block{
		reasoning,
		message.TextBlock{Text: "answer"},
	}}
	conv, _, err = encodeMessages([]*message.Message{omitted}, message.TransportOmit)
	require.NoError(t, err)
	require.Len(t, conv[0].Content, 1)
	require.NotNil(t, conv[0].Content[0].OfText)
}

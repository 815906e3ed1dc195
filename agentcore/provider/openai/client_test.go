package openai

import (
	"context"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

type stubChatClient struct {
	lastParams oai.ChatCompletionNewParams
	resp       *oai.ChatCompletion
	err        error
}

func (s *stubChatClient) New(_ context.Context, params oai.ChatCompletionNewParams, _ ...option.RequestOption) (*oai.ChatCompletion, error) {
	s.lastParams = params
	return s.resp, s.err
}

func (s *stubChatClient) NewStreaming(_ context.Context, params oai.ChatCompletionNewParams, _ ...option.RequestOption) *ChatStream {
	s.lastParams = params
	return nil
}

func TestNew_RequiresDefaultModel(t *testing.T) {
	_, err := New(&stubChatClient{}, Options{})
	assert.Error(t, err)
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5.2"})
	require.NoError(t, err)

	req := &provider.Request{Messages: []*message.Message{message.NewText(message.RoleUser, "hello")}}
	stub.resp = &oai.ChatCompletion{
		Choices: []oai.ChatCompletionChoice{
			{Message: oai.ChatCompletionMessage{Content: "world"}, FinishReason: "stop"},
		},
		Usage: oai.CompletionUsage{PromptTokens: 4, CompletionTokens: 2},
	}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Message.Content, 1)
	tb, ok := resp.Message.Content[0].(message.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "world", tb.Text)
	assert.Equal(t, 4, resp.Usage.InputTokens)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestComplete_RejectsEmptyMessages(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-5.2"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &provider.Request{})
	assert.Error(t, err)
}

func TestComplete_ToolCallRoundTrip(t *testing.T) {
	stub := &stubChatClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5.2"})
	require.NoError(t, err)

	req := &provider.Request{
		Messages: []*message.Message{message.NewText(message.RoleUser, "weather?")},
		Tools: []provider.ToolDefinition{
			{Name: "get_weather", Description: "fetch weather", InputSchema: map[string]any{"type": "object"}},
		},
	}
	stub.resp = &oai.ChatCompletion{
		Choices: []oai.ChatCompletionChoice{
			{
				Message: oai.ChatCompletionMessage{
					ToolCalls: []oai.ChatCompletionMessageToolCall{
						{
							ID: "call-1",
							Function: oai.ChatCompletionMessageToolCallFunction{
								Name:      "get_weather",
								Arguments: `{"city":"nyc"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
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
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-5.2"})
	require.NoError(t, err)
	result, err := cl.UploadFile(context.Background(), provider.UploadInput{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestToConfig_ReportsProviderAndModel(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{DefaultModel: "gpt-5.2"})
	require.NoError(t, err)
	cfg := cl.ToConfig()
	assert.Equal(t, "openai-chat", cfg.Provider)
	assert.Equal(t, "gpt-5.2", cfg.Model)
}

func TestUserContent_ImageURLAndBase64(t *testing.T) {
	urlMsg := &message.Message{Role: message.RoleUser, Content: []message.Block{
		message.ImageBlock{URL: "https://example.com/cat.png", MimeType: "image/png"},
	}}
	parts, _, degraded, omitted := userContent(urlMsg)
	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].OfImageURL)
	assert.Equal(t, "https://example.com/cat.png", parts[0].OfImageURL.ImageURL.URL)
	assert.False(t, degraded)
	assert.False(t, omitted)

	b64Msg := &message.Message{Role: message.RoleUser, Content: []message.Block{
		message.ImageBlock{Base64: "aGVsbG8=", MimeType: "image/png"},
	}}
	parts, _, degraded, omitted = userContent(b64Msg)
	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].OfImageURL)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", parts[0].OfImageURL.ImageURL.URL)
	assert.False(t, degraded)
	assert.False(t, omitted)
}

func TestUserContent_AudioVideoFileOmitted(t *testing.T) {
	msg := &message.Message{Role: message.RoleUser, Content: []message.Block{
		message.TextBlock{Text: "see attached"},
		message.AudioBlock{Base64: "ZGF0YQ==", MimeType: "audio/wav"},
		message.FileBlock{Base64: "ZGF0YQ==", MimeType: "application/pdf", Filename: "report.pdf"},
	}}
	parts, _, degraded, omitted := userContent(msg)
	require.Len(t, parts, 1)
	assert.False(t, degraded)
	assert.True(t, omitted)
}

func TestAssistantMessage_ReasoningTransportModes(t *testing.T) {
	reasoning := message.ReasoningBlock{Reasoning: "because"}
	text := message.TextBlock{Text: "answer"}

	withThink, err := assistantMessage(&message.Message{Role: message.RoleAssistant, Content: []message.Block{reasoning, text}}, message.TransportText)
	require.NoError(t, err)
	require.NotNil(t, withThink.OfAssistant)
	require.NotNil(t, withThink.OfAssistant.Content.OfString)
	assert.Contains(t, withThink.OfAssistant.Content.OfString.Value, "<think>because</think>")

	omitted, err := assistantMessage(&message.Message{Role: message.RoleAssistant, Content: []message.Block{reasoning, text}}, message.TransportOmit)
	require.NoError(t, err)
	require.NotNil(t, omitted.OfAssistant)
	require.NotNil(t, omitted.OfAssistant.Content.OfString)
	assert.NotContains(t, omitted.OfAssistant.Content.OfString.Value, "<think>")
	assert.Contains(t, omitted.OfAssistant.Content.OfString.Value, "answer")
}

// Package openai adapts the canonical provider.Client contract onto the
// OpenAI Chat Completions API via github.com/openai/openai-go. Reasoning
// content crosses this adapter as plain "<think>...</think>" text per
// spec.md's openai-chat resume-preparer semantics (sfp.ProviderOpenAIChat):
// the Chat Completions wire format has no first-class thinking block.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter, so
// tests can substitute a mock for the real service.
type ChatClient interface {
	New(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
	NewStreaming(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) *ChatStream
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements provider.Client over OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
	maxTok int
	temp  float64
}

// New builds an OpenAI-backed provider.Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: modelID, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client wired to the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	raw := oai.NewClient(option.WithAPIKey(apiKey))
	return New(&liveChatClient{svc: &raw.Chat.Completions}, Options{DefaultModel: defaultModel})
}

func (c *Client) ToConfig() provider.ModelConfig {
	return provider.ModelConfig{Provider: "openai-chat", Model: c.model}
}

// UploadFile is unsupported: Chat Completions takes inline content parts,
// not a separate upload step.
func (c *Client) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	return nil, nil
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return translateResponse(resp), nil
}

func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *provider.Request) (*oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	messages, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = oai.Float(temp)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		params.ToolChoice = encodeToolChoice(req.ToolChoice)
	}
	return &params, nil
}

func encodeMessages(req *provider.Request) ([]oai.ChatCompletionMessageParamUnion, error) {
	var out []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		switch m.Role {
		case message.RoleSystem:
			for _, b := range message.GetBlocks(m) {
				if tb, ok := b.(message.TextBlock); ok && tb.Text != "" {
					out = append(out, oai.SystemMessage(tb.Text))
				}
			}
		case message.RoleUser:
			original := message.GetBlocks(m)
			parts, toolResults, degraded, omitted := userContent(m)
			for _, tr := range toolResults {
				out = append(out, oai.ToolMessage(tr.text, tr.toolUseID))
			}
			if len(parts) > 0 {
				out = append(out, userMessageFromParts(parts))
			}
			if omitted {
				message.MarkOmitted(m, original)
			} else if degraded {
				message.MarkDegraded(m, original)
			}
		case message.RoleAssistant:
			asst, err := assistantMessage(m, req.ReasoningTransport)
			if err != nil {
				return nil, err
			}
			out = append(out, asst)
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

type toolResultText struct {
	toolUseID string
	text      string
}

func userContent(m *message.Message) ([]oai.ChatCompletionContentPartUnionParam, []toolResultText, bool, bool) {
	var parts []oai.ChatCompletionContentPartUnionParam
	var results []toolResultText
	degraded := false
	omitted := false
	for _, b := range message.GetBlocks(m) {
		switch v := b.(type) {
		case message.TextBlock:
			if v.Text != "" {
				parts = append(parts, oai.ChatCompletionContentPartUnionParam{
					OfText: &oai.ChatCompletionContentPartTextParam{Text: v.Text},
				})
			}
		case message.ToolResultBlock:
			results = append(results, toolResultText{toolUseID: v.ToolUseID, text: stringifyContent(v.Content)})
		case message.ImageBlock:
			if part, ok := encodeOpenAIImage(v.Base64, v.URL, v.MimeType); ok {
				parts = append(parts, part)
			} else {
				degraded = true
			}
		case message.AudioBlock, message.VideoBlock, message.FileBlock:
			// Chat Completions has no grounded content part for these here;
			// drop rather than guess at an unverified wire shape.
			omitted = true
		}
	}
	return parts, results, degraded, omitted
}

// userMessageFromParts always emits the array-of-parts user message shape,
// which Chat Completions accepts even for text-only content.
func userMessageFromParts(parts []oai.ChatCompletionContentPartUnionParam) oai.ChatCompletionMessageParamUnion {
	return oai.ChatCompletionMessageParamUnion{
		OfUser: &oai.ChatCompletionUserMessageParam{
			Content: oai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}
}

// encodeOpenAIImage builds a Chat Completions image_url content part,
// inlining base64 data as a data: URL since the image_url field accepts
// either form.
func encodeOpenAIImage(base64Data, url, mime string) (oai.ChatCompletionContentPartUnionParam, bool) {
	switch {
	case url != "":
		return oai.ChatCompletionContentPartUnionParam{
			OfImageURL: &oai.ChatCompletionContentPartImageParam{
				ImageURL: oai.ChatCompletionContentPartImageImageURLParam{URL: url, Detail: "high"},
			},
		}, true
	case base64Data != "":
		return oai.ChatCompletionContentPartUnionParam{
			OfImageURL: &oai.ChatCompletionContentPartImageParam{
				ImageURL: oai.ChatCompletionContentPartImageImageURLParam{
					URL:    "data:" + mime + ";base64," + base64Data,
					Detail: "high",
				},
			},
		}, true
	default:
		return oai.ChatCompletionContentPartUnionParam{}, false
	}
}

func assistantMessage(m *message.Message, reasoningTransport message.Transport) (oai.ChatCompletionMessageParamUnion, error) {
	var text strings.Builder
	var calls []oai.ChatCompletionMessageToolCallUnionParam
	for _, b := range message.GetBlocks(m) {
		switch v := b.(type) {
		case message.TextBlock:
			text.WriteString(v.Text)
		case message.ReasoningBlock:
			if reasoningTransport != message.TransportOmit && v.Reasoning != "" {
				text.WriteString("<think>" + v.Reasoning + "</think>")
			}
		case message.ToolUseBlock:
			input, err := json.Marshal(v.Input)
			if err != nil {
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: marshal tool_use input: %w", err)
			}
			calls = append(calls, oai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &oai.ChatCompletionMessageFunctionToolCallParam{
					ID: v.ID,
					Function: oai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      v.Name,
						Arguments: string(input),
					},
				},
			})
		}
	}
	msg := oai.AssistantMessage(text.String())
	if len(calls) > 0 && msg.OfAssistant != nil {
		msg.OfAssistant.ToolCalls = calls
	}
	return msg, nil
}

func stringifyContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			return string(data)
		}
		return ""
	}
}

func encodeTools(defs []provider.ToolDefinition) ([]oai.ChatCompletionToolUnionParam, error) {
	out := make([]oai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := provider.StripUnsupportedKeywords(def.InputSchema)
		out = append(out, oai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: oai.String(def.Description),
			Parameters:  shared.FunctionParameters(schema),
		}))
	}
	return out, nil
}

func encodeToolChoice(choice *provider.ToolChoice) oai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice.Mode {
	case provider.ToolChoiceNone:
		return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String("none")}
	case provider.ToolChoiceAny:
		return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String("required")}
	case provider.ToolChoiceTool:
		return oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}
	default:
		return oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: oai.String("auto")}
	}
}

func translateResponse(resp *oai.ChatCompletion) *provider.Response {
	var blocks []message.Block
	var stopReason string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		stopReason = string(choice.FinishReason)
		if choice.Message.Content != "" {
			blocks = append(blocks, message.TextBlock{Text: choice.Message.Content})
		}
		for _, call := range choice.Message.ToolCalls {
			blocks = append(blocks, message.ToolUseBlock{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: decodeArguments(call.Function.Arguments),
			})
		}
	}
	return &provider.Response{
		Message: &message.Message{Role: message.RoleAssistant, Content: blocks},
		Usage: provider.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: stopReason,
	}
}

func decodeArguments(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{"raw": raw}
	}
	return v
}

// liveChatClient adapts *oai.ChatCompletionService onto ChatClient.
type liveChatClient struct {
	svc *oai.ChatCompletionService
}

func (l *liveChatClient) New(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error) {
	return l.svc.New(ctx, params, opts...)
}

func (l *liveChatClient) NewStreaming(ctx context.Context, params oai.ChatCompletionNewParams, opts ...option.RequestOption) *ChatStream {
	return l.svc.NewStreaming(ctx, params, opts...)
}

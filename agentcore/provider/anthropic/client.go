// Package anthropic adapts the canonical provider.Client contract onto the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
// It translates canonical message.Message content into Anthropic request
// blocks and normalizes Anthropic's streaming events into the five-variant
// provider.StreamChunk protocol.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a mock for *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel   string
	MaxTokens      int
	Temperature    float64
	ThinkingBudget int64
}

// Client implements provider.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
	think        int64
}

// New builds an Anthropic-backed provider.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs a Client wired to the default Anthropic HTTP
// client, authenticating with apiKey. An empty apiKey is an error; the key
// is not read from the environment.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

func (c *Client) ToConfig() provider.ModelConfig {
	return provider.ModelConfig{Provider: "anthropic", Model: c.defaultModel}
}

// UploadFile is unsupported: Anthropic's Messages API accepts inline base64
// or URL content, not a separate file-upload step.
func (c *Client) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	return nil, nil
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, req.ReasoningTransport)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		system = append([]sdk.TextBlockParam{{Text: req.System}}, system...)
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = int(c.think)
		}
		if budget <= 0 {
			return nil, errors.New("anthropic: thinking budget is required when thinking is enabled")
		}
		if int64(budget) >= int64(maxTokens) {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(msgs []*message.Message, reasoningTransport message.Transport) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == message.RoleSystem {
			for _, b := range message.GetBlocks(m) {
				if tb, ok := b.(message.TextBlock); ok && tb.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: tb.Text})
				}
			}
			continue
		}

		original := message.GetBlocks(m)
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(original))
		degraded := false
		omitted := false
		for _, b := range original {
			switch v := b.(type) {
			case message.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case message.ReasoningBlock:
				switch reasoningTransport {
				case message.TransportOmit:
					// Dropped entirely; the message is marked omitted below.
					omitted = true
				case message.TransportText:
					degraded = true
					if v.Reasoning != "" {
						blocks = append(blocks, sdk.NewTextBlock(v.Reasoning))
					}
				default:
					if sig, ok := v.Meta["signature"].(string); ok && sig != "" {
						blocks = append(blocks, sdk.NewThinkingBlock(sig, v.Reasoning))
					} else if v.Reasoning != "" {
						blocks = append(blocks, sdk.NewTextBlock(v.Reasoning))
					}
				}
			case message.ImageBlock:
				if blk, ok := encodeAnthropicImage(v.Base64, v.URL, v.MimeType); ok {
					blocks = append(blocks, blk)
				} else {
					degraded = true
				}
			case message.AudioBlock, message.VideoBlock:
				// Claude's Messages API has no audio/video content block.
				omitted = true
			case message.FileBlock:
				// Claude's Messages API accepts documents only through the
				// separate Files beta, not inline in ContentBlockParamUnion
				// here; drop rather than fabricate an unsupported shape.
				omitted = true
			case message.ToolUseBlock:
				if v.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use block missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case message.ToolResultBlock:
				blocks = append(blocks, encodeToolResult(v))
			}
		}
		if omitted {
			message.MarkOmitted(m, original)
		} else if degraded {
			message.MarkDegraded(m, original)
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case message.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case message.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeAnthropicImage builds a Claude image content block from whichever
// of base64Data or url is populated, preferring a URL source so large
// payloads skip a redundant inline encode when the caller already has one.
func encodeAnthropicImage(base64Data, url, mime string) (sdk.ContentBlockParamUnion, bool) {
	switch {
	case url != "":
		return sdk.NewImageBlock(sdk.URLImageSourceParam{URL: url, Type: "url"}), true
	case base64Data != "":
		return sdk.NewImageBlockBase64(mime, base64Data), true
	default:
		return sdk.ContentBlockParamUnion{}, false
	}
}

func encodeToolResult(v message.ToolResultBlock) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []provider.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := provider.StripUnsupportedKeywords(def.InputSchema)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice *provider.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", provider.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case provider.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case provider.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case provider.ToolChoiceTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice mode \"tool\" requires a name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(msg *sdk.Message) (*provider.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var blocks []message.Block
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, message.TextBlock{Text: block.Text})
			}
		case "thinking":
			blocks = append(blocks, message.ReasoningBlock{
				Reasoning: block.Thinking,
				Meta:      message.BlockMeta{"signature": block.Signature},
			})
		case "tool_use":
			blocks = append(blocks, message.ToolUseBlock{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	out := &provider.Response{
		Message:    &message.Message{Role: message.RoleAssistant, Content: blocks},
		StopReason: string(msg.StopReason),
	}
	u := msg.Usage
	out.Usage = provider.TokenUsage{InputTokens: int(u.InputTokens), OutputTokens: int(u.OutputTokens)}
	return out, nil
}

// Package bedrock adapts the canonical provider.Client contract onto the AWS
// Bedrock Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// RuntimeClient mirrors the subset of the Bedrock runtime client the adapter
// needs, matching *bedrockruntime.Client so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements provider.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime RuntimeClient
	model   string
	maxTok  int
	temp    float32
}

// New builds a Bedrock-backed provider.Client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, model: opts.DefaultModel, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

func (c *Client) ToConfig() provider.ModelConfig {
	return provider.ModelConfig{Provider: "bedrock", Model: c.model}
}

// UploadFile is unsupported: Converse accepts inline document/bytes content,
// not a separate file-upload step.
func (c *Client) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	return nil, nil
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, c.buildConverseInput(parts))
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateResponse(out)
}

func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, c.buildConverseStreamInput(parts))
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}
	return newStreamer(ctx, out), nil
}

type requestParts struct {
	modelID    string
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
	maxTokens  int
	temp       float32
}

func (c *Client) prepareRequest(req *provider.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, system, err := encodeMessages(req.Messages, req.ReasoningTransport)
	if err != nil {
		return nil, err
	}
	if req.System != "" {
		system = append([]brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}, system...)
	}
	toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	return &requestParts{modelID: modelID, messages: msgs, system: system, toolConfig: toolConfig, maxTokens: maxTokens, temp: temp}, nil
}

func (c *Client) buildConverseInput(parts *requestParts) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId:    aws.String(parts.modelID),
		Messages:   parts.messages,
		ToolConfig: parts.toolConfig,
	}
	if len(parts.system) > 0 {
		in.System = parts.system
	}
	if parts.maxTokens > 0 || parts.temp > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if parts.maxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(parts.maxTokens))
		}
		if parts.temp > 0 {
			cfg.Temperature = aws.Float32(parts.temp)
		}
		in.InferenceConfig = cfg
	}
	return in
}

func (c *Client) buildConverseStreamInput(parts *requestParts) *bedrockruntime.ConverseStreamInput {
	base := c.buildConverseInput(parts)
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         base.ModelId,
		Messages:        base.Messages,
		System:          base.System,
		ToolConfig:      base.ToolConfig,
		InferenceConfig: base.InferenceConfig,
	}
}

func encodeMessages(msgs []*message.Message, reasoningTransport message.Transport) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == message.RoleSystem {
			for _, b := range message.GetBlocks(m) {
				if tb, ok := b.(message.TextBlock); ok && tb.Text != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: tb.Text})
				}
			}
			continue
		}

		original := message.GetBlocks(m)
		blocks := make([]brtypes.ContentBlock, 0, len(original))
		degraded := false
		omitted := false
		for _, b := range original {
			switch v := b.(type) {
			case message.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case message.ReasoningBlock:
				switch reasoningTransport {
				case message.TransportOmit:
					// Dropped entirely; the message is marked omitted below.
					omitted = true
				case message.TransportText:
					if v.Reasoning != "" {
						blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Reasoning})
					}
				default:
					sig, _ := v.Meta["signature"].(string)
					if sig != "" && v.Reasoning != "" {
						blocks = append(blocks, &brtypes.ContentBlockMemberReasoningContent{
							Value: &brtypes.ReasoningContentBlockMemberReasoningText{
								Value: brtypes.ReasoningTextBlock{Text: aws.String(v.Reasoning), Signature: aws.String(sig)},
							},
						})
					} else if v.Reasoning != "" {
						blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Reasoning})
					}
				}
			case message.ImageBlock:
				if blk, ok := encodeBedrockImage(v.Base64, v.MimeType); ok {
					blocks = append(blocks, blk)
				} else {
					// Converse's ImageSource only accepts inline bytes, not a
					// bare URL; a URL-only block can't be forwarded.
					degraded = true
				}
			case message.FileBlock:
				if blk, ok := encodeBedrockDocument(v.Filename, v.Base64, v.MimeType); ok {
					blocks = append(blocks, blk)
				} else {
					degraded = true
				}
			case message.AudioBlock, message.VideoBlock:
				// Converse has no audio/video content block.
				omitted = true
			case message.ToolUseBlock:
				tb := brtypes.ToolUseBlock{Input: toDocument(v.Input)}
				if v.Name != "" {
					tb.Name = aws.String(v.Name)
				}
				if v.ID != "" {
					tb.ToolUseId = aws.String(v.ID)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case message.ToolResultBlock:
				tr := brtypes.ToolResultBlock{}
				if v.ToolUseID != "" {
					tr.ToolUseId = aws.String(v.ToolUseID)
				}
				if s, ok := v.Content.(string); ok {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: s}}
				} else {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(v.Content)}}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
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
		role := brtypes.ConversationRoleAssistant
		if m.Role == message.RoleUser {
			role = brtypes.ConversationRoleUser
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

// encodeBedrockImage builds a Converse image content block from inline
// base64 bytes; Converse's ImageSource accepts only raw bytes, never a URL.
func encodeBedrockImage(base64Data, mime string) (brtypes.ContentBlock, bool) {
	if base64Data == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, false
	}
	return &brtypes.ContentBlockMemberImage{
		Value: brtypes.ImageBlock{
			Format: bedrockImageFormat(mime),
			Source: &brtypes.ImageSourceMemberBytes{Value: raw},
		},
	}, true
}

func bedrockImageFormat(mime string) brtypes.ImageFormat {
	switch strings.ToLower(strings.TrimPrefix(mime, "image/")) {
	case "jpeg", "jpg":
		return brtypes.ImageFormatJpeg
	case "gif":
		return brtypes.ImageFormatGif
	case "webp":
		return brtypes.ImageFormatWebp
	default:
		return brtypes.ImageFormatPng
	}
}

// encodeBedrockDocument builds a Converse document content block from
// inline base64 bytes, same bytes-only constraint as images.
func encodeBedrockDocument(name, base64Data, mime string) (brtypes.ContentBlock, bool) {
	if base64Data == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, false
	}
	if name == "" {
		name = "document"
	}
	return &brtypes.ContentBlockMemberDocument{
		Value: brtypes.DocumentBlock{
			Name:   aws.String(name),
			Format: bedrockDocumentFormat(mime),
			Source: &brtypes.DocumentSourceMemberBytes{Value: raw},
		},
	}, true
}

func bedrockDocumentFormat(mime string) brtypes.DocumentFormat {
	switch strings.ToLower(mime) {
	case "application/pdf":
		return brtypes.DocumentFormatPdf
	case "text/csv":
		return brtypes.DocumentFormatCsv
	case "text/html":
		return brtypes.DocumentFormatHtml
	case "text/markdown":
		return brtypes.DocumentFormatMd
	case "application/msword":
		return brtypes.DocumentFormatDoc
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return brtypes.DocumentFormatDocx
	case "application/vnd.ms-excel":
		return brtypes.DocumentFormatXls
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return brtypes.DocumentFormatXlsx
	default:
		return brtypes.DocumentFormatTxt
	}
}

func encodeTools(defs []provider.ToolDefinition, choice *provider.ToolChoice) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := provider.StripUnsupportedKeywords(def.InputSchema)
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(schema)},
			},
		})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	cfg := &brtypes.ToolConfiguration{Tools: tools}
	if choice != nil {
		switch choice.Mode {
		case provider.ToolChoiceAny:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		case provider.ToolChoiceTool:
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)}}
		case provider.ToolChoiceAuto, "":
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAuto{Value: brtypes.AutoToolChoice{}}
		}
	}
	return cfg, nil
}

func toDocument(v any) document.Interface {
	return document.NewLazyDocument(v)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*provider.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	var blocks []message.Block
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					blocks = append(blocks, message.TextBlock{Text: v.Value})
				}
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				blocks = append(blocks, message.ToolUseBlock{ID: id, Name: name, Input: decodeDocument(v.Value.Input)})
			}
		}
	}
	out := &provider.Response{
		Message:    &message.Message{Role: message.RoleAssistant, Content: blocks},
		StopReason: string(output.StopReason),
	}
	if usage := output.Usage; usage != nil {
		out.Usage = provider.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	return out, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// Package provider defines the provider-agnostic model-client contract: the
// Request/Response shapes, the five-variant StreamChunk protocol every
// adapter normalizes into, and the tool-definition/tool-choice types shared
// across vendors.
package provider

import (
	"context"

	"github.com/agentforge/agentcore/message"
)

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoiceMode selects how a Request constrains tool use.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice configures optional tool-use behavior for a Request. Nil means
// the provider's default (typically auto).
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ThinkingOptions configures provider reasoning behavior.
type ThinkingOptions struct {
	Enable       bool
	BudgetTokens int
}

// TokenUsage tracks token counts for a model call, reported exactly once
// per spec.md §4.B contract 6 (via message_delta.Usage in the stream, or
// directly on Response for non-streaming calls).
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Request captures the inputs to a single model invocation.
type Request struct {
	Messages []*message.Message
	System   string
	Tools    []ToolDefinition

	ToolChoice  *ToolChoice
	MaxTokens   int
	Temperature float32
	Model       string

	// ReasoningTransport selects how reasoning content crosses the wire for
	// this request, per spec.md §4.B contract 3. Reuses message.Transport's
	// {provider, text, omit} vocabulary rather than introducing a parallel
	// enum.
	ReasoningTransport message.Transport
	Thinking           *ThinkingOptions
}

// Response is the result of a non-streaming invocation.
type Response struct {
	Message    *message.Message
	Usage      TokenUsage
	StopReason string
}

// ChunkType discriminates the five StreamChunk variants spec.md §4.B names
// as the only chunk protocol the step loop consumes.
type ChunkType string

const (
	ChunkContentBlockStart ChunkType = "content_block_start"
	ChunkContentBlockDelta ChunkType = "content_block_delta"
	ChunkContentBlockStop  ChunkType = "content_block_stop"
	ChunkMessageDelta      ChunkType = "message_delta"
	ChunkMessageStop       ChunkType = "message_stop"
)

// DeltaKind discriminates the three content_block_delta payload shapes.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text_delta"
	DeltaReasoning DeltaKind = "reasoning_delta"
	DeltaInputJSON DeltaKind = "input_json_delta"
)

// Delta is the payload of a content_block_delta chunk. Exactly one field is
// meaningful, selected by Kind.
type Delta struct {
	Kind DeltaKind
	// Text carries incremental text for Kind in {text_delta, reasoning_delta}.
	Text string
	// PartialJSON carries an incremental fragment of a tool_use input's JSON
	// serialization for Kind == input_json_delta. Adapters MUST buffer
	// fragments and emit the complete JSON string in the final delta before
	// the matching content_block_stop (spec.md §4.B contract 2); the step
	// loop never parses a partial fragment.
	PartialJSON string
}

// StreamChunk is a single normalized streaming event. Only the fields
// relevant to Type are populated.
type StreamChunk struct {
	Type ChunkType

	// Index identifies the output block this chunk belongs to, for
	// content_block_start/delta/stop. Stable per response; start precedes
	// any delta/stop for the same index, and stop appears exactly once per
	// started index (spec.md §4.B contract 1).
	Index int
	// Block is the block being started, for content_block_start.
	Block message.Block
	// Delta is the incremental payload, for content_block_delta.
	Delta *Delta
	// Usage reports token usage, for message_delta. Reported exactly once
	// per response.
	Usage *TokenUsage
	// StopReason records why generation stopped, for message_stop.
	StopReason string
}

// Streamer yields the normalized chunk sequence for one Stream call. Next
// returns ok=false (with a nil error) once the sequence is exhausted after a
// message_stop chunk. A Streamer is restartable only by retrying the whole
// Stream call, never by resuming mid-sequence.
type Streamer interface {
	Next(ctx context.Context) (StreamChunk, bool, error)
	Close() error
}

// UploadInput is the payload handed to Client.UploadFile.
type UploadInput struct {
	Bytes    []byte
	MimeType string
	Filename string
}

// UploadResult is the provider-scoped reference returned by a successful
// upload: exactly one of FileID or FileURI is populated.
type UploadResult struct {
	FileID  string
	FileURI string
}

// ModelConfig surfaces a client's resolved configuration (model id,
// provider name) for diagnostics and telemetry tagging.
type ModelConfig struct {
	Provider string
	Model    string
}

// Client is the provider-agnostic model client every concrete adapter
// (anthropic, openai, bedrock) implements.
type Client interface {
	// Complete performs a non-streaming model invocation.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Stream performs a streaming model invocation.
	Stream(ctx context.Context, req *Request) (Streamer, error)
	// UploadFile uploads input to the provider's file storage, returning
	// nil when the provider has no upload concept (inline bytes only).
	UploadFile(ctx context.Context, input UploadInput) (*UploadResult, error)
	// ToConfig surfaces this client's resolved configuration.
	ToConfig() ModelConfig
}

package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes a Message while preserving the concrete Block type
// stored in Content via an explicit Kind discriminator, so that round-trips
// through JSON do not lose type information carried by the Block interface.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role     Role      `json:"role"`
		Content  []any     `json:"content,omitempty"`
		Metadata *Metadata `json:"metadata,omitempty"`
	}
	a := alias{Role: m.Role, Metadata: m.Metadata}
	if len(m.Content) > 0 {
		blocks := make([]any, 0, len(m.Content))
		for i, b := range m.Content {
			enc, err := encodeBlock(b)
			if err != nil {
				return nil, fmt.Errorf("encode content[%d]: %w", i, err)
			}
			blocks = append(blocks, enc)
		}
		a.Content = blocks
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes a Message, materializing concrete Block
// implementations from their Kind discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role     Role              `json:"role"`
		Content  []json.RawMessage `json:"content,omitempty"`
		Metadata *rawMetadata      `json:"metadata,omitempty"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	if len(tmp.Content) > 0 {
		m.Content = make([]Block, 0, len(tmp.Content))
		for i, raw := range tmp.Content {
			b, err := decodeBlock(raw)
			if err != nil {
				return fmt.Errorf("decode content[%d]: %w", i, err)
			}
			m.Content = append(m.Content, b)
		}
	}
	if tmp.Metadata != nil {
		md, err := tmp.Metadata.toMetadata()
		if err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		m.Metadata = md
	}
	return nil
}

// rawMetadata mirrors Metadata but keeps ContentBlocks as raw JSON so it can
// be decoded with the same Kind-discriminated logic as Message.Content.
type rawMetadata struct {
	ContentBlocks []json.RawMessage `json:"content_blocks,omitempty"`
	Transport     Transport         `json:"transport,omitempty"`
}

func (r *rawMetadata) toMetadata() (*Metadata, error) {
	md := &Metadata{Transport: r.Transport}
	if len(r.ContentBlocks) > 0 {
		md.ContentBlocks = make([]Block, 0, len(r.ContentBlocks))
		for i, raw := range r.ContentBlocks {
			b, err := decodeBlock(raw)
			if err != nil {
				return nil, fmt.Errorf("content_blocks[%d]: %w", i, err)
			}
			md.ContentBlocks = append(md.ContentBlocks, b)
		}
	}
	return md, nil
}

// MarshalJSON encodes Metadata, Kind-tagging ContentBlocks the same way
// Message.Content is encoded.
func (md Metadata) MarshalJSON() ([]byte, error) {
	type alias struct {
		ContentBlocks []any     `json:"content_blocks,omitempty"`
		Transport     Transport `json:"transport,omitempty"`
	}
	a := alias{Transport: md.Transport}
	if len(md.ContentBlocks) > 0 {
		blocks := make([]any, 0, len(md.ContentBlocks))
		for i, b := range md.ContentBlocks {
			enc, err := encodeBlock(b)
			if err != nil {
				return nil, fmt.Errorf("encode content_blocks[%d]: %w", i, err)
			}
			blocks = append(blocks, enc)
		}
		a.ContentBlocks = blocks
	}
	return json.Marshal(a)
}

func encodeBlock(b Block) (any, error) {
	switch v := b.(type) {
	case TextBlock:
		return struct {
			Kind string `json:"kind"`
			TextBlock
		}{"text", v}, nil
	case ReasoningBlock:
		return struct {
			Kind string `json:"kind"`
			ReasoningBlock
		}{"reasoning", v}, nil
	case ImageBlock:
		return struct {
			Kind string `json:"kind"`
			ImageBlock
		}{"image", v}, nil
	case AudioBlock:
		return struct {
			Kind string `json:"kind"`
			AudioBlock
		}{"audio", v}, nil
	case VideoBlock:
		return struct {
			Kind string `json:"kind"`
			VideoBlock
		}{"video", v}, nil
	case FileBlock:
		return struct {
			Kind string `json:"kind"`
			FileBlock
		}{"file", v}, nil
	case ToolUseBlock:
		return struct {
			Kind string `json:"kind"`
			ToolUseBlock
		}{"tool_use", v}, nil
	case ToolResultBlock:
		return struct {
			Kind string `json:"kind"`
			ToolResultBlock
		}{"tool_result", v}, nil
	default:
		return nil, fmt.Errorf("message: unknown block type %T", b)
	}
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var disc struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &disc); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	switch disc.Kind {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "reasoning":
		var b ReasoningBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "image":
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "audio":
		var b AudioBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "video":
		var b VideoBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "file":
		var b FileBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b.Name == "" {
			return nil, errors.New("tool_use block requires name")
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b.ToolUseID == "" {
			return nil, errors.New("tool_result block requires tool_use_id")
		}
		return b, nil
	default:
		return nil, fmt.Errorf("message: unknown block kind %q", disc.Kind)
	}
}

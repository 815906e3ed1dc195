// Package sfp implements the safe-fork-point analyzer: the rules that decide
// which message index a conversation may be truncated or resumed at without
// leaving a dangling tool_use/tool_result handshake, plus the per-provider
// history-rewrite strategies applied before a resumed conversation is sent
// back to a vendor.
package sfp

import (
	"fmt"

	"github.com/agentforge/agentcore/message"
)

// IsSafe reports whether messages[i] is a safe fork point: truncating the
// conversation to messages[0..=i] (inclusive) leaves no unmatched tool_use
// handshake and no assistant turn still awaiting tool results.
//
// A message is SAFE iff one of:
//   - its role is system, or
//   - its role is user and, when the preceding message is an assistant
//     message, every tool_use id declared there has a matching tool_result
//     id here, or
//   - its role is assistant and it declares no tool_use blocks.
func IsSafe(messages []*message.Message, i int) bool {
	if i < 0 || i >= len(messages) {
		return false
	}
	msg := messages[i]
	if msg == nil {
		return false
	}
	switch msg.Role {
	case message.RoleSystem:
		return true
	case message.RoleUser:
		if i == 0 {
			return true
		}
		prev := messages[i-1]
		if prev == nil || prev.Role != message.RoleAssistant {
			return true
		}
		for _, id := range message.ToolUseIDs(prev) {
			results := message.ToolResultIDs(msg)
			if _, ok := results[id]; !ok {
				return false
			}
		}
		return true
	case message.RoleAssistant:
		return !message.HasToolUse(msg)
	default:
		return false
	}
}

// LastSafeForkPoint returns the highest index i such that IsSafe(messages, i),
// or -1 if no such index exists.
func LastSafeForkPoint(messages []*message.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if IsSafe(messages, i) {
			return i
		}
	}
	return -1
}

// Fork returns messages[0..=i] inclusive. It requires IsSafe(messages, i);
// forking at an unsafe index would leave a dangling tool_use handshake in
// the returned slice.
func Fork(messages []*message.Message, i int) ([]*message.Message, error) {
	if !IsSafe(messages, i) {
		return nil, fmt.Errorf("sfp: index %d is not a safe fork point", i)
	}
	out := make([]*message.Message, i+1)
	copy(out, messages[:i+1])
	return out, nil
}

// ValidationResult surfaces the outcome of validating a message history
// against SFP rules: pending tool calls that never received a result, and
// reasoning blocks missing the signature their provider requires to be
// resent.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate walks messages end to end and reports dangling tool_use ids
// (never matched by a following tool_result) as errors, and reasoning blocks
// without a "signature"/"thought_signature" Meta key as warnings.
func Validate(messages []*message.Message) ValidationResult {
	res := ValidationResult{Valid: true}
	pending := make(map[string]int) // tool_use id -> declaring message index
	for i, msg := range messages {
		if msg == nil {
			continue
		}
		blocks := message.GetBlocks(msg)
		for _, b := range blocks {
			switch v := b.(type) {
			case message.ToolUseBlock:
				if v.ID != "" {
					pending[v.ID] = i
				}
			case message.ToolResultBlock:
				delete(pending, v.ToolUseID)
			case message.ReasoningBlock:
				if !hasSignature(v.Meta) {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"message[%d]: reasoning block missing signature", i))
				}
			}
		}
	}
	for id, idx := range pending {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(
			"message[%d]: tool_use %q has no matching tool_result", idx, id))
	}
	return res
}

func hasSignature(meta message.BlockMeta) bool {
	if meta == nil {
		return false
	}
	if v, ok := meta["signature"]; ok && v != nil && v != "" {
		return true
	}
	if v, ok := meta["thought_signature"]; ok && v != nil && v != "" {
		return true
	}
	return false
}

// Provider identifies a vendor's resume-rewrite strategy.
type Provider string

const (
	ProviderAnthropic      Provider = "anthropic"
	ProviderDeepSeek       Provider = "deepseek"
	ProviderQwen           Provider = "qwen"
	ProviderOpenAIChat     Provider = "openai-chat"
	ProviderOpenAIResponse Provider = "openai-responses"
	ProviderGemini         Provider = "gemini"
	ProviderDefault        Provider = "default"
)

// ResumePreparer returns a rewritten copy of a message history before it is
// resent to a specific vendor, applying that vendor's reasoning-block
// retention rule; the input slice and its messages are not modified.
type ResumePreparer interface {
	Prepare(messages []*message.Message) []*message.Message
}

type resumePreparerFunc func(messages []*message.Message) []*message.Message

func (f resumePreparerFunc) Prepare(messages []*message.Message) []*message.Message {
	return f(messages)
}

// Preparers is the per-provider table of ResumePreparer strategies named in
// spec.md's resume-preparer rule table.
var Preparers = map[Provider]ResumePreparer{
	ProviderAnthropic:      resumePreparerFunc(prepareAnthropic),
	ProviderDeepSeek:       resumePreparerFunc(prepareDeepSeek),
	ProviderQwen:           resumePreparerFunc(prepareQwen),
	ProviderOpenAIChat:     resumePreparerFunc(prepareOpenAIChat),
	ProviderOpenAIResponse: resumePreparerFunc(prepareOpenAIResponses),
	ProviderGemini:         resumePreparerFunc(prepareGemini),
	ProviderDefault:        resumePreparerFunc(prepareDefault),
}

// PreparerFor returns the ResumePreparer registered for provider, falling
// back to the default (drop-all-reasoning) strategy when provider is
// unrecognized.
func PreparerFor(provider Provider) ResumePreparer {
	if p, ok := Preparers[provider]; ok {
		return p
	}
	return Preparers[ProviderDefault]
}

// prepareAnthropic keeps reasoning blocks carrying a signature and drops
// those without one; Anthropic rejects unsigned reasoning on resend.
func prepareAnthropic(messages []*message.Message) []*message.Message {
	return rewriteReasoning(messages, func(b message.ReasoningBlock) (message.Block, bool) {
		if hasSignature(b.Meta) {
			return b, true
		}
		return nil, false
	})
}

// prepareDeepSeek strips all reasoning from every prior assistant message;
// the vendor rejects resent reasoning outright.
func prepareDeepSeek(messages []*message.Message) []*message.Message {
	return dropAllReasoning(messages)
}

// prepareQwen strips reasoning as a soft requirement (not strictly
// rejected, but unsupported on resend).
func prepareQwen(messages []*message.Message) []*message.Message {
	return dropAllReasoning(messages)
}

// prepareOpenAIChat converts reasoning blocks to <think>-wrapped text,
// since the Chat Completions API has no native reasoning-block slot.
func prepareOpenAIChat(messages []*message.Message) []*message.Message {
	return rewriteReasoning(messages, func(b message.ReasoningBlock) (message.Block, bool) {
		return message.TextBlock{Text: "<think>" + b.Reasoning + "</think>"}, true
	})
}

// prepareOpenAIResponses passes history through unchanged; conversation
// state is carried by the vendor via previous_response_id, not by resending
// reasoning in the message list.
func prepareOpenAIResponses(messages []*message.Message) []*message.Message {
	return messages
}

// prepareGemini keeps reasoning only when a thoughtSignature is present,
// else drops it.
func prepareGemini(messages []*message.Message) []*message.Message {
	return rewriteReasoning(messages, func(b message.ReasoningBlock) (message.Block, bool) {
		if meta := b.Meta; meta != nil {
			if v, ok := meta["thoughtSignature"]; ok && v != nil && v != "" {
				return b, true
			}
		}
		return nil, false
	})
}

// prepareDefault drops reasoning for any provider without a dedicated rule.
func prepareDefault(messages []*message.Message) []*message.Message {
	return dropAllReasoning(messages)
}

func dropAllReasoning(messages []*message.Message) []*message.Message {
	return rewriteReasoning(messages, func(message.ReasoningBlock) (message.Block, bool) {
		return nil, false
	})
}

// rewriteReasoning returns a copy of messages with every ReasoningBlock run
// through keep, which may replace the block, drop it, or keep it unchanged.
// Messages containing no reasoning blocks are shared, not copied.
func rewriteReasoning(messages []*message.Message, keep func(message.ReasoningBlock) (message.Block, bool)) []*message.Message {
	out := make([]*message.Message, len(messages))
	for i, msg := range messages {
		if msg == nil || msg.Role != message.RoleAssistant {
			out[i] = msg
			continue
		}
		blocks := message.GetBlocks(msg)
		changed := false
		rewritten := make([]message.Block, 0, len(blocks))
		for _, b := range blocks {
			rb, ok := b.(message.ReasoningBlock)
			if !ok {
				rewritten = append(rewritten, b)
				continue
			}
			changed = true
			if nb, keepIt := keep(rb); keepIt {
				rewritten = append(rewritten, nb)
			}
		}
		if !changed {
			out[i] = msg
			continue
		}
		clone := message.Clone(msg)
		clone.Content = rewritten
		if clone.Metadata != nil {
			clone.Metadata.ContentBlocks = rewritten
		}
		out[i] = clone
	}
	return out
}

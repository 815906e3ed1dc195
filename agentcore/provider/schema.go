package provider

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateToolInput checks a decoded tool_use input against the tool's
// declared InputSchema, the same compile-then-validate idiom the registry
// service uses for payload validation.
func ValidateToolInput(schemaDoc map[string]any, input any) error {
	if len(schemaDoc) == 0 {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("provider: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("provider: compile schema: %w", err)
	}

	// jsonschema validates decoded JSON values (map[string]any, []any,
	// float64, ...); round-trip through encoding/json so callers can pass
	// typed structs too.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("provider: marshal input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("provider: unmarshal input: %w", err)
	}

	return schema.Validate(doc)
}

// unsupportedKeywords lists JSON Schema keywords that at least one provider
// in the adapter set rejects or ignores in tool input schemas: draft
// metadata and out-of-band definition blocks the vendor tool-schema dialects
// do not understand.
var unsupportedKeywords = []string{
	"additionalProperties", "$schema", "$defs", "definitions",
}

// StripUnsupportedKeywords returns a deep copy of schemaDoc with
// provider-unsupported keywords removed at every nesting level, so the same
// canonical schema can be handed to any adapter's tool definition without
// per-provider special-casing at the call site.
func StripUnsupportedKeywords(schemaDoc map[string]any) map[string]any {
	return stripNode(schemaDoc).(map[string]any)
}

func stripNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isUnsupportedKeyword(key) {
				continue
			}
			out[key] = stripNode(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = stripNode(val)
		}
		return out
	default:
		return v
	}
}

func isUnsupportedKeyword(key string) bool {
	for _, k := range unsupportedKeywords {
		if k == key {
			return true
		}
	}
	return false
}

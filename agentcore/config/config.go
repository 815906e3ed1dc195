// Package config collects the typed, per-component Options structs callers
// populate to construct an agent runtime. The core is a library, not a
// 12-factor service: there is no env/flag loader here, only the shapes a
// caller fills in, mirroring the teacher's per-adapter Options pattern
// (e.g. anthropic.Options) generalized across every component.
package config

import (
	"time"

	"github.com/agentforge/agentcore/retry"
)

// ProviderOptions configures a single provider adapter instance.
type ProviderOptions struct {
	// APIKey authenticates with the vendor. Empty means read from the
	// adapter's default environment variable (e.g. ANTHROPIC_API_KEY).
	APIKey string
	// BaseURL overrides the vendor's default API endpoint, for proxies
	// and testing.
	BaseURL string
	// DefaultModel is used when a request does not specify one.
	DefaultModel string
	// RequestTimeout bounds a single model call (including streaming).
	RequestTimeout time.Duration
	// RetryPolicy governs retries for transient provider failures.
	RetryPolicy retry.Policy
}

// UploadCacheOptions configures the file-upload cache (spec.md §4.B).
type UploadCacheOptions struct {
	// RedisAddr, when non-empty, selects the Redis-backed cache
	// implementation; otherwise the in-memory implementation is used.
	RedisAddr string
	RedisDB   int
	// TTL bounds how long an uploaded-file mapping is cached before the
	// adapter is asked to re-upload.
	TTL time.Duration
}

// ApprovalMode selects how ToolCallRecord approval is decided.
type ApprovalMode string

const (
	ApprovalAuto ApprovalMode = "auto"
	ApprovalAsk  ApprovalMode = "ask"
)

// ToolCallOptions configures the tool-call lifecycle for an agent.
type ToolCallOptions struct {
	// DefaultApproval is applied to a tool_use when no tool-specific
	// policy matches.
	DefaultApproval ApprovalMode
	// PerToolApproval overrides DefaultApproval by tool name.
	PerToolApproval map[string]ApprovalMode
	// ExecutionTimeout bounds a single tool call.
	ExecutionTimeout time.Duration
	// ApprovalTimeout bounds how long the step loop waits for a
	// permission_required response before treating it as denied. Zero
	// means wait indefinitely.
	ApprovalTimeout time.Duration
}

// StepLoopOptions configures the agent step loop.
type StepLoopOptions struct {
	// MaxConcurrentTools bounds how many tool_use blocks from a single
	// assistant turn execute concurrently. Zero means unbounded.
	MaxConcurrentTools int
	// StepTimeout bounds one full step (model call through persistence).
	// Zero means no overall step timeout.
	StepTimeout time.Duration
}

// AgentOptions aggregates every component's Options into the single value
// an embedder passes when constructing an agent.
type AgentOptions struct {
	Provider  ProviderOptions
	Upload    UploadCacheOptions
	ToolCalls ToolCallOptions
	StepLoop  StepLoopOptions
}

// Resolve applies defaults to every zero-valued field for which a default
// is meaningful (timeouts, retry policy, approval mode), returning a new
// AgentOptions value. Callers should always pass the options through
// Resolve before constructing a runtime.
func Resolve(opts AgentOptions) AgentOptions {
	if opts.Provider.RequestTimeout == 0 {
		opts.Provider.RequestTimeout = 2 * time.Minute
	}
	if (opts.Provider.RetryPolicy == retry.Policy{}) {
		opts.Provider.RetryPolicy = retry.DefaultPolicy()
	}
	if opts.Upload.TTL == 0 {
		opts.Upload.TTL = 24 * time.Hour
	}
	if opts.ToolCalls.DefaultApproval == "" {
		opts.ToolCalls.DefaultApproval = ApprovalAuto
	}
	if opts.ToolCalls.ExecutionTimeout == 0 {
		opts.ToolCalls.ExecutionTimeout = time.Minute
	}
	if opts.StepLoop.StepTimeout == 0 {
		opts.StepLoop.StepTimeout = 5 * time.Minute
	}
	return opts
}

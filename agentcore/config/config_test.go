package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentforge/agentcore/config"
)

func TestResolve_FillsDefaults(t *testing.T) {
	resolved := config.Resolve(config.AgentOptions{})

	assert.Equal(t, 2*time.Minute, resolved.Provider.RequestTimeout)
	assert.Equal(t, time.Second, resolved.Provider.RetryPolicy.Base)
	assert.Equal(t, 24*time.Hour, resolved.Upload.TTL)
	assert.Equal(t, config.ApprovalAuto, resolved.ToolCalls.DefaultApproval)
	assert.Equal(t, time.Minute, resolved.ToolCalls.ExecutionTimeout)
	assert.Equal(t, 5*time.Minute, resolved.StepLoop.StepTimeout)
}

func TestResolve_PreservesExplicitValues(t *testing.T) {
	opts := config.AgentOptions{
		Provider: config.ProviderOptions{RequestTimeout: 30 * time.Second},
		ToolCalls: config.ToolCallOptions{
			DefaultApproval: config.ApprovalAsk,
		},
	}
	resolved := config.Resolve(opts)
	assert.Equal(t, 30*time.Second, resolved.Provider.RequestTimeout)
	assert.Equal(t, config.ApprovalAsk, resolved.ToolCalls.DefaultApproval)
}

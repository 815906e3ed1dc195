// Command demo wires the agentcore step loop, an in-memory store, and a
// scripted provider client together to run a single agent turn end to end,
// including one auto-approved tool call.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentforge/agentcore/agentid"
	"github.com/agentforge/agentcore/config"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
	"github.com/agentforge/agentcore/steploop"
	"github.com/agentforge/agentcore/store"
)

// scriptedStreamer replays a fixed, pre-recorded chunk sequence so the demo
// runs without a live provider credential.
type scriptedStreamer struct {
	chunks []provider.StreamChunk
	i      int
}

func (s *scriptedStreamer) Next(ctx context.Context) (provider.StreamChunk, bool, error) {
	if s.i >= len(s.chunks) {
		return provider.StreamChunk{}, false, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, true, nil
}

func (s *scriptedStreamer) Close() error { return nil }

type scriptedClient struct {
	scripts [][]provider.StreamChunk
	call    int
}

func (c *scriptedClient) Complete(context.Context, *provider.Request) (*provider.Response, error) {
	return nil, fmt.Errorf("demo: Complete not wired, use Stream")
}

func (c *scriptedClient) Stream(context.Context, *provider.Request) (provider.Streamer, error) {
	s := &scriptedStreamer{chunks: c.scripts[c.call]}
	c.call++
	return s, nil
}

func (c *scriptedClient) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	return nil, nil
}

func (c *scriptedClient) ToConfig() provider.ModelConfig {
	return provider.ModelConfig{Provider: "demo", Model: "demo-script-1"}
}

func main() {
	ctx := context.Background()

	client := &scriptedClient{scripts: [][]provider.StreamChunk{
		{
			{Type: provider.ChunkContentBlockStart, Index: 0, Block: message.ToolUseBlock{ID: "call-1", Name: "get_weather"}},
			{Type: provider.ChunkContentBlockDelta, Index: 0, Delta: &provider.Delta{Kind: provider.DeltaInputJSON, PartialJSON: `{"city":"Boston"}`}},
			{Type: provider.ChunkContentBlockStop, Index: 0},
			{Type: provider.ChunkMessageStop, StopReason: "tool_use"},
		},
		{
			{Type: provider.ChunkContentBlockStart, Index: 0, Block: message.TextBlock{}},
			{Type: provider.ChunkContentBlockDelta, Index: 0, Delta: &provider.Delta{Kind: provider.DeltaText, Text: "It's sunny in Boston."}},
			{Type: provider.ChunkContentBlockStop, Index: 0},
			{Type: provider.ChunkMessageDelta, Usage: &provider.TokenUsage{InputTokens: 42, OutputTokens: 8}},
			{Type: provider.ChunkMessageStop, StopReason: "end_turn"},
		},
	}}

	st := store.NewInMemory()
	log := eventlog.New(nil)

	exec := func(_ context.Context, toolName string, input any) (any, error) {
		if toolName != "get_weather" {
			return nil, fmt.Errorf("demo: unknown tool %q", toolName)
		}
		return fmt.Sprintf("sunny, input=%v", input), nil
	}

	loop, err := steploop.New(steploop.Options{
		AgentID:  agentid.New(),
		Client:   client,
		Log:      log,
		Store:    st,
		Executor: exec,
		Config: config.AgentOptions{
			ToolCalls: config.ToolCallOptions{DefaultApproval: config.ApprovalAuto},
		},
	})
	if err != nil {
		panic(err)
	}

	if _, err := loop.Queue().Send(message.NewText(message.RoleUser, "What's the weather in Boston?"), "user", nil); err != nil {
		panic(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := loop.Run(runCtx); err != nil {
		panic(err)
	}

	for _, msg := range loop.Messages() {
		fmt.Printf("%s:\n", msg.Role)
		for _, b := range message.GetBlocks(msg) {
			switch v := b.(type) {
			case message.TextBlock:
				fmt.Printf("  text: %s\n", v.Text)
			case message.ToolUseBlock:
				fmt.Printf("  tool_use: %s(%v)\n", v.Name, v.Input)
			case message.ToolResultBlock:
				fmt.Printf("  tool_result[%s]: %v\n", v.ToolUseID, v.Content)
			}
		}
	}
	fmt.Println("steps completed:", loop.StepCount())
}

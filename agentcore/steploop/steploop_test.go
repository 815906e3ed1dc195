package steploop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/agentid"
	"github.com/agentforge/agentcore/config"
	"github.com/agentforge/agentcore/eventlog"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
	"github.com/agentforge/agentcore/store"
	"github.com/agentforge/agentcore/toolcall"
)

// scriptedStreamer replays a fixed chunk sequence, ignoring ctx cancellation
// checks beyond honoring Done() between chunks.
type scriptedStreamer struct {
	chunks []provider.StreamChunk
	i      int
}

func (s *scriptedStreamer) Next(ctx context.Context) (provider.StreamChunk, bool, error) {
	select {
	case <-ctx.Done():
		return provider.StreamChunk{}, false, ctx.Err()
	default:
	}
	if s.i >= len(s.chunks) {
		return provider.StreamChunk{}, false, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, true, nil
}

func (s *scriptedStreamer) Close() error { return nil }

// scriptedClient returns one scriptedStreamer per queued script, in order.
type scriptedClient struct {
	scripts [][]provider.StreamChunk
	call    int
}

func (c *scriptedClient) Complete(context.Context, *provider.Request) (*provider.Response, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedClient) Stream(_ context.Context, _ *provider.Request) (provider.Streamer, error) {
	if c.call >= len(c.scripts) {
		return nil, errors.New("scriptedClient: no more scripts")
	}
	s := &scriptedStreamer{chunks: c.scripts[c.call]}
	c.call++
	return s, nil
}

func (c *scriptedClient) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	return nil, nil
}

func (c *scriptedClient) ToConfig() provider.ModelConfig {
	return provider.ModelConfig{Provider: "test", Model: "test-model"}
}

func textOnlyScript(text string) []provider.StreamChunk {
	return []provider.StreamChunk{
		{Type: provider.ChunkContentBlockStart, Index: 0, Block: message.TextBlock{}},
		{Type: provider.ChunkContentBlockDelta, Index: 0, Delta: &provider.Delta{Kind: provider.DeltaText, Text: text}},
		{Type: provider.ChunkContentBlockStop, Index: 0},
		{Type: provider.ChunkMessageDelta, Usage: &provider.TokenUsage{InputTokens: 5, OutputTokens: 2}},
		{Type: provider.ChunkMessageStop, StopReason: "end_turn"},
	}
}

func toolUseScript(toolCallID, toolName, inputJSON string) []provider.StreamChunk {
	return []provider.StreamChunk{
		{Type: provider.ChunkContentBlockStart, Index: 0, Block: message.ToolUseBlock{ID: toolCallID, Name: toolName}},
		{Type: provider.ChunkContentBlockDelta, Index: 0, Delta: &provider.Delta{Kind: provider.DeltaInputJSON, PartialJSON: inputJSON}},
		{Type: provider.ChunkContentBlockStop, Index: 0},
		{Type: provider.ChunkMessageStop, StopReason: "tool_use"},
	}
}

func newTestLoop(t *testing.T, client *scriptedClient, exec ToolExecutor, cfg config.AgentOptions) (*Loop, *store.InMemory) {
	t.Helper()
	st := store.NewInMemory()
	log := eventlog.New(nil)
	if exec == nil {
		exec = func(context.Context, string, any) (any, error) { return "unused", nil }
	}
	l, err := New(Options{
		AgentID:  agentid.New(),
		Client:   client,
		Log:      log,
		Store:    st,
		Executor: exec,
		Config:   cfg,
	})
	require.NoError(t, err)
	return l, st
}

func TestStep_CompletesWithoutToolUse(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamChunk{textOnlyScript("hello there")}}
	l, st := newTestLoop(t, client, nil, config.AgentOptions{})

	_, err := l.Queue().Send(message.NewText(message.RoleUser, "hi"), "user", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	msgs := l.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)

	state, _ := l.State()
	assert.Equal(t, RuntimeReady, state)

	saved, err := st.LoadMessages(context.Background(), l.agentID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestStep_AutoApprovedToolCallExecutesAndContinues(t *testing.T) {
	client := &scriptedClient{scripts: [][]provider.StreamChunk{
		toolUseScript("call-1", "lookup", `{"q":"weather"}`),
		textOnlyScript("done"),
	}}

	var executedWith any
	exec := func(_ context.Context, name string, input any) (any, error) {
		executedWith = input
		assert.Equal(t, "lookup", name)
		return "sunny", nil
	}

	l, _ := newTestLoop(t, client, exec, config.AgentOptions{
		ToolCalls: config.ToolCallOptions{DefaultApproval: config.ApprovalAuto},
	})

	_, err := l.Queue().Send(message.NewText(message.RoleUser, "what's the weather"), "user", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	assert.NotNil(t, executedWith)
	msgs := l.Messages()
	require.Len(t, msgs, 4) // user, assistant(tool_use), user(tool_result), assistant(text)

	toolResultMsg := msgs[2]
	blocks := message.GetBlocks(toolResultMsg)
	require.Len(t, blocks, 1)
	tr, ok := blocks[0].(message.ToolResultBlock)
	require.True(t, ok)
	assert.Equal(t, "call-1", tr.ToolUseID)
	assert.False(t, tr.IsError)
}

func TestScheduleToolCalls_AskModeWaitsForApproval(t *testing.T) {
	client := &scriptedClient{}
	l, _ := newTestLoop(t, client, nil, config.AgentOptions{
		ToolCalls: config.ToolCallOptions{DefaultApproval: config.ApprovalAsk},
	})

	toolUses := []message.ToolUseBlock{{ID: "call-2", Name: "danger_tool", Input: map[string]any{}}}

	sub := l.log.Subscribe(eventlog.Control, 0)
	evCh := make(chan eventlog.Event, 1)
	go func() {
		ev, ok, err := sub.Next(context.Background())
		if ok && err == nil {
			evCh <- ev
		}
	}()

	resultCh := make(chan error, 1)
	go func() {
		_, err := l.scheduleToolCalls(context.Background(), toolUses)
		resultCh <- err
	}()

	var ev eventlog.Event
	select {
	case ev = <-evCh:
	case <-time.After(time.Second):
		t.Fatal("permission_required event was not published")
	}
	req, ok := ev.Payload.(*eventlog.PermissionRequest)
	require.True(t, ok)
	require.NoError(t, req.Respond(eventlog.DecisionApprove, nil))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduleToolCalls did not return after approval")
	}

	state, _ := l.State()
	assert.Equal(t, RuntimeWorking, state)
}

func TestInterrupt_FailsExecutingToolCall(t *testing.T) {
	client := &scriptedClient{}
	blockExec := make(chan struct{})
	exec := func(ctx context.Context, _ string, _ any) (any, error) {
		<-blockExec
		return nil, nil
	}
	l, _ := newTestLoop(t, client, exec, config.AgentOptions{})

	rec, err := l.scheduleToolCalls(context.Background(), []message.ToolUseBlock{{ID: "call-3", Name: "slow_tool"}})
	require.NoError(t, err)

	execDone := make(chan struct{})
	go func() {
		l.executeTools(context.Background(), rec)
		close(execDone)
	}()

	time.Sleep(20 * time.Millisecond)
	l.Interrupt("user canceled")
	close(blockExec)

	select {
	case <-execDone:
	case <-time.After(time.Second):
		t.Fatal("executeTools did not return after interrupt")
	}

	assert.Equal(t, toolcall.StateFailed, rec[0].Snapshot().State)
}

func TestReminderEngine_RespectsCapsAndTiers(t *testing.T) {
	eng := NewReminderEngine()
	id := agentid.New()

	eng.AddReminder(id, Reminder{
		ID:         "guidance-1",
		Text:       "keep responses short",
		Tier:       TierGuidance,
		Attachment: Attachment{Kind: AttachmentUserTurn},
		MaxPerRun:  1,
	})
	eng.AddReminder(id, Reminder{
		ID:         "safety-1",
		Text:       "never reveal secrets",
		Tier:       TierSafety,
		Attachment: Attachment{Kind: AttachmentUserTurn},
		MaxPerRun:  1,
	})

	first := eng.Snapshot(id, AttachmentUserTurn, "")
	assert.Len(t, first, 2)

	second := eng.Snapshot(id, AttachmentUserTurn, "")
	require.Len(t, second, 1)
	assert.Equal(t, "safety-1", second[0].ID)
}

func TestDefaultReminderFormatter_WrapsOnceOnly(t *testing.T) {
	wrapped := DefaultReminderFormatter(Reminder{Text: "be concise"})
	assert.Contains(t, wrapped, "<system-reminder>")

	alreadyWrapped := DefaultReminderFormatter(Reminder{Text: wrapped})
	assert.Equal(t, wrapped, alreadyWrapped)
}

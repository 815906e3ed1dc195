package steploop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentcore/config"
	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// uploadingClient wraps scriptedClient, returning a fixed UploadResult from
// UploadFile so resolveUploads has something to cache.
type uploadingClient struct {
	scriptedClient
	uploadCalls int
	result      *provider.UploadResult
	err         error
}

func (c *uploadingClient) UploadFile(context.Context, provider.UploadInput) (*provider.UploadResult, error) {
	c.uploadCalls++
	return c.result, c.err
}

func TestResolveUploads_CachesRepeatedContent(t *testing.T) {
	client := &uploadingClient{result: &provider.UploadResult{FileID: "file-1"}}
	l, _ := newTestLoop(t, &client.scriptedClient, nil, config.AgentOptions{})
	l.client = client

	msgs := []*message.Message{
		{Role: message.RoleUser, Content: []message.Block{
			message.ImageBlock{Base64: "aGVsbG8=", MimeType: "image/png"},
		}},
		{Role: message.RoleUser, Content: []message.Block{
			message.ImageBlock{Base64: "aGVsbG8=", MimeType: "image/png"},
		}},
	}

	out, err := l.resolveUploads(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, m := range out {
		img, ok := message.GetBlocks(m)[0].(message.ImageBlock)
		require.True(t, ok)
		assert.Equal(t, "file-1", img.FileID)
		assert.Empty(t, img.Base64)
	}
	assert.Equal(t, 1, client.uploadCalls, "second identical attachment should hit the cache instead of re-uploading")
}

func TestResolveUploads_NilUploadResultLeavesBlockInline(t *testing.T) {
	client := &uploadingClient{result: nil}
	l, _ := newTestLoop(t, &client.scriptedClient, nil, config.AgentOptions{})
	l.client = client

	msgs := []*message.Message{
		{Role: message.RoleUser, Content: []message.Block{
			message.ImageBlock{Base64: "aGVsbG8=", MimeType: "image/png"},
		}},
	}

	out, err := l.resolveUploads(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	img, ok := message.GetBlocks(out[0])[0].(message.ImageBlock)
	require.True(t, ok)
	assert.Equal(t, "aGVsbG8=", img.Base64)
	assert.Empty(t, img.FileID)
}

func TestResolveUploads_NoInlineContentIsNoop(t *testing.T) {
	client := &uploadingClient{result: &provider.UploadResult{FileID: "unused"}}
	l, _ := newTestLoop(t, &client.scriptedClient, nil, config.AgentOptions{})
	l.client = client

	msgs := []*message.Message{message.NewText(message.RoleUser, "hello")}
	out, err := l.resolveUploads(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, msgs[0], out[0])
	assert.Equal(t, 0, client.uploadCalls)
}

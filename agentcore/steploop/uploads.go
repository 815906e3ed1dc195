package steploop

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/agentforge/agentcore/message"
	"github.com/agentforge/agentcore/provider"
)

// defaultUploadTTL bounds how long a cached upload reference is trusted
// before the loop re-uploads the same bytes, so a provider-side file that
// silently expired doesn't get referenced forever.
const defaultUploadTTL = 24 * time.Hour

// resolveUploads rewrites msgs so that any inline attachment the client's
// UploadFile supports is replaced by its cached or freshly uploaded file
// reference, clearing the inline bytes: large attachments repeated across a
// long-running conversation cross the wire once instead of on every step.
// Providers with no upload concept return a nil UploadResult from
// UploadFile, in which case the block is left untouched and still travels
// inline. msgs itself is never mutated; changed messages are copied.
func (l *Loop) resolveUploads(ctx context.Context, msgs []*message.Message) ([]*message.Message, error) {
	scope := provider.UploadCacheScope{AgentID: l.agentID, Provider: l.client.ToConfig().Provider}

	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		if m == nil {
			continue
		}
		blocks := message.GetBlocks(m)
		newBlocks := make([]message.Block, len(blocks))
		changed := false
		for j, b := range blocks {
			nb, ok, err := l.resolveUploadBlock(ctx, scope, b)
			if err != nil {
				return nil, err
			}
			newBlocks[j] = nb
			changed = changed || ok
		}
		if !changed {
			out[i] = m
			continue
		}
		clone := *m
		clone.Content = newBlocks
		if m.Metadata != nil {
			md := *m.Metadata
			md.ContentBlocks = newBlocks
			clone.Metadata = &md
		}
		out[i] = &clone
	}
	return out, nil
}

func (l *Loop) resolveUploadBlock(ctx context.Context, scope provider.UploadCacheScope, b message.Block) (message.Block, bool, error) {
	switch v := b.(type) {
	case message.ImageBlock:
		res, ok, err := l.resolveUpload(ctx, scope, v.Base64, v.MimeType, "")
		if err != nil || !ok {
			return b, false, err
		}
		v.FileID, v.Base64 = res.FileID, ""
		return v, true, nil
	case message.AudioBlock:
		res, ok, err := l.resolveUpload(ctx, scope, v.Base64, v.MimeType, "")
		if err != nil || !ok {
			return b, false, err
		}
		v.FileID, v.Base64 = res.FileID, ""
		return v, true, nil
	case message.VideoBlock:
		res, ok, err := l.resolveUpload(ctx, scope, v.Base64, v.MimeType, "")
		if err != nil || !ok {
			return b, false, err
		}
		v.FileID, v.Base64 = res.FileID, ""
		return v, true, nil
	case message.FileBlock:
		res, ok, err := l.resolveUpload(ctx, scope, v.Base64, v.MimeType, v.Filename)
		if err != nil || !ok {
			return b, false, err
		}
		v.FileID, v.Base64 = res.FileID, ""
		return v, true, nil
	default:
		return b, false, nil
	}
}

// resolveUpload uploads base64Data through the client when not already
// cached for scope, reporting ok=false when there is nothing to do: no
// inline bytes present, or the client has no upload concept at all.
func (l *Loop) resolveUpload(ctx context.Context, scope provider.UploadCacheScope, base64Data, mime, filename string) (*provider.UploadResult, bool, error) {
	if base64Data == "" {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		// Malformed inline data; leave it for the adapter to reject or degrade.
		return nil, false, nil
	}
	digest := provider.ContentDigest(raw)

	if cached, hit, err := l.uploads.Get(ctx, scope, digest); err != nil {
		return nil, false, fmtErr("upload cache get", err)
	} else if hit {
		return cached, true, nil
	}

	result, err := l.client.UploadFile(ctx, provider.UploadInput{Bytes: raw, MimeType: mime, Filename: filename})
	if err != nil {
		return nil, false, fmtErr("upload file", err)
	}
	if result == nil {
		return nil, false, nil
	}
	if err := l.uploads.Put(ctx, scope, digest, *result, defaultUploadTTL); err != nil {
		return nil, false, fmtErr("upload cache put", err)
	}
	return result, true, nil
}

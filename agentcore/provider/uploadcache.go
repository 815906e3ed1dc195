package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentforge/agentcore/agentid"
)

// ContentDigest returns the SHA-256 hex digest used as an upload cache key,
// so identical bytes uploaded twice for the same scope reuse the provider's
// file reference instead of re-uploading.
func ContentDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// UploadCacheScope identifies the namespace an upload is cached under: a
// provider-side file reference is only valid for the agent and provider
// that created it.
type UploadCacheScope struct {
	AgentID  agentid.ID
	Provider string
}

func (s UploadCacheScope) key() string {
	return fmt.Sprintf("%s:%s", s.Provider, s.AgentID)
}

// UploadCache stores provider upload results keyed by content digest within
// a scope, so the step loop can skip re-uploading identical attachments.
type UploadCache interface {
	Get(ctx context.Context, scope UploadCacheScope, digest string) (*UploadResult, bool, error)
	Put(ctx context.Context, scope UploadCacheScope, digest string, result UploadResult, ttl time.Duration) error
	Invalidate(ctx context.Context, scope UploadCacheScope) error
}

// InMemoryUploadCache is a process-local UploadCache, used for tests and as
// the fallback when no Redis client is configured.
type InMemoryUploadCache struct {
	mu      sync.Mutex
	entries map[string]map[string]cachedUpload
}

type cachedUpload struct {
	result  UploadResult
	expires time.Time
}

// NewInMemoryUploadCache constructs an empty InMemoryUploadCache.
func NewInMemoryUploadCache() *InMemoryUploadCache {
	return &InMemoryUploadCache{entries: make(map[string]map[string]cachedUpload)}
}

func (c *InMemoryUploadCache) Get(_ context.Context, scope UploadCacheScope, digest string) (*UploadResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scoped, ok := c.entries[scope.key()]
	if !ok {
		return nil, false, nil
	}
	entry, ok := scoped[digest]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(scoped, digest)
		return nil, false, nil
	}
	result := entry.result
	return &result, true, nil
}

func (c *InMemoryUploadCache) Put(_ context.Context, scope UploadCacheScope, digest string, result UploadResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	scoped, ok := c.entries[scope.key()]
	if !ok {
		scoped = make(map[string]cachedUpload)
		c.entries[scope.key()] = scoped
	}
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	scoped[digest] = cachedUpload{result: result, expires: expires}
	return nil
}

func (c *InMemoryUploadCache) Invalidate(_ context.Context, scope UploadCacheScope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope.key())
	return nil
}

// RedisUploadCache is a Redis-backed UploadCache for multi-process
// deployments, storing each scope's digests under a hash keyed by scope.
type RedisUploadCache struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisUploadCache constructs a RedisUploadCache. keyPrefix namespaces
// keys within a shared Redis instance (e.g. "agentcore:uploads").
func NewRedisUploadCache(rdb *redis.Client, keyPrefix string) *RedisUploadCache {
	if keyPrefix == "" {
		keyPrefix = "agentcore:uploads"
	}
	return &RedisUploadCache{rdb: rdb, keyPrefix: keyPrefix}
}

func (c *RedisUploadCache) hashKey(scope UploadCacheScope) string {
	return fmt.Sprintf("%s:%s", c.keyPrefix, scope.key())
}

func (c *RedisUploadCache) Get(ctx context.Context, scope UploadCacheScope, digest string) (*UploadResult, bool, error) {
	raw, err := c.rdb.HGet(ctx, c.hashKey(scope), digest).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("provider: redis upload cache get: %w", err)
	}
	var result UploadResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("provider: decode cached upload: %w", err)
	}
	return &result, true, nil
}

func (c *RedisUploadCache) Put(ctx context.Context, scope UploadCacheScope, digest string, result UploadResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("provider: encode upload for cache: %w", err)
	}
	key := c.hashKey(scope)
	if err := c.rdb.HSet(ctx, key, digest, raw).Err(); err != nil {
		return fmt.Errorf("provider: redis upload cache set: %w", err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("provider: redis upload cache expire: %w", err)
		}
	}
	return nil
}

func (c *RedisUploadCache) Invalidate(ctx context.Context, scope UploadCacheScope) error {
	if err := c.rdb.Del(ctx, c.hashKey(scope)).Err(); err != nil {
		return fmt.Errorf("provider: redis upload cache invalidate: %w", err)
	}
	return nil
}

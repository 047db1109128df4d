package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ExtractionCache stores parsed extraction results in Redis keyed by raw
// payload hash, so a payload seen twice within the TTL skips the LLM.
// A nil client degrades to a no-op.
type ExtractionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// cacheKeyPrefix namespaces extraction entries.
const cacheKeyPrefix = "harvester:extract:"

// NewExtractionCache connects to Redis. addr may be empty to disable
// caching entirely.
func NewExtractionCache(addr string, ttl time.Duration) (*ExtractionCache, error) {
	if addr == "" {
		return &ExtractionCache{ttl: ttl}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &ExtractionCache{client: rdb, ttl: ttl}, nil
}

// NewExtractionCacheWithClient wraps an existing client; used by tests.
func NewExtractionCacheWithClient(client *redis.Client, ttl time.Duration) *ExtractionCache {
	return &ExtractionCache{client: client, ttl: ttl}
}

// Enabled reports whether a backing Redis is configured.
func (c *ExtractionCache) Enabled() bool { return c != nil && c.client != nil }

// Get returns the cached extraction for a payload hash, if any.
func (c *ExtractionCache) Get(ctx context.Context, payloadHash string) (map[string]interface{}, bool) {
	if !c.Enabled() {
		return nil, false
	}
	val, err := c.client.Get(ctx, cacheKeyPrefix+payloadHash).Result()
	if err != nil {
		return nil, false
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		return nil, false
	}
	return out, true
}

// Set stores an extraction result under the payload hash.
func (c *ExtractionCache) Set(ctx context.Context, payloadHash string, fields map[string]interface{}) error {
	if !c.Enabled() {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal cached extraction: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+payloadHash, b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

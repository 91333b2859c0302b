// Package redis implements the gateway's cache tier on a Redis backend. The
// tier is best-effort by contract: every operation degrades to a miss (or
// false) when the backend is unreachable, so a cache outage costs latency,
// never availability.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// scanBatch bounds both the SCAN page size and the DEL batch used by
// DeleteByPattern.
const scanBatch = 500

// Cache wraps a Redis client with the gateway's JSON conventions. A nil
// client is legal and behaves as an always-miss cache, which lets the
// process boot when Redis is down.
type Cache struct {
	client *goredis.Client
	logger zerolog.Logger
}

func NewCache(client *goredis.Client, logger zerolog.Logger) *Cache {
	return &Cache{client: client, logger: logger.With().Str("component", "cache").Logger()}
}

// GetJSON returns the decoded document at key, or (nil, false) on miss or
// backend failure.
func (c *Cache) GetJSON(ctx context.Context, key string) (map[string]any, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry not valid JSON, dropping")
		c.client.Del(ctx, key)
		return nil, false
	}
	return doc, true
}

// SetJSON stores doc at key with the given TTL. A cached_at stamp is written
// into the body so readers can observe cache-layer age independent of the
// TTL. The caller's document is not mutated.
func (c *Cache) SetJSON(ctx context.Context, key string, doc map[string]any, ttl time.Duration) bool {
	if c.client == nil || doc == nil {
		return false
	}
	raw, err := json.Marshal(stampCachedAt(doc))
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return false
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return false
	}
	return true
}

// MGetJSON returns one entry per key, nil where the key is missing, invalid,
// or the backend failed.
func (c *Cache) MGetJSON(ctx context.Context, keys []string) []map[string]any {
	out := make([]map[string]any, len(keys))
	if c.client == nil || len(keys) == 0 {
		return out
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache mget failed")
		return out
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(s), &doc); err == nil {
			out[i] = doc
		}
	}
	return out
}

// MSetJSON stores every entry with the same TTL. Redis MSET does not carry
// expiry, so entries are pipelined as individual SETs; the batch is not
// transactional, matching the tier contract.
func (c *Cache) MSetJSON(ctx context.Context, entries map[string]map[string]any, ttl time.Duration) bool {
	if c.client == nil || len(entries) == 0 {
		return false
	}
	pipe := c.client.Pipeline()
	for key, doc := range entries {
		raw, err := json.Marshal(stampCachedAt(doc))
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed, skipping entry")
			continue
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Int("entries", len(entries)).Msg("cache mset failed")
		return false
	}
	return true
}

// GetString reads a plain string value (task status, system flags).
func (c *Cache) GetString(ctx context.Context, key string) (string, bool) {
	if c.client == nil {
		return "", false
	}
	v, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return "", false
	}
	return v, true
}

// SetString writes a plain string value with TTL.
func (c *Cache) SetString(ctx context.Context, key, value string, ttl time.Duration) bool {
	if c.client == nil {
		return false
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return false
	}
	return true
}

// Delete removes the given keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) bool {
	if c.client == nil || len(keys) == 0 {
		return false
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
		return false
	}
	return true
}

// DeleteByPattern removes every key matching a glob pattern via cursor-based
// SCAN with batched DELs, and returns how many keys were removed. KEYS is
// never used; the scan stays incremental on large keyspaces.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) int {
	if c.client == nil {
		return 0
	}
	var (
		cursor  uint64
		deleted int
		batch   []string
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed")
			break
		}
		batch = append(batch, keys...)
		if len(batch) >= scanBatch {
			deleted += c.deleteBatch(ctx, batch)
			batch = batch[:0]
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		deleted += c.deleteBatch(ctx, batch)
	}
	return deleted
}

func (c *Cache) deleteBatch(ctx context.Context, keys []string) int {
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache batched delete failed")
		return 0
	}
	return int(n)
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache exists failed")
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of key. ok is false when the key is
// missing, has no expiry, or the backend failed.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if c.client == nil {
		return 0, false
	}
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// Ping probes the backend; this is the only operation that surfaces errors.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return goredis.ErrClosed
	}
	return c.client.Ping(ctx).Err()
}

// stampCachedAt shallow-copies doc and adds the cache-layer timestamp.
func stampCachedAt(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["cached_at"] = time.Now().Format(time.RFC3339)
	return out
}

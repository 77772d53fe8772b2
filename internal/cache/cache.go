// Package cache provides the external-query cache used by the research
// layer. Keys are deterministic hashes of provider + query + parameters;
// values are the serialized provider responses, stored in Redis with a TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis-backed query cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a cache with the given default TTL.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Key builds the deterministic cache key for a provider query. Params are
// folded in sorted order so equivalent calls hash identically.
func Key(provider, query string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(query))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return "cache:query:" + hex.EncodeToString(h.Sum(nil))
}

// Get loads a cached value into out. Returns false on miss.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}

// Set stores value under key with the cache's TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate removes all cached queries for a provider prefix. Used by the
// admin surface after corpus-affecting changes.
func (c *Cache) Invalidate(ctx context.Context, prefix string) (int64, error) {
	var removed int64
	iter := c.rdb.Scan(ctx, 0, "cache:query:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		n, err := c.rdb.Del(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("cache invalidate: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache scan: %w", err)
	}
	return removed, nil
}

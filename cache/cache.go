package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultExpectedItems     = 100000
	DefaultFalsePositiveRate = 0.01
	DefaultL1Size            = 10000
	DefaultL1TTL             = 30 * time.Second
	DefaultL2TTL             = 5 * time.Minute
	DefaultKeyPrefix         = "authz:perm:"

	// redisTimeout bounds every L2 round-trip so a slow cache cannot
	// stall a check.
	redisTimeout = 250 * time.Millisecond
)

type Config struct {
	ExpectedItems     int
	FalsePositiveRate float64
	L1Size            int
	L1TTL             time.Duration
	L2TTL             time.Duration
	KeyPrefix         string
}

func (c Config) withDefaults() Config {
	if c.ExpectedItems <= 0 {
		c.ExpectedItems = DefaultExpectedItems
	}
	if c.FalsePositiveRate <= 0 {
		c.FalsePositiveRate = DefaultFalsePositiveRate
	}
	if c.L1Size <= 0 {
		c.L1Size = DefaultL1Size
	}
	if c.L1TTL <= 0 {
		c.L1TTL = DefaultL1TTL
	}
	if c.L2TTL <= 0 {
		c.L2TTL = DefaultL2TTL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	return c
}

// PermissionCache fronts the check engine with three tiers consulted in
// order: Bloom filter, L1 LRU, L2 Redis. L2 failures are logged and
// degrade to a miss; they are never surfaced to the caller.
type PermissionCache struct {
	cfg   Config
	bloom *BloomFilter
	l1    *expirable.LRU[string, bool]
	l2    *redis.Client
	log   *slog.Logger
}

// New builds a cache. client may be nil to run without an L2 tier
// (tests, single-process deployments).
func New(cfg Config, client *redis.Client, log *slog.Logger) *PermissionCache {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &PermissionCache{
		cfg:   cfg,
		bloom: NewBloomFilter(cfg.ExpectedItems, cfg.FalsePositiveRate),
		l1:    expirable.NewLRU[string, bool](cfg.L1Size, nil, cfg.L1TTL),
		l2:    client,
		log:   log,
	}
}

// Key renders the canonical cache key "user|relation|object".
func Key(user, relation, object string) string {
	return user + "|" + relation + "|" + object
}

// Get returns a cached result and whether any tier held one. A Bloom miss
// proves no positive result was ever cached for the key, so L1/L2 lookups
// are skipped; the caller recomputes, which keeps the filter from ever
// producing a false "not allowed".
func (c *PermissionCache) Get(ctx context.Context, user, relation, object string) (allowed, ok bool) {
	key := Key(user, relation, object)

	if !c.bloom.MightContain(key) {
		if v, ok := c.l1.Get(key); ok && !v {
			// Negative results bypass the positive-only filter.
			return false, true
		}
		return false, false
	}

	if v, ok := c.l1.Get(key); ok {
		return v, true
	}

	if c.l2 == nil {
		return false, false
	}
	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	raw, err := c.l2.Get(rctx, c.cfg.KeyPrefix+key).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		c.log.Warn("permission cache L2 read failed, treating as miss",
			slog.String("key", key), slog.Any("error", err))
		return false, false
	}
	v := raw == "1"
	c.l1.Add(key, v)
	return v, true
}

// Set writes the result through all applicable tiers; only positive
// results enter the Bloom filter.
func (c *PermissionCache) Set(ctx context.Context, user, relation, object string, allowed bool) {
	key := Key(user, relation, object)
	if allowed {
		c.bloom.Add(key)
	}
	c.l1.Add(key, allowed)

	if c.l2 == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	value := "0"
	if allowed {
		value = "1"
	}
	if err := c.l2.Set(rctx, c.cfg.KeyPrefix+key, value, c.cfg.L2TTL).Err(); err != nil {
		c.log.Warn("permission cache L2 write failed",
			slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate drops the L1/L2 entries for one key. The Bloom filter keeps
// its bit set; the stale positive only routes the next lookup through the
// lower tiers where it misses and triggers a recompute.
func (c *PermissionCache) Invalidate(ctx context.Context, user, relation, object string) {
	key := Key(user, relation, object)
	c.l1.Remove(key)
	c.deleteL2(ctx, c.cfg.KeyPrefix+key)
}

// InvalidateUser drops every cached entry whose user segment matches.
func (c *PermissionCache) InvalidateUser(ctx context.Context, user string) {
	c.invalidatePattern(ctx, user+"|*", func(key string) bool {
		return len(key) > len(user) && key[:len(user)+1] == user+"|"
	})
}

// InvalidateObject drops every cached entry whose object segment matches.
func (c *PermissionCache) InvalidateObject(ctx context.Context, object string) {
	suffix := "|" + object
	c.invalidatePattern(ctx, "*|"+object, func(key string) bool {
		return len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix
	})
}

func (c *PermissionCache) invalidatePattern(ctx context.Context, l2Glob string, match func(string) bool) {
	for _, key := range c.l1.Keys() {
		if match(key) {
			c.l1.Remove(key)
		}
	}
	if c.l2 == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 4*redisTimeout)
	defer cancel()
	pattern := c.cfg.KeyPrefix + l2Glob
	iter := c.l2.Scan(rctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(rctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("permission cache L2 scan failed", slog.String("pattern", pattern), slog.Any("error", err))
		return
	}
	if len(keys) > 0 {
		c.deleteL2(ctx, keys...)
	}
}

// Clear resets every tier including the Bloom filter.
func (c *PermissionCache) Clear(ctx context.Context) {
	c.bloom.Clear()
	c.l1.Purge()
	if c.l2 == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 4*redisTimeout)
	defer cancel()
	iter := c.l2.Scan(rctx, 0, c.cfg.KeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(rctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("permission cache L2 scan failed", slog.Any("error", err))
		return
	}
	if len(keys) > 0 {
		c.deleteL2(ctx, keys...)
	}
}

// Len reports the current L1 entry count.
func (c *PermissionCache) Len() int {
	return c.l1.Len()
}

func (c *PermissionCache) deleteL2(ctx context.Context, keys ...string) {
	if c.l2 == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := c.l2.Del(rctx, keys...).Err(); err != nil {
		c.log.Warn("permission cache L2 delete failed",
			slog.Int("keys", len(keys)), slog.Any("error", err))
	}
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*PermissionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(Config{}, client, nil), mr
}

func TestCacheKey(t *testing.T) {
	require.Equal(t, "user:alice|viewer|doc:readme", Key("user:alice", "viewer", "doc:readme"))
}

func TestCacheSetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.False(t, ok)

	c.Set(ctx, "user:alice", "viewer", "doc:readme", true)
	allowed, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.True(t, ok)
	require.True(t, allowed)

	c.Set(ctx, "user:bob", "viewer", "doc:readme", false)
	allowed, ok = c.Get(ctx, "user:bob", "viewer", "doc:readme")
	require.True(t, ok)
	require.False(t, allowed)
}

func TestCacheL2Promotion(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:readme", true)
	// Drop L1 but keep the Bloom bit and L2 entry.
	c.l1.Purge()
	require.Equal(t, 0, c.Len())

	allowed, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.True(t, ok)
	require.True(t, allowed)
	// The hit was promoted back into L1.
	require.Equal(t, 1, c.Len())
}

func TestCacheL2Expiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:readme", true)
	require.Greater(t, mr.TTL(DefaultKeyPrefix+Key("user:alice", "viewer", "doc:readme")), time.Duration(0))

	c.l1.Purge()
	mr.FastForward(DefaultL2TTL + time.Second)

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.False(t, ok)
}

func TestCacheL2FailureDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:readme", true)
	c.l1.Purge()
	mr.Close()

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.False(t, ok)

	// Writes to a dead L2 are also non-fatal.
	c.Set(ctx, "user:bob", "viewer", "doc:readme", true)
}

func TestCacheWithoutL2(t *testing.T) {
	c := New(Config{}, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:readme", true)
	allowed, ok := c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.True(t, ok)
	require.True(t, allowed)

	c.Invalidate(ctx, "user:alice", "viewer", "doc:readme")
	_, ok = c.Get(ctx, "user:alice", "viewer", "doc:readme")
	require.False(t, ok)
}

func TestCacheInvalidateUser(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:a", true)
	c.Set(ctx, "user:alice", "editor", "doc:b", true)
	c.Set(ctx, "user:bob", "viewer", "doc:a", true)

	c.InvalidateUser(ctx, "user:alice")

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:a")
	require.False(t, ok)
	_, ok = c.Get(ctx, "user:alice", "editor", "doc:b")
	require.False(t, ok)
	allowed, ok := c.Get(ctx, "user:bob", "viewer", "doc:a")
	require.True(t, ok)
	require.True(t, allowed)

	// L2 keys are gone as well.
	require.False(t, mr.Exists(DefaultKeyPrefix+Key("user:alice", "viewer", "doc:a")))
	require.True(t, mr.Exists(DefaultKeyPrefix+Key("user:bob", "viewer", "doc:a")))
}

func TestCacheInvalidateObject(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:a", true)
	c.Set(ctx, "user:bob", "viewer", "doc:a", true)
	c.Set(ctx, "user:alice", "viewer", "doc:ab", true)

	c.InvalidateObject(ctx, "doc:a")

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:a")
	require.False(t, ok)
	_, ok = c.Get(ctx, "user:bob", "viewer", "doc:a")
	require.False(t, ok)

	// A distinct object sharing the prefix is untouched.
	allowed, ok := c.Get(ctx, "user:alice", "viewer", "doc:ab")
	require.True(t, ok)
	require.True(t, allowed)
}

func TestCacheClear(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "user:alice", "viewer", "doc:a", true)
	c.Set(ctx, "user:bob", "viewer", "doc:b", false)
	c.Clear(ctx)

	require.Equal(t, 0, c.Len())
	require.False(t, c.bloom.MightContain(Key("user:alice", "viewer", "doc:a")))
	require.False(t, mr.Exists(DefaultKeyPrefix+Key("user:alice", "viewer", "doc:a")))

	_, ok := c.Get(ctx, "user:alice", "viewer", "doc:a")
	require.False(t, ok)
}

func TestCacheNegativeSurvivesBloomMiss(t *testing.T) {
	c := New(Config{}, nil, nil)
	ctx := context.Background()

	// A negative never sets a Bloom bit but is still served from L1.
	c.Set(ctx, "user:eve", "viewer", "doc:secret", false)
	require.False(t, c.bloom.MightContain(Key("user:eve", "viewer", "doc:secret")))

	allowed, ok := c.Get(ctx, "user:eve", "viewer", "doc:secret")
	require.True(t, ok)
	require.False(t, allowed)
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanvm/tiercache/cache"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedisStoreWithClient(client, RedisStoreConfig{
		KeyPrefix:  "cache:",
		DefaultTTL: time.Hour,
	})
	t.Cleanup(func() { rs.Close() })
	return rs, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok := rs.Set(ctx, "key1", []byte("value1"), cache.SetOptions{
		TTL:   time.Minute,
		Tags:  []string{"t1"},
		Codec: "json",
	})
	require.True(t, ok)

	entry, found := rs.Get(ctx, "key1")
	require.True(t, found)
	assert.Equal(t, []byte("value1"), entry.Value)
	assert.Equal(t, "json", entry.Codec)
	assert.Equal(t, []string{"t1"}, entry.Tags)
	assert.WithinDuration(t, time.Now().Add(time.Minute), entry.ExpiresAt, 5*time.Second)
}

func TestRedisStoreEmptyValueIsAHit(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.True(t, rs.Set(ctx, "empty", []byte{}, cache.SetOptions{TTL: time.Minute}))

	entry, found := rs.Get(ctx, "empty")
	require.True(t, found)
	assert.Empty(t, entry.Value)
}

func TestRedisStoreGetMiss(t *testing.T) {
	rs, _ := newTestRedisStore(t)

	_, found := rs.Get(context.Background(), "missing")
	assert.False(t, found)
}

func TestRedisStoreExpiry(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "short", []byte("v"), cache.SetOptions{TTL: time.Minute})
	mr.FastForward(2 * time.Minute)

	_, found := rs.Get(ctx, "short")
	assert.False(t, found)
	assert.False(t, rs.Exists(ctx, "short"))
}

func TestRedisStoreValueAndMetadataExpireTogether(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "k", []byte("v"), cache.SetOptions{TTL: time.Minute, Tags: []string{"t"}})
	require.True(t, mr.Exists("cache:k"))
	require.True(t, mr.Exists("cache:k_meta"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("cache:k"))
	assert.False(t, mr.Exists("cache:k_meta"))
}

func TestRedisStoreDelete(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "k", []byte("v"), cache.SetOptions{TTL: time.Minute, Tags: []string{"t"}})

	assert.True(t, rs.Delete(ctx, "k"))
	assert.False(t, rs.Delete(ctx, "k"))
	assert.False(t, mr.Exists("cache:k_meta"))

	// The tag set no longer references the key.
	members, err := rs.Client().SMembers(ctx, "cache:tag:t").Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisStoreIncrement(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	v, err := rs.Increment(ctx, "counter", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = rs.Increment(ctx, "counter", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

func TestRedisStoreIncrementNotNumeric(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "text", []byte("hello"), cache.SetOptions{TTL: time.Minute})

	_, err := rs.Increment(ctx, "text", 1, 0)
	assert.ErrorIs(t, err, cache.ErrNotNumeric)
}

func TestRedisStoreIncrementKeepsExpiry(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := rs.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	first := mr.TTL("cache:counter")

	// TTL only applies on creation when none is requested explicitly.
	_, err = rs.Increment(ctx, "counter", 1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, mr.TTL("cache:counter"), first)
}

func TestRedisStoreTouch(t *testing.T) {
	rs, mr := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "k", []byte("v"), cache.SetOptions{TTL: time.Minute})
	require.True(t, rs.Touch(ctx, "k", time.Hour))

	assert.Greater(t, mr.TTL("cache:k"), 30*time.Minute)
	assert.Greater(t, mr.TTL("cache:k_meta"), 30*time.Minute)

	assert.False(t, rs.Touch(ctx, "missing", time.Hour))
}

func TestRedisStoreClearPattern(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "book:1", []byte("a"), cache.SetOptions{TTL: time.Minute})
	rs.Set(ctx, "book:2", []byte("b"), cache.SetOptions{TTL: time.Minute})
	rs.Set(ctx, "author:1", []byte("c"), cache.SetOptions{TTL: time.Minute})

	n := rs.Clear(ctx, "book:*")
	assert.Equal(t, 2, n)

	_, found := rs.Get(ctx, "book:1")
	assert.False(t, found)
	_, found = rs.Get(ctx, "author:1")
	assert.True(t, found)
}

func TestRedisStoreInvalidateByTags(t *testing.T) {
	rs, _ := newTestRedisStore(t)
	ctx := context.Background()

	rs.Set(ctx, "book:42", []byte("a"), cache.SetOptions{TTL: time.Minute, Tags: []string{"book", "author:7"}})
	rs.Set(ctx, "book:99", []byte("b"), cache.SetOptions{TTL: time.Minute, Tags: []string{"book"}})

	n := rs.InvalidateByTags(ctx, []string{"author:7"})
	assert.Equal(t, 1, n)

	_, found := rs.Get(ctx, "book:42")
	assert.False(t, found)
	_, found = rs.Get(ctx, "book:99")
	assert.True(t, found)

	// Idempotent: the tag set is gone.
	assert.Equal(t, 0, rs.InvalidateByTags(ctx, []string{"author:7"}))
}

func TestRedisStoreSoftFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedisStoreWithClient(client, RedisStoreConfig{})
	mr.Close()

	ctx := context.Background()
	_, found := rs.Get(ctx, "k")
	assert.False(t, found)
	assert.False(t, rs.Set(ctx, "k", []byte("v"), cache.SetOptions{}))
	assert.False(t, rs.Delete(ctx, "k"))
	assert.False(t, rs.Exists(ctx, "k"))
	assert.Equal(t, 0, rs.Clear(ctx, "*"))
	assert.Equal(t, 0, rs.InvalidateByTags(ctx, []string{"t"}))
	_, err := rs.Increment(ctx, "k", 1, 0)
	assert.Error(t, err)
}

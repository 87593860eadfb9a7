package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/types"
)

// RedisStoreConfig configures the Redis-backed remote store.
type RedisStoreConfig struct {
	// Addr is the Redis server address (e.g. "localhost:6379").
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix is prepended to every key this store touches.
	KeyPrefix string

	// DefaultTTL is applied to entries written without an explicit TTL.
	// Remote entries always carry a TTL; nothing is stored forever.
	DefaultTTL time.Duration

	// ScanCount is the COUNT hint for incremental SCAN during Clear.
	ScanCount int64

	// Logger is the logger for soft-failure reporting. Defaults to no-op.
	Logger cache.Logger
}

// DefaultRedisStoreConfig returns default remote store configuration.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:       "localhost:6379",
		KeyPrefix:  "cache:",
		DefaultTTL: time.Hour,
		ScanCount:  100,
	}
}

// metaSuffix distinguishes the metadata record stored next to each value.
// Both records are written in one pipeline with the same TTL so they
// expire together; a crash between the two writes leaves at most one
// orphan that the TTL bounds.
const metaSuffix = "_meta"

// RedisStore is the distributed tier: every logical entry is a value
// record plus a metadata record, tag membership lives in server-side sets,
// and bulk deletion walks the keyspace with cursor-based SCAN.
//
// The store is safe to use from multiple processes concurrently. Any
// transport error is caught here and reported as a soft failure (absent /
// false / zero), never as an error to business logic.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	scanCount  int64
	logger     cache.Logger
}

// NewRedisStore connects to Redis and returns a remote store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis connection failed")
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle when constructing this way.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	def := DefaultRedisStoreConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = def.ScanCount
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	return &RedisStore{
		client:     client,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
		scanCount:  cfg.ScanCount,
		logger:     cfg.Logger,
	}
}

// Name identifies the tier.
func (rs *RedisStore) Name() string { return "remote" }

// Client returns the underlying Redis client, shared with the coordinator
// for pub/sub and locks.
func (rs *RedisStore) Client() *redis.Client { return rs.client }

// Get returns the live entry for key, rebuilding it from the value record,
// the metadata record, and the remaining TTL.
func (rs *RedisStore) Get(ctx context.Context, key string) (types.Entry, bool) {
	full := rs.fullKey(key)

	pipe := rs.client.Pipeline()
	valCmd := pipe.Get(ctx, full)
	metaCmd := pipe.Get(ctx, full+metaSuffix)
	ttlCmd := pipe.PTTL(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		rs.logger.Warn("remote get failed", "key", key, "error", err)
		return types.Entry{}, false
	}

	value, err := valCmd.Bytes()
	if err != nil {
		return types.Entry{}, false
	}

	var meta types.Metadata
	if raw, err := metaCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			rs.logger.Warn("remote metadata corrupt", "key", key, "error", err)
		}
	}

	now := time.Now()
	e := types.Entry{
		Value:     value,
		Codec:     meta.Codec,
		Tags:      meta.Tags,
		CreatedAt: time.Unix(meta.CreatedAt, 0),
		ExpiresAt: now.Add(rs.defaultTTL),
	}
	if remaining, err := ttlCmd.Result(); err == nil && remaining > 0 {
		e.ExpiresAt = now.Add(remaining)
	}
	return e, true
}

// Set writes the value record, the metadata record, and the tag-set
// memberships in a single pipeline. Tag sets get their TTL refreshed on
// every write that uses them.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, opts cache.SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = rs.defaultTTL
	}

	full := rs.fullKey(key)
	meta, err := json.Marshal(types.Metadata{
		Codec:     opts.Codec,
		Tags:      opts.Tags,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		rs.logger.Error("remote metadata encode failed", "key", key, "error", err)
		return false
	}

	pipe := rs.client.Pipeline()
	pipe.Set(ctx, full, value, ttl)
	pipe.Set(ctx, full+metaSuffix, meta, ttl)
	for _, tag := range opts.Tags {
		tagKey := rs.tagKey(tag)
		pipe.SAdd(ctx, tagKey, full)
		pipe.Expire(ctx, tagKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rs.logger.Warn("remote set failed", "key", key, "error", err)
		return false
	}
	return true
}

// Delete removes the value record, its metadata record, and its tag-set
// memberships.
func (rs *RedisStore) Delete(ctx context.Context, key string) bool {
	full := rs.fullKey(key)

	// Read the metadata first so the tag sets can be cleaned up.
	var tags []string
	if raw, err := rs.client.Get(ctx, full+metaSuffix).Bytes(); err == nil {
		var meta types.Metadata
		if json.Unmarshal(raw, &meta) == nil {
			tags = meta.Tags
		}
	}

	pipe := rs.client.Pipeline()
	delCmd := pipe.Del(ctx, full)
	pipe.Del(ctx, full+metaSuffix)
	for _, tag := range tags {
		pipe.SRem(ctx, rs.tagKey(tag), full)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rs.logger.Warn("remote delete failed", "key", key, "error", err)
		return false
	}
	return delCmd.Val() > 0
}

// Exists reports whether key resolves to a live entry.
func (rs *RedisStore) Exists(ctx context.Context, key string) bool {
	n, err := rs.client.Exists(ctx, rs.fullKey(key)).Result()
	if err != nil {
		rs.logger.Warn("remote exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// Increment delegates to Redis' atomic INCRBY. The TTL is applied only
// when the counter is first created; an increment on an existing key never
// resets its expiry unless the caller asks for one explicitly.
func (rs *RedisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	full := rs.fullKey(key)

	val, err := rs.client.IncrBy(ctx, full, delta).Result()
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, cache.ErrNotNumeric
		}
		rs.logger.Warn("remote increment failed", "key", key, "error", err)
		return 0, err
	}

	if ttl > 0 {
		rs.client.Expire(ctx, full, ttl)
	} else {
		// EXPIRE NX: only counters without a TTL yet get the default.
		rs.client.ExpireNX(ctx, full, rs.defaultTTL)
	}
	return val, nil
}

// Touch resets the TTL of the value and metadata records together.
func (rs *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = rs.defaultTTL
	}
	full := rs.fullKey(key)

	pipe := rs.client.Pipeline()
	okCmd := pipe.Expire(ctx, full, ttl)
	pipe.Expire(ctx, full+metaSuffix, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		rs.logger.Warn("remote touch failed", "key", key, "error", err)
		return false
	}
	return okCmd.Val()
}

// Clear removes every key matching the glob pattern using cursor-based
// incremental SCAN, deleting matches in batches. Metadata records and tag
// sets swept along the way are excluded from the returned count.
func (rs *RedisStore) Clear(ctx context.Context, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	fullPattern := rs.prefix + pattern

	var (
		cursor  uint64
		batch   []string
		removed int
	)
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, fullPattern, rs.scanCount).Result()
		if err != nil {
			rs.logger.Warn("remote clear scan failed", "pattern", pattern, "error", err)
			return removed
		}

		for _, k := range keys {
			batch = append(batch, k, k+metaSuffix)
			if !strings.HasSuffix(k, metaSuffix) && !strings.HasPrefix(k, rs.prefix+"tag:") {
				removed++
			}
		}
		if len(batch) >= int(rs.scanCount) {
			rs.deleteBatch(ctx, batch)
			batch = batch[:0]
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	rs.deleteBatch(ctx, batch)
	return removed
}

// InvalidateByTags unions the tag sets, deletes every member plus its
// metadata record, then deletes the tag sets themselves.
func (rs *RedisStore) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	members := make(map[string]struct{})
	for _, tag := range tags {
		keys, err := rs.client.SMembers(ctx, rs.tagKey(tag)).Result()
		if err != nil {
			rs.logger.Warn("remote tag lookup failed", "tag", tag, "error", err)
			continue
		}
		for _, k := range keys {
			members[k] = struct{}{}
		}
	}
	if len(members) == 0 {
		return 0
	}

	victims := make([]string, 0, len(members)*2)
	for k := range members {
		victims = append(victims, k, k+metaSuffix)
	}

	pipe := rs.client.Pipeline()
	var delCmds []*redis.IntCmd
	for start := 0; start < len(victims); start += int(rs.scanCount) {
		end := start + int(rs.scanCount)
		if end > len(victims) {
			end = len(victims)
		}
		delCmds = append(delCmds, pipe.Del(ctx, victims[start:end]...))
	}
	for _, tag := range tags {
		pipe.Del(ctx, rs.tagKey(tag))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rs.logger.Warn("remote tag invalidation failed", "tags", tags, "error", err)
		return 0
	}

	// DEL counts value and metadata records; report logical entries.
	var deleted int64
	for _, cmd := range delCmds {
		deleted += cmd.Val()
	}
	return int(deleted / 2)
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func (rs *RedisStore) deleteBatch(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := rs.client.Del(ctx, keys...).Err(); err != nil {
		rs.logger.Warn("remote batch delete failed", "count", len(keys), "error", err)
	}
}

func (rs *RedisStore) fullKey(key string) string {
	return rs.prefix + key
}

func (rs *RedisStore) tagKey(tag string) string {
	return rs.prefix + "tag:" + tag
}

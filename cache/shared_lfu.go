package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	lfu "github.com/dgraph-io/ristretto"

	"github.com/quanvm/tiercache/types"
)

// LFUStoreConfig configures the Ristretto-backed shared tier.
type LFUStoreConfig struct {
	// NumCounters is the number of admission counters.
	// Recommended: 10 * expected item count.
	NumCounters int64

	// MaxCost is the maximum total cost of cached values in bytes.
	MaxCost int64

	// BufferItems is the number of items buffered before eviction.
	// Recommended: 64.
	BufferItems int64

	// DefaultTTL is applied to entries written without an explicit TTL.
	DefaultTTL time.Duration
}

// DefaultLFUStoreConfig returns default shared tier configuration.
func DefaultLFUStoreConfig() LFUStoreConfig {
	return LFUStoreConfig{
		NumCounters: 1e6,
		MaxCost:     1 << 28, // 256MB
		BufferItems: 64,
		DefaultTTL:  time.Hour,
	}
}

// LFUStore is an optional middle tier backed by Ristretto's TinyLFU
// admission policy. Values live in Ristretto; a small side index of keys
// and tags supports glob clears and tag invalidation, which Ristretto
// cannot do on its own.
type LFUStore struct {
	cache *lfu.Cache

	mu   sync.Mutex
	keys map[string][]string // key -> tags
	tags map[string]map[string]struct{}

	defaultTTL time.Duration
}

// NewLFUStore creates a Ristretto-backed shared tier.
func NewLFUStore(cfg LFUStoreConfig) (*LFUStore, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}

	fs := &LFUStore{
		keys:       make(map[string][]string),
		tags:       make(map[string]map[string]struct{}),
		defaultTTL: cfg.DefaultTTL,
	}

	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		OnEvict: func(item *lfu.Item) {
			// Runs on Ristretto's own goroutine, never inside our
			// critical sections.
			if e, ok := item.Value.(*sharedEntry); ok {
				fs.mu.Lock()
				fs.dropIndexLocked(e.key)
				fs.mu.Unlock()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	fs.cache = cache

	return fs, nil
}

type sharedEntry struct {
	key   string
	entry types.Entry
}

// Name identifies the tier.
func (fs *LFUStore) Name() string { return "shared" }

// Get returns the live entry for key.
func (fs *LFUStore) Get(ctx context.Context, key string) (types.Entry, bool) {
	v, ok := fs.cache.Get(key)
	if !ok {
		return types.Entry{}, false
	}
	e, ok := v.(*sharedEntry)
	if !ok {
		return types.Entry{}, false
	}
	if e.entry.Expired(time.Now()) {
		fs.Delete(ctx, key)
		return types.Entry{}, false
	}
	return e.entry, true
}

// Set stores value under key. Admission is probabilistic: Ristretto may
// reject a write it judges not worth caching, which the tiered cache
// treats as a non-critical failure.
func (fs *LFUStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = fs.defaultTTL
	}

	now := time.Now()
	e := &sharedEntry{
		key: key,
		entry: types.Entry{
			Value:     value,
			Codec:     opts.Codec,
			Tags:      opts.Tags,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		},
	}

	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if !fs.cache.SetWithTTL(key, e, cost, ttl) {
		return false
	}

	fs.mu.Lock()
	fs.dropIndexLocked(key)
	fs.keys[key] = opts.Tags
	for _, tag := range opts.Tags {
		set, ok := fs.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			fs.tags[tag] = set
		}
		set[key] = struct{}{}
	}
	fs.mu.Unlock()

	return true
}

// Wait blocks until buffered writes have been applied. Ristretto admits
// writes asynchronously; callers that must read their own write
// immediately call Wait first.
func (fs *LFUStore) Wait() { fs.cache.Wait() }

// Delete removes key.
func (fs *LFUStore) Delete(ctx context.Context, key string) bool {
	fs.mu.Lock()
	_, existed := fs.keys[key]
	fs.dropIndexLocked(key)
	fs.mu.Unlock()

	fs.cache.Del(key)
	return existed
}

// Exists reports whether key resolves to a live entry.
func (fs *LFUStore) Exists(ctx context.Context, key string) bool {
	_, ok := fs.Get(ctx, key)
	return ok
}

// Increment adds delta to the numeric value under key. Process-local
// read-modify-write; the authoritative counter lives in the remote tier.
func (fs *LFUStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	var cur *sharedEntry
	if v, ok := fs.cache.Get(key); ok {
		if e, ok := v.(*sharedEntry); ok && !e.entry.Expired(now) {
			cur = e
		}
	}

	if cur == nil {
		// Admission may be rejected; the counter is best-effort here and
		// authoritative in the remote tier.
		fs.setLocked(key, []byte(strconv.FormatInt(delta, 10)), ttl)
		return delta, nil
	}

	current, err := strconv.ParseInt(string(cur.entry.Value), 10, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	next := current + delta
	fs.setLocked(key, []byte(strconv.FormatInt(next, 10)), cur.entry.TTL(now))
	return next, nil
}

// Touch re-admits the entry with a fresh TTL.
func (fs *LFUStore) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	e, ok := fs.Get(ctx, key)
	if !ok {
		return false
	}
	return fs.Set(ctx, key, e.Value, SetOptions{TTL: ttl, Tags: e.Tags, Codec: e.Codec})
}

// Clear removes every key matching the glob pattern.
func (fs *LFUStore) Clear(ctx context.Context, pattern string) int {
	match := compileGlob(pattern)

	fs.mu.Lock()
	var victims []string
	for key := range fs.keys {
		if match(key) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		fs.dropIndexLocked(key)
	}
	fs.mu.Unlock()

	for _, key := range victims {
		fs.cache.Del(key)
	}
	return len(victims)
}

// InvalidateByTags removes every entry carrying one of the given tags.
func (fs *LFUStore) InvalidateByTags(ctx context.Context, tags []string) int {
	fs.mu.Lock()
	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range fs.tags[tag] {
			victims[key] = struct{}{}
		}
	}
	for key := range victims {
		fs.dropIndexLocked(key)
	}
	fs.mu.Unlock()

	for key := range victims {
		fs.cache.Del(key)
	}
	return len(victims)
}

// Close releases the Ristretto cache.
func (fs *LFUStore) Close() error {
	fs.cache.Close()
	return nil
}

// setLocked writes without re-taking the mutex; Increment holds it.
func (fs *LFUStore) setLocked(key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = fs.defaultTTL
	}
	now := time.Now()
	e := &sharedEntry{
		key: key,
		entry: types.Entry{
			Value:     value,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		},
	}
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if !fs.cache.SetWithTTL(key, e, cost, ttl) {
		return false
	}
	fs.keys[key] = nil
	return true
}

func (fs *LFUStore) dropIndexLocked(key string) {
	tags, ok := fs.keys[key]
	if !ok {
		return
	}
	for _, tag := range tags {
		if set, ok := fs.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(fs.tags, tag)
			}
		}
	}
	delete(fs.keys, key)
}

// LFUStoreFactory creates LFUStore instances.
type LFUStoreFactory struct {
	config LFUStoreConfig
}

// NewLFUStoreFactory creates a new Ristretto store factory.
func NewLFUStoreFactory(cfg LFUStoreConfig) StoreFactory {
	return &LFUStoreFactory{config: cfg}
}

// Create creates a new LFUStore instance.
func (f *LFUStoreFactory) Create() (Store, error) {
	return NewLFUStore(f.config)
}

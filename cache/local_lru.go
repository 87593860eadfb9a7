package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/quanvm/tiercache/types"
)

// LRUStore is a local tier backed by hashicorp/golang-lru. It keeps the
// same contract as MemoryStore (tag index, default TTL, lazy expiry) but
// evicts least-recently-used entries instead of oldest-inserted ones — the
// upgrade the FIFO contract explicitly permits.
type LRUStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *types.Entry]
	tags  map[string]map[string]struct{}

	defaultTTL time.Duration
	sweep      time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewLRUStore creates an LRU-backed local store and starts its expiry
// sweep.
func NewLRUStore(maxSize int, defaultTTL, sweepInterval time.Duration) (*LRUStore, error) {
	if maxSize <= 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "lru store size must be positive")
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	ls := &LRUStore{
		tags:       make(map[string]map[string]struct{}),
		defaultTTL: defaultTTL,
		sweep:      sweepInterval,
		done:       make(chan struct{}),
	}

	// The eviction callback fires inside Add/Remove calls made under
	// ls.mu, so it touches the tag index without locking.
	cache, err := lru.NewWithEvict[string, *types.Entry](maxSize, func(key string, e *types.Entry) {
		ls.pruneTags(key, e)
	})
	if err != nil {
		return nil, err
	}
	ls.cache = cache

	ls.wg.Add(1)
	go ls.sweepLoop()

	return ls, nil
}

// Name identifies the tier.
func (ls *LRUStore) Name() string { return "local" }

// Get returns the live entry for key, purging it lazily when expired.
func (ls *LRUStore) Get(ctx context.Context, key string) (types.Entry, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.cache.Get(key)
	if !ok {
		return types.Entry{}, false
	}
	if e.Expired(time.Now()) {
		ls.cache.Remove(key)
		return types.Entry{}, false
	}
	return *e, true
}

// Set stores value under key.
func (ls *LRUStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ls.defaultTTL
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	// Remove first so a replacement re-indexes its tags cleanly.
	ls.cache.Remove(key)

	now := time.Now()
	e := &types.Entry{
		Value:     value,
		Codec:     opts.Codec,
		Tags:      opts.Tags,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ls.cache.Add(key, e)

	for _, tag := range opts.Tags {
		set, ok := ls.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			ls.tags[tag] = set
		}
		set[key] = struct{}{}
	}

	return true
}

// Delete removes key.
func (ls *LRUStore) Delete(ctx context.Context, key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.cache.Peek(key)
	if !ok {
		return false
	}
	live := !e.Expired(time.Now())
	ls.cache.Remove(key)
	return live
}

// Exists reports whether key resolves to a live entry without refreshing
// its recency.
func (ls *LRUStore) Exists(ctx context.Context, key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.cache.Peek(key)
	if !ok {
		return false
	}
	if e.Expired(time.Now()) {
		ls.cache.Remove(key)
		return false
	}
	return true
}

// Increment adds delta to the numeric value under key. The TTL applies
// only on creation.
func (ls *LRUStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = ls.defaultTTL
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	e, ok := ls.cache.Peek(key)
	if !ok || e.Expired(now) {
		if ok {
			ls.cache.Remove(key)
		}
		ls.cache.Add(key, &types.Entry{
			Value:     []byte(strconv.FormatInt(delta, 10)),
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		})
		return delta, nil
	}

	current, err := strconv.ParseInt(string(e.Value), 10, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}
	next := current + delta
	e.Value = []byte(strconv.FormatInt(next, 10))
	return next, nil
}

// Touch resets the TTL of a live entry.
func (ls *LRUStore) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = ls.defaultTTL
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.cache.Peek(key)
	if !ok || e.Expired(time.Now()) {
		return false
	}
	e.ExpiresAt = time.Now().Add(ttl)
	return true
}

// Clear removes every key matching the glob pattern.
func (ls *LRUStore) Clear(ctx context.Context, pattern string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if pattern == "" || pattern == "*" {
		count := ls.cache.Len()
		ls.cache.Purge()
		ls.tags = make(map[string]map[string]struct{})
		return count
	}

	match := compileGlob(pattern)
	var victims []string
	for _, key := range ls.cache.Keys() {
		if match(key) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		ls.cache.Remove(key)
	}
	return len(victims)
}

// InvalidateByTags removes every entry carrying one of the given tags.
func (ls *LRUStore) InvalidateByTags(ctx context.Context, tags []string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range ls.tags[tag] {
			victims[key] = struct{}{}
		}
	}
	for key := range victims {
		ls.cache.Remove(key)
	}
	return len(victims)
}

// Sweep runs one expiry pass synchronously.
func (ls *LRUStore) Sweep() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	var expired []string
	for _, key := range ls.cache.Keys() {
		if e, ok := ls.cache.Peek(key); ok && e.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		ls.cache.Remove(key)
	}
}

// Close stops the background sweep.
func (ls *LRUStore) Close() error {
	select {
	case <-ls.done:
		return nil
	default:
	}
	close(ls.done)
	ls.wg.Wait()
	return nil
}

func (ls *LRUStore) sweepLoop() {
	defer ls.wg.Done()

	ticker := time.NewTicker(ls.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ls.done:
			return
		case <-ticker.C:
			ls.Sweep()
		}
	}
}

func (ls *LRUStore) pruneTags(key string, e *types.Entry) {
	for _, tag := range e.Tags {
		if set, ok := ls.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(ls.tags, tag)
			}
		}
	}
}

// LRUStoreFactory creates LRUStore instances.
type LRUStoreFactory struct {
	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration
}

// NewLRUStoreFactory creates a new LRU store factory.
func NewLRUStoreFactory(maxSize int, defaultTTL, sweepInterval time.Duration) StoreFactory {
	return &LRUStoreFactory{maxSize: maxSize, defaultTTL: defaultTTL, sweepInterval: sweepInterval}
}

// Create creates a new LRUStore instance.
func (f *LRUStoreFactory) Create() (Store, error) {
	return NewLRUStore(f.maxSize, f.defaultTTL, f.sweepInterval)
}

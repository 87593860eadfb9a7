package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/quanvm/tiercache/types"
)

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	// MaxSize is the maximum number of entries. When the store is full and
	// a new key arrives, the entry with the oldest CreatedAt is evicted.
	MaxSize int

	// DefaultTTL is applied to entries written without an explicit TTL.
	DefaultTTL time.Duration

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration

	// Logger is the logger for debug logging. Defaults to no-op.
	Logger Logger
}

// DefaultMemoryStoreConfig returns default local store configuration.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		MaxSize:       10000,
		DefaultTTL:    time.Hour,
		SweepInterval: time.Minute,
	}
}

// MemoryStore is the in-process tier: a bounded key -> entry table with a
// tag index and a periodic expiry sweep. Eviction is FIFO by insertion
// time, not LRU; the contract only promises bounded size and
// oldest-insertion eviction.
//
// A single coarse mutex guards the entry table and the tag index together,
// which keeps the index invariant trivial: every key in a tag set resolves
// to a live entry listing that tag, and empty tag sets are pruned.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*types.Entry
	tags    map[string]map[string]struct{}

	maxSize    int
	defaultTTL time.Duration
	logger     Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryStore creates a local store and starts its expiry sweep.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMemoryStoreConfig().MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultMemoryStoreConfig().DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultMemoryStoreConfig().SweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}

	ms := &MemoryStore{
		entries:    make(map[string]*types.Entry),
		tags:       make(map[string]map[string]struct{}),
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}

	ms.wg.Add(1)
	go ms.sweepLoop(cfg.SweepInterval)

	return ms
}

// Name identifies the tier.
func (ms *MemoryStore) Name() string { return "local" }

// Get returns the live entry for key, purging it lazily when expired.
func (ms *MemoryStore) Get(ctx context.Context, key string) (types.Entry, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok {
		return types.Entry{}, false
	}
	if e.Expired(time.Now()) {
		ms.removeLocked(key)
		return types.Entry{}, false
	}
	return *e, true
}

// Set stores value under key, evicting the oldest entry when at capacity.
func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ms.defaultTTL
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.entries[key]; !exists && len(ms.entries) >= ms.maxSize {
		ms.evictOldestLocked()
	}

	// Replacing an entry may shrink its tag set; drop the old index links
	// before writing the new ones.
	if _, exists := ms.entries[key]; exists {
		ms.removeLocked(key)
	}

	now := time.Now()
	e := &types.Entry{
		Value:     value,
		Codec:     opts.Codec,
		Tags:      opts.Tags,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ms.entries[key] = e

	for _, tag := range opts.Tags {
		set, ok := ms.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			ms.tags[tag] = set
		}
		set[key] = struct{}{}
	}

	return true
}

// Delete removes key. Reports whether a live entry was removed.
func (ms *MemoryStore) Delete(ctx context.Context, key string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok {
		return false
	}
	expired := e.Expired(time.Now())
	ms.removeLocked(key)
	return !expired
}

// Exists reports whether key resolves to a live entry.
func (ms *MemoryStore) Exists(ctx context.Context, key string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok {
		return false
	}
	if e.Expired(time.Now()) {
		ms.removeLocked(key)
		return false
	}
	return true
}

// Increment adds delta to the numeric value under key, creating the
// counter when absent or expired. The TTL applies only on creation.
func (ms *MemoryStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = ms.defaultTTL
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	e, ok := ms.entries[key]
	if !ok || e.Expired(now) {
		if ok {
			ms.removeLocked(key)
		}
		ms.entries[key] = &types.Entry{
			Value:     []byte(strconv.FormatInt(delta, 10)),
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
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
func (ms *MemoryStore) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = ms.defaultTTL
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.entries[key]
	if !ok || e.Expired(time.Now()) {
		return false
	}
	e.ExpiresAt = time.Now().Add(ttl)
	return true
}

// Clear removes every key matching the glob pattern. Matching is O(n) over
// the current key count, acceptable for a process-local store where n is
// bounded by MaxSize.
func (ms *MemoryStore) Clear(ctx context.Context, pattern string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if pattern == "" || pattern == "*" {
		count := len(ms.entries)
		ms.entries = make(map[string]*types.Entry)
		ms.tags = make(map[string]map[string]struct{})
		return count
	}

	match := compileGlob(pattern)
	var victims []string
	for key := range ms.entries {
		if match(key) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		ms.removeLocked(key)
	}
	return len(victims)
}

// InvalidateByTags removes every entry carrying one of the given tags.
func (ms *MemoryStore) InvalidateByTags(ctx context.Context, tags []string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range ms.tags[tag] {
			victims[key] = struct{}{}
		}
	}
	for key := range victims {
		ms.removeLocked(key)
	}
	return len(victims)
}

// Sweep runs one expiry pass synchronously.
func (ms *MemoryStore) Sweep() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, e := range ms.entries {
		if e.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		ms.removeLocked(key)
	}
	if len(expired) > 0 {
		ms.logger.Debug("expiry sweep purged entries", "count", len(expired))
	}
}

// Len returns the current number of entries, expired ones included until
// the next sweep.
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

// Close stops the background sweep.
func (ms *MemoryStore) Close() error {
	select {
	case <-ms.done:
		return nil
	default:
	}
	close(ms.done)
	ms.wg.Wait()
	return nil
}

func (ms *MemoryStore) sweepLoop(interval time.Duration) {
	defer ms.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.done:
			return
		case <-ticker.C:
			ms.Sweep()
		}
	}
}

// removeLocked removes key from the entry table and from every tag set it
// belongs to, pruning tag sets that become empty. Callers hold the mutex.
func (ms *MemoryStore) removeLocked(key string) {
	e, ok := ms.entries[key]
	if !ok {
		return
	}
	for _, tag := range e.Tags {
		if set, ok := ms.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(ms.tags, tag)
			}
		}
	}
	delete(ms.entries, key)
}

// evictOldestLocked evicts the entry with the oldest CreatedAt. Callers
// hold the mutex.
func (ms *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range ms.entries {
		if oldestKey == "" || e.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = e.CreatedAt
		}
	}
	if oldestKey != "" {
		ms.removeLocked(oldestKey)
	}
}

// MemoryStoreFactory creates MemoryStore instances.
type MemoryStoreFactory struct {
	config MemoryStoreConfig
}

// NewMemoryStoreFactory creates a new FIFO store factory.
func NewMemoryStoreFactory(cfg MemoryStoreConfig) StoreFactory {
	return &MemoryStoreFactory{config: cfg}
}

// Create creates a new MemoryStore instance.
func (f *MemoryStoreFactory) Create() (Store, error) {
	return NewMemoryStore(f.config), nil
}

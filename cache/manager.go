package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// globalNamespace is the internal name for keys set without a namespace.
// Its built keys omit the namespace segment, so it never collides with a
// user namespace of the same name.
const globalNamespace = "global"

// nsVersionTTL keeps namespace version counters alive far beyond any data
// entry. The TTL is refreshed on every version access, so a counter only
// expires after its namespace has been idle this long.
const nsVersionTTL = 30 * 24 * time.Hour

// ManagerConfig configures the cache facade.
type ManagerConfig struct {
	// DefaultTTL is applied to writes without an explicit TTL.
	DefaultTTL time.Duration

	// Codecs serializes values on write and deserializes them on read.
	Codecs CodecRegistry

	// Broadcaster announces invalidations to other nodes. Optional.
	Broadcaster Broadcaster

	// Logger is the facade logger. Defaults to no-op.
	Logger Logger
}

// Manager is the entry point business code calls. It layers key
// namespacing, per-namespace versioning, and value serialization over a
// Store (normally a Tiered cache).
//
// Built keys have the form `{namespace}:{version}:{key}`, or
// `{version}:{key}` without a namespace. Invalidating a namespace bumps
// its version counter, which changes every built key in the namespace at
// once: old entries become unreachable and age out by TTL.
//
// Namespace versions are cached in memory and lazily loaded from the
// store's authoritative tier, so every node converges on the same version.
type Manager struct {
	store  Store
	ttl    time.Duration
	codecs CodecRegistry
	bcast  Broadcaster
	logger Logger

	group    singleflight.Group
	mu       sync.RWMutex
	versions map[string]int64
}

// NewManager creates a facade over store.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil || cfg.Codecs == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoOpLogger()
	}

	return &Manager{
		store:    store,
		ttl:      cfg.DefaultTTL,
		codecs:   cfg.Codecs,
		bcast:    cfg.Broadcaster,
		logger:   cfg.Logger,
		versions: make(map[string]int64),
	}, nil
}

// Get loads the value stored under key in namespace into dest. A miss,
// a decode failure, or a store outage all report false; dest is only
// written on a hit.
func (m *Manager) Get(ctx context.Context, namespace, key string, dest any) bool {
	entry, found := m.store.Get(ctx, m.buildKey(ctx, namespace, key))
	if !found {
		return false
	}
	if err := m.codecs.Decode(entry.Value, entry.Codec, dest); err != nil {
		m.logger.Warn("decode failed", "namespace", namespace, "key", key, "error", err)
		return false
	}
	return true
}

// Set serializes value and writes it under key in namespace, then
// announces the write so peers drop any stale local copy. A zero TTL in
// opts uses the facade default; opts.Codec forces a specific codec.
func (m *Manager) Set(ctx context.Context, namespace, key string, value any, opts SetOptions) bool {
	data, codecID, err := m.encode(value, opts.Codec)
	if err != nil {
		m.logger.Warn("encode failed", "namespace", namespace, "key", key, "error", err)
		return false
	}

	if opts.TTL <= 0 {
		opts.TTL = m.ttl
	}
	opts.Codec = codecID

	built := m.buildKey(ctx, namespace, key)
	ok := m.store.Set(ctx, built, data, opts)
	if ok {
		m.publish(ctx, OpSet, built)
	}
	return ok
}

// SetIfAbsent writes the value only when the key is not already present.
// The check and the write are two store operations; callers needing true
// mutual exclusion should hold a coordinator lock around the call.
func (m *Manager) SetIfAbsent(ctx context.Context, namespace, key string, value any, opts SetOptions) bool {
	if m.store.Exists(ctx, m.buildKey(ctx, namespace, key)) {
		return false
	}
	return m.Set(ctx, namespace, key, value, opts)
}

// Delete removes key from every tier and announces the removal.
func (m *Manager) Delete(ctx context.Context, namespace, key string) bool {
	built := m.buildKey(ctx, namespace, key)
	ok := m.store.Delete(ctx, built)
	if ok {
		m.publish(ctx, OpDelete, built)
	}
	return ok
}

// Exists reports whether key resolves to a live entry in any tier.
func (m *Manager) Exists(ctx context.Context, namespace, key string) bool {
	return m.store.Exists(ctx, m.buildKey(ctx, namespace, key))
}

// Touch resets the TTL of an existing entry without rewriting it.
func (m *Manager) Touch(ctx context.Context, namespace, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.store.Touch(ctx, m.buildKey(ctx, namespace, key), ttl)
}

// Increment atomically adds delta to the numeric counter under key. The
// TTL applies only when the counter is created; pass 0 for the default.
func (m *Manager) Increment(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	return m.store.Increment(ctx, m.buildKey(ctx, namespace, key), delta, 0)
}

// Decrement atomically subtracts delta from the counter under key.
func (m *Manager) Decrement(ctx context.Context, namespace, key string, delta int64) (int64, error) {
	return m.store.Increment(ctx, m.buildKey(ctx, namespace, key), -delta, 0)
}

// Clear removes every key in namespace matching the glob pattern and
// announces the sweep. Only the current version's keys are touched; older
// versions are already unreachable.
func (m *Manager) Clear(ctx context.Context, namespace, pattern string) int {
	if pattern == "" {
		pattern = "*"
	}
	built := m.buildKey(ctx, namespace, pattern)
	n := m.store.Clear(ctx, built)
	m.publish(ctx, OpClearPattern, built)
	return n
}

// InvalidateByTags removes every entry carrying any of the tags from every
// tier and announces the invalidation. Tags are global, not namespaced.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	n := m.store.InvalidateByTags(ctx, tags)

	payload, err := json.Marshal(tags)
	if err == nil {
		m.publish(ctx, OpInvalidateTags, string(payload))
	}
	return n
}

// InvalidateNamespace bumps the namespace's version counter, making every
// key built before the call unreachable in O(1). Old entries stay in the
// stores until their TTL removes them.
func (m *Manager) InvalidateNamespace(ctx context.Context, namespace string) bool {
	ns := normalizeNamespace(namespace)

	v, err := m.store.Increment(ctx, versionKey(ns), 1, nsVersionTTL)
	if err != nil {
		m.logger.Warn("namespace invalidation failed", "namespace", ns, "error", err)
		return false
	}

	m.mu.Lock()
	m.versions[ns] = v
	m.mu.Unlock()

	m.publish(ctx, OpInvalidateNamespace, ns)
	return true
}

// DropNamespaceVersion discards the cached version for a namespace, so the
// next access reloads it from the authoritative store. Called by the
// coordinator when a peer invalidates the namespace.
func (m *Manager) DropNamespaceVersion(namespace string) {
	ns := normalizeNamespace(namespace)
	m.mu.Lock()
	delete(m.versions, ns)
	m.mu.Unlock()
}

// GetMany loads several keys at once, returning only the hits. Values are
// decoded into their dynamic form.
func (m *Manager) GetMany(ctx context.Context, namespace string, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		var v any
		if m.Get(ctx, namespace, key, &v) {
			out[key] = v
		}
	}
	return out
}

// SetMany writes several key/value pairs with shared options. Reports
// true only when every write succeeded.
func (m *Manager) SetMany(ctx context.Context, namespace string, items map[string]any, opts SetOptions) bool {
	ok := true
	for key, value := range items {
		if !m.Set(ctx, namespace, key, value, opts) {
			ok = false
		}
	}
	return ok
}

// DeleteMany removes several keys, returning how many existed.
func (m *Manager) DeleteMany(ctx context.Context, namespace string, keys []string) int {
	n := 0
	for _, key := range keys {
		if m.Delete(ctx, namespace, key) {
			n++
		}
	}
	return n
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// buildKey prepends the namespace and its current version so a version
// bump reroutes every subsequent access.
func (m *Manager) buildKey(ctx context.Context, namespace, key string) string {
	ns := normalizeNamespace(namespace)
	v := m.version(ctx, ns)
	if namespace == "" {
		return fmt.Sprintf("%d:%s", v, key)
	}
	return fmt.Sprintf("%s:%d:%s", ns, v, key)
}

// version returns the namespace's current version, loading it from the
// authoritative store on first access. Concurrent first accesses collapse
// into one load. A store outage falls back to version 0 without caching,
// so the next access retries.
func (m *Manager) version(ctx context.Context, ns string) int64 {
	m.mu.RLock()
	v, ok := m.versions[ns]
	m.mu.RUnlock()
	if ok {
		return v
	}

	loaded, err, _ := m.group.Do(ns, func() (any, error) {
		// INCRBY 0 reads the counter and creates it at 0 when absent.
		v, err := m.store.Increment(ctx, versionKey(ns), 0, nsVersionTTL)
		if err != nil {
			return int64(0), err
		}
		m.mu.Lock()
		m.versions[ns] = v
		m.mu.Unlock()
		return v, nil
	})
	if err != nil {
		m.logger.Warn("namespace version load failed", "namespace", ns, "error", err)
	}
	return loaded.(int64)
}

func (m *Manager) encode(value any, codecID string) ([]byte, string, error) {
	if codecID != "" {
		data, err := m.codecs.EncodeWith(codecID, value)
		return data, codecID, err
	}
	return m.codecs.Encode(value)
}

func (m *Manager) publish(ctx context.Context, op Op, payload string) {
	if m.bcast == nil {
		return
	}
	if err := m.bcast.PublishInvalidation(ctx, op, payload); err != nil {
		m.logger.Warn("invalidation publish failed", "op", op, "error", err)
	}
}

func normalizeNamespace(namespace string) string {
	if namespace == "" {
		return globalNamespace
	}
	return strings.ReplaceAll(namespace, ":", "_")
}

func versionKey(ns string) string {
	return "ns_version:" + ns
}

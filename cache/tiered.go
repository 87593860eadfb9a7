package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quanvm/tiercache/types"
)

// WritePolicy selects how Set fans out across tiers.
type WritePolicy int

const (
	// WriteThrough writes to all tiers concurrently.
	WriteThrough WritePolicy = iota

	// WriteAround writes only to the authoritative (slowest) tier and
	// lets reads backfill the faster tiers naturally.
	WriteAround
)

// Tier is one layer of the hierarchy, ordered fastest to slowest.
type Tier struct {
	// Store backs this tier.
	Store Store

	// TTLRatio scales the authoritative TTL for entries written into this
	// tier (both on write-through and on read backfill). Must stay below
	// 1 so a faster copy always expires before the authoritative one.
	// Ignored for the last tier. Defaults to 0.5.
	TTLRatio float64

	// Critical marks a tier whose write failure fails the aggregate Set.
	// The slowest tier is critical by default.
	Critical bool
}

// TieredOptions configures a Tiered cache.
type TieredOptions struct {
	// Policy selects write-through or write-around. Default write-through.
	Policy WritePolicy

	// Logger is the logger for per-tier failure reporting.
	Logger Logger

	// Metrics receives one sample per physical tier access.
	Metrics MetricsSink
}

// Tiered fans a single get/set/delete/invalidate surface out across an
// ordered list of tiers. Reads stop at the first hit and backfill every
// faster tier; writes follow the configured policy. Tier-level errors are
// logged per tier and never surface to the caller: a degraded call just
// means fewer tiers succeeded.
type Tiered struct {
	tiers   []Tier
	policy  WritePolicy
	logger  Logger
	metrics MetricsSink
	closed  int32
}

// NewTiered creates a tiered cache over tiers ordered fastest to slowest.
func NewTiered(tiers []Tier, opts TieredOptions) (*Tiered, error) {
	if len(tiers) == 0 {
		return nil, ErrInvalidConfig
	}
	for i := range tiers {
		if tiers[i].Store == nil {
			return nil, ErrInvalidConfig
		}
		if i < len(tiers)-1 {
			if tiers[i].TTLRatio <= 0 {
				tiers[i].TTLRatio = 0.5
			}
			if tiers[i].TTLRatio >= 1 {
				return nil, ErrInvalidConfig
			}
		}
	}
	// The authoritative tier is always critical.
	tiers[len(tiers)-1].Critical = true

	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewNoOpMetrics()
	}

	return &Tiered{
		tiers:   tiers,
		policy:  opts.Policy,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Name identifies the composite store.
func (tc *Tiered) Name() string { return "tiered" }

// Authoritative returns the slowest tier's store, the shared source of
// truth for counters and namespace versions.
func (tc *Tiered) Authoritative() Store {
	return tc.tiers[len(tc.tiers)-1].Store
}

// Local returns the fastest tier's store, the target of cross-node
// invalidation replay.
func (tc *Tiered) Local() Store {
	return tc.tiers[0].Store
}

// Get tries tiers fastest first and backfills every faster tier on a hit.
// The backfill TTL is the hit entry's remaining TTL scaled by each faster
// tier's ratio, so the faster copy expires strictly before the
// authoritative one.
func (tc *Tiered) Get(ctx context.Context, key string) (types.Entry, bool) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return types.Entry{}, false
	}

	for i, tier := range tc.tiers {
		start := time.Now()
		entry, found := tier.Store.Get(ctx, key)
		tc.metrics.Observe("get", tier.Store.Name(), found, time.Since(start))
		if !found {
			continue
		}

		remaining := entry.TTL(time.Now())
		for j := 0; j < i; j++ {
			faster := tc.tiers[j]
			ttl := time.Duration(float64(remaining) * faster.TTLRatio)
			if ttl <= 0 {
				continue
			}
			if !faster.Store.Set(ctx, key, entry.Value, SetOptions{
				TTL:   ttl,
				Tags:  entry.Tags,
				Codec: entry.Codec,
			}) {
				tc.logger.Warn("backfill rejected", "tier", faster.Store.Name(), "key", key)
			}
		}
		return entry, true
	}
	return types.Entry{}, false
}

// Set writes according to the configured policy. Under write-through the
// tiers are written concurrently and the result is the AND of the critical
// tiers; under write-around only the authoritative tier is written.
func (tc *Tiered) Set(ctx context.Context, key string, value []byte, opts SetOptions) bool {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return false
	}

	if tc.policy == WriteAround {
		return tc.setTier(ctx, len(tc.tiers)-1, key, value, opts)
	}

	results := make([]bool, len(tc.tiers))
	g, gctx := errgroup.WithContext(ctx)
	for i := range tc.tiers {
		i := i
		g.Go(func() error {
			results[i] = tc.setTier(gctx, i, key, value, opts)
			return nil
		})
	}
	_ = g.Wait()

	ok := true
	for i, tier := range tc.tiers {
		if tier.Critical && !results[i] {
			ok = false
		}
	}
	return ok
}

// Delete removes key from every tier.
func (tc *Tiered) Delete(ctx context.Context, key string) bool {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return false
	}

	any := false
	for _, tier := range tc.tiers {
		start := time.Now()
		ok := tier.Store.Delete(ctx, key)
		tc.metrics.Observe("delete", tier.Store.Name(), ok, time.Since(start))
		any = any || ok
	}
	return any
}

// Exists checks tiers fastest first.
func (tc *Tiered) Exists(ctx context.Context, key string) bool {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return false
	}
	for _, tier := range tc.tiers {
		if tier.Store.Exists(ctx, key) {
			return true
		}
	}
	return false
}

// Increment runs on the authoritative tier only; faster tiers drop their
// stale copies instead of double-counting.
func (tc *Tiered) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return 0, ErrCacheClosed
	}

	val, err := tc.Authoritative().Increment(ctx, key, delta, ttl)
	if err != nil {
		return 0, err
	}
	for _, tier := range tc.tiers[:len(tc.tiers)-1] {
		tier.Store.Delete(ctx, key)
	}
	return val, nil
}

// Touch resets the TTL in every tier holding the key.
func (tc *Tiered) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return false
	}

	any := false
	for i, tier := range tc.tiers {
		tierTTL := ttl
		if i < len(tc.tiers)-1 {
			tierTTL = time.Duration(float64(ttl) * tier.TTLRatio)
		}
		if tier.Store.Touch(ctx, key, tierTTL) {
			any = true
		}
	}
	return any
}

// Clear removes matching keys from every tier. The count reported is the
// largest per-tier count: tiers share the keyspace, so summing would
// double-count logical entries.
func (tc *Tiered) Clear(ctx context.Context, pattern string) int {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return 0
	}

	max := 0
	for _, tier := range tc.tiers {
		start := time.Now()
		n := tier.Store.Clear(ctx, pattern)
		tc.metrics.Observe("clear", tier.Store.Name(), n > 0, time.Since(start))
		if n > max {
			max = n
		}
	}
	return max
}

// InvalidateByTags removes tagged entries from every tier.
func (tc *Tiered) InvalidateByTags(ctx context.Context, tags []string) int {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return 0
	}

	max := 0
	for _, tier := range tc.tiers {
		start := time.Now()
		n := tier.Store.InvalidateByTags(ctx, tags)
		tc.metrics.Observe("invalidate_tags", tier.Store.Name(), n > 0, time.Since(start))
		if n > max {
			max = n
		}
	}
	return max
}

// Close closes every tier, returning the first error.
func (tc *Tiered) Close() error {
	if !atomic.CompareAndSwapInt32(&tc.closed, 0, 1) {
		return nil
	}

	var first error
	for _, tier := range tc.tiers {
		if err := tier.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (tc *Tiered) setTier(ctx context.Context, i int, key string, value []byte, opts SetOptions) bool {
	tier := tc.tiers[i]

	tierOpts := opts
	if i < len(tc.tiers)-1 && opts.TTL > 0 {
		tierOpts.TTL = time.Duration(float64(opts.TTL) * tier.TTLRatio)
	}

	start := time.Now()
	ok := tier.Store.Set(ctx, key, value, tierOpts)
	tc.metrics.Observe("set", tier.Store.Name(), ok, time.Since(start))
	if !ok {
		tc.logger.Warn("tier write failed", "tier", tier.Store.Name(), "key", key)
	}
	return ok
}

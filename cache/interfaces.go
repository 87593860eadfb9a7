package cache

import (
	"context"
	"time"

	"github.com/quanvm/tiercache/types"
)

// Logger defines the interface for logging in the cache subsystem.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// MetricsSink receives one sample per physical tier access. Implementations
// must be safe for concurrent use; the built-in default is a no-op.
type MetricsSink interface {
	Observe(op, tier string, hit bool, duration time.Duration)
}

// SetOptions carries the optional parts of a Store.Set call.
type SetOptions struct {
	// TTL is the entry lifetime. Zero means the store's default TTL; a
	// missing TTL is never stored as "forever".
	TTL time.Duration

	// Tags label the entry for bulk invalidation.
	Tags []string

	// Codec records which codec produced the value bytes.
	Codec string
}

// Store is the contract every tier implements: the in-process stores, the
// Redis-backed remote store, and the coordinator wrapper all expose the
// same surface so the tiered cache can fan out uniformly.
//
// Stores never propagate transport errors: a failed operation reports
// false/absent/zero and the caller's next natural access retries.
type Store interface {
	// Name identifies the tier in logs and metrics samples.
	Name() string

	// Get returns the live entry for key. Expired entries are purged
	// lazily and reported as absent.
	Get(ctx context.Context, key string) (types.Entry, bool)

	// Set stores value under key. Reports whether the write was admitted.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) bool

	// Delete removes key. Reports whether a live entry was removed.
	Delete(ctx context.Context, key string) bool

	// Exists reports whether key resolves to a live entry.
	Exists(ctx context.Context, key string) bool

	// Increment atomically adds delta to the numeric value stored under
	// key, creating it when absent. The TTL applies only on creation; an
	// increment on an existing key must not reset its expiry. Returns
	// ErrNotNumeric when the stored value is not an integer.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Touch resets the TTL of a live entry. Reports whether key existed.
	Touch(ctx context.Context, key string, ttl time.Duration) bool

	// Clear removes every key matching the glob pattern ("*" wildcard,
	// empty pattern means everything) and returns the number removed.
	Clear(ctx context.Context, pattern string) int

	// InvalidateByTags removes every entry carrying at least one of the
	// given tags and returns the number removed.
	InvalidateByTags(ctx context.Context, tags []string) int

	// Close releases the store's resources.
	Close() error
}

// Broadcaster publishes an invalidation to every other node. Implemented
// by the coordinator; a nil Broadcaster means single-node operation.
type Broadcaster interface {
	// PublishInvalidation announces op with its payload on the
	// coordination channel. Best-effort: publish failures degrade peers
	// to TTL-bounded staleness, they never fail the local operation.
	PublishInvalidation(ctx context.Context, op types.Op, payload string) error
}

// CodecRegistry encodes values to bytes and back, reporting which codec
// produced an encoding so decode never has to probe the format.
type CodecRegistry interface {
	// Encode serializes v and returns the payload plus the codec id.
	Encode(v any) ([]byte, string, error)

	// EncodeWith serializes v with the named codec.
	EncodeWith(codecID string, v any) ([]byte, error)

	// Decode deserializes data produced by the codec named codecID into v.
	Decode(data []byte, codecID string, v any) error
}

// Sweeper is implemented by stores that run a periodic expiry sweep.
// Sweep runs one pass synchronously; tests use it instead of waiting on
// the background interval.
type Sweeper interface {
	Sweep()
}

// StoreFactory creates local store instances. The factory indirection lets
// callers swap the FIFO store for the LRU or LFU variants without touching
// the tiered cache.
type StoreFactory interface {
	// Create creates a new store instance.
	Create() (Store, error)
}

// InvalidationEvent is an alias for types.InvalidationEvent.
type InvalidationEvent = types.InvalidationEvent

// Op is an alias for types.Op.
type Op = types.Op

// Operations forwarded to the coordination channel.
const (
	OpSet                 = types.OpSet
	OpDelete              = types.OpDelete
	OpClearPattern        = types.OpClearPattern
	OpInvalidateTags      = types.OpInvalidateTags
	OpInvalidateNamespace = types.OpInvalidateNamespace
)

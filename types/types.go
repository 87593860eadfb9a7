package types

import "time"

// Op identifies the kind of mutation carried by an InvalidationEvent.
type Op string

// Operations broadcast on the coordination channel.
const (
	OpSet                 Op = "set"
	OpDelete              Op = "delete"
	OpClearPattern        Op = "clear_pattern"
	OpInvalidateTags      Op = "invalidate_tags"
	OpInvalidateNamespace Op = "invalidate_namespace"
)

// InvalidationEvent is the wire message published on the coordination
// channel when a node mutates the shared cache. Every other subscribed node
// applies the same mutation against its local tier; the originating node
// filters out its own events by comparing Origin.
//
// Payload depends on Op: a key for OpSet/OpDelete, a glob pattern for
// OpClearPattern, a JSON-encoded tag array for OpInvalidateTags, a
// namespace for OpInvalidateNamespace.
type InvalidationEvent struct {
	Op        Op     `json:"op"`
	Payload   string `json:"payload"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"ts"`
}

// Entry is a single cached record as seen by every tier. Value is opaque,
// pre-serialized bytes; Codec records which codec produced it so decoding
// never has to probe formats.
type Entry struct {
	Value     []byte
	Codec     string
	Tags      []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is logically absent at the given time.
// ExpiresAt is always set by the store that admitted the entry.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// TTL returns the remaining lifetime of the entry at the given time.
// Returns 0 for an expired entry.
func (e Entry) TTL(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Metadata is the sidecar record stored next to each remote entry. It
// carries everything needed to rebuild the Entry on read, and expires
// together with the value.
type Metadata struct {
	Codec     string   `json:"codec"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

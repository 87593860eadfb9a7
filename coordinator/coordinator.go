// Package coordinator provides the cross-node pieces of the cache:
// distributed lock leases over Redis and pub/sub invalidation fan-out.
// Every operation degrades to a reported failure when Redis is
// unreachable; callers treat the coordinator as optional infrastructure.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/types"
)

// LocalApplier re-applies a peer's invalidation against the local tier.
// The remote tier is already consistent because all nodes share it.
type LocalApplier interface {
	Delete(ctx context.Context, key string) bool
	Clear(ctx context.Context, pattern string) int
	InvalidateByTags(ctx context.Context, tags []string) int
}

// VersionDropper discards a cached namespace version so the next access
// reloads it from the shared store.
type VersionDropper interface {
	DropNamespaceVersion(namespace string)
}

// Config configures a Coordinator.
type Config struct {
	// Channel is the pub/sub channel invalidation events travel on.
	Channel string

	// Namespace prefixes lock keys as `{namespace}:lock:{key}`.
	Namespace string

	// LockLease is the default lease duration for locks acquired without
	// an explicit one. A lease that outlives its holder is reclaimed
	// automatically.
	LockLease time.Duration

	// RetryInterval is the poll interval for AcquireLockWait.
	RetryInterval time.Duration

	// Logger is the coordinator logger. Defaults to no-op.
	Logger cache.Logger
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Channel:       "cache:invalidate",
		Namespace:     "cache",
		LockLease:     30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// lockHandle tracks a lease this node currently holds.
type lockHandle struct {
	mutex *redsync.Mutex
	token string
}

// Coordinator owns lock/lease state and the pub/sub subscription
// lifecycle for one node. Locks are leases: acquisition is a single
// atomic set-if-absent with expiry, release is compare-and-delete on the
// token, and an unreleased lease is reclaimable after it expires.
//
// The listener runs as one long-lived goroutine per process. It drops
// events this node published itself and applies everything else to the
// local tier only.
type Coordinator struct {
	client  *redis.Client
	rs      *redsync.Redsync
	nodeID  string
	channel string
	nsLock  string
	lease   time.Duration
	retry   time.Duration
	logger  cache.Logger

	applier  LocalApplier
	versions VersionDropper
	remote   cache.Store

	mu    sync.Mutex
	locks map[string]*lockHandle

	pubsub *redis.PubSub
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator over an existing Redis client. The client is
// shared with the remote store; the coordinator never closes it.
func New(client *redis.Client, cfg Config) (*Coordinator, error) {
	if client == nil {
		return nil, cache.ErrInvalidConfig
	}
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = def.LockLease
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	return &Coordinator{
		client:  client,
		rs:      redsync.New(goredis.NewPool(client)),
		nodeID:  uuid.NewString(),
		channel: cfg.Channel,
		nsLock:  cfg.Namespace,
		lease:   cfg.LockLease,
		retry:   cfg.RetryInterval,
		logger:  cfg.Logger,
		locks:   make(map[string]*lockHandle),
		done:    make(chan struct{}),
	}, nil
}

// NodeID returns this node's identity, the origin tag on published events.
func (c *Coordinator) NodeID() string { return c.nodeID }

// SetApplier wires the local tier the listener replays events into.
func (c *Coordinator) SetApplier(applier LocalApplier) { c.applier = applier }

// SetVersionDropper wires the facade's namespace-version cache.
func (c *Coordinator) SetVersionDropper(vd VersionDropper) { c.versions = vd }

// SetRemote wires the shared store the coordinator's own invalidation
// calls apply to before publishing.
func (c *Coordinator) SetRemote(remote cache.Store) { c.remote = remote }

// AcquireLock tries to take the lease for key exactly once. On success it
// returns the token release requires; when the lock is held elsewhere it
// fails fast with ErrLockUnavailable.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, lease time.Duration) (string, error) {
	if lease <= 0 {
		lease = c.lease
	}

	token := c.nodeID + ":" + uuid.NewString()
	mutex := c.rs.NewMutex(c.lockKey(key),
		redsync.WithExpiry(lease),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return "", ErrLockUnavailable
	}

	c.mu.Lock()
	c.locks[c.lockKey(key)] = &lockHandle{mutex: mutex, token: token}
	c.mu.Unlock()
	return token, nil
}

// AcquireLockWait retries acquisition until it succeeds or the context is
// done. Callers bound the wait with a context deadline.
func (c *Coordinator) AcquireLockWait(ctx context.Context, key string, lease time.Duration) (string, error) {
	ticker := time.NewTicker(c.retry)
	defer ticker.Stop()

	for {
		token, err := c.AcquireLock(ctx, key, lease)
		if err == nil {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ErrLockUnavailable
		case <-ticker.C:
		}
	}
}

// ReleaseLock releases the lease for key only when token matches the one
// acquisition returned. A mismatch, or a lease that already expired and
// was re-acquired elsewhere, reports ErrNotHeld.
func (c *Coordinator) ReleaseLock(ctx context.Context, key, token string) error {
	full := c.lockKey(key)

	c.mu.Lock()
	handle, ok := c.locks[full]
	if ok && handle.token == token {
		delete(c.locks, full)
	}
	c.mu.Unlock()

	if !ok || handle.token != token {
		return ErrNotHeld
	}

	released, err := handle.mutex.UnlockContext(ctx)
	if err != nil || !released {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding the lease for key. The lease is released
// afterwards even when fn fails; fn must finish before the lease expires.
func (c *Coordinator) WithLock(ctx context.Context, key string, lease time.Duration, fn func() error) error {
	token, err := c.AcquireLock(ctx, key, lease)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.ReleaseLock(ctx, key, token); rerr != nil {
			c.logger.Warn("lock release failed", "key", key, "error", rerr)
		}
	}()
	return fn()
}

// PublishInvalidation announces an operation on the coordination channel,
// tagged with this node's id so the local listener can discard it.
func (c *Coordinator) PublishInvalidation(ctx context.Context, op types.Op, payload string) error {
	event := types.InvalidationEvent{
		Op:        op,
		Payload:   payload,
		Origin:    c.nodeID,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channel, data).Err()
}

// Delete removes key from the shared store, then tells every other node
// to drop its local copy.
func (c *Coordinator) Delete(ctx context.Context, key string) bool {
	ok := false
	if c.remote != nil {
		ok = c.remote.Delete(ctx, key)
	}
	if err := c.PublishInvalidation(ctx, types.OpDelete, key); err != nil {
		c.logger.Warn("delete publish failed", "key", key, "error", err)
	}
	return ok
}

// Clear sweeps the shared store by pattern, then broadcasts the sweep.
func (c *Coordinator) Clear(ctx context.Context, pattern string) int {
	n := 0
	if c.remote != nil {
		n = c.remote.Clear(ctx, pattern)
	}
	if err := c.PublishInvalidation(ctx, types.OpClearPattern, pattern); err != nil {
		c.logger.Warn("clear publish failed", "pattern", pattern, "error", err)
	}
	return n
}

// InvalidateByTags removes tagged entries from the shared store, then
// broadcasts the tag list.
func (c *Coordinator) InvalidateByTags(ctx context.Context, tags []string) int {
	n := 0
	if c.remote != nil {
		n = c.remote.InvalidateByTags(ctx, tags)
	}
	payload, err := json.Marshal(tags)
	if err == nil {
		err = c.PublishInvalidation(ctx, types.OpInvalidateTags, string(payload))
	}
	if err != nil {
		c.logger.Warn("tag invalidation publish failed", "tags", tags, "error", err)
	}
	return n
}

// StartListener subscribes to the coordination channel and starts the
// listener goroutine. Call once at process startup.
func (c *Coordinator) StartListener(ctx context.Context) error {
	c.pubsub = c.client.Subscribe(ctx, c.channel)

	// Force the subscription onto the wire before reporting started.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		c.pubsub = nil
		return err
	}

	c.wg.Add(1)
	go c.listen()
	return nil
}

// StopListener stops the listener and waits for the in-flight event to
// finish. Safe to call more than once.
func (c *Coordinator) StopListener() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	var err error
	if c.pubsub != nil {
		err = c.pubsub.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Coordinator) listen() {
	defer c.wg.Done()

	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event types.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.logger.Warn("malformed invalidation event", "error", err)
				continue
			}
			if event.Origin == c.nodeID {
				continue
			}
			c.apply(event)
		}
	}
}

// apply replays a peer's mutation against the local tier.
func (c *Coordinator) apply(event types.InvalidationEvent) {
	ctx := context.Background()

	switch event.Op {
	case types.OpSet, types.OpDelete:
		// A peer's write also drops our stale local copy.
		if c.applier != nil {
			c.applier.Delete(ctx, event.Payload)
		}
	case types.OpClearPattern:
		if c.applier != nil {
			c.applier.Clear(ctx, event.Payload)
		}
	case types.OpInvalidateTags:
		var tags []string
		if err := json.Unmarshal([]byte(event.Payload), &tags); err != nil {
			c.logger.Warn("malformed tag payload", "error", err)
			return
		}
		if c.applier != nil {
			c.applier.InvalidateByTags(ctx, tags)
		}
	case types.OpInvalidateNamespace:
		if c.versions != nil {
			c.versions.DropNamespaceVersion(event.Payload)
		}
	default:
		c.logger.Debug("ignoring unknown op", "op", event.Op)
	}
}

func (c *Coordinator) lockKey(key string) string {
	return c.nsLock + ":lock:" + key
}

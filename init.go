// Package tiercache is a multi-tier cache: a fast in-process tier, an
// optional shared in-process tier, and a Redis-backed distributed tier,
// kept coherent across nodes with pub/sub invalidation and lock leases.
package tiercache

import (
	"context"
	"time"

	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/coordinator"
	"github.com/quanvm/tiercache/invalidation"
	"github.com/quanvm/tiercache/storage"
)

// Config configures a cache client.
type Config struct {
	// RedisAddr is the Redis server address (e.g. "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// KeyPrefix is prepended to every key on the remote store.
	KeyPrefix string

	// DefaultTTL is applied to writes without an explicit TTL.
	DefaultTTL time.Duration

	// TierTTLRatio scales the TTL for the faster tiers so their entries
	// expire strictly before the authoritative copy. Must be below 1.
	TierTTLRatio float64

	// LocalMaxSize bounds the local tier's entry count.
	LocalMaxSize int

	// SweepInterval is the local tier's expiry sweep interval.
	SweepInterval time.Duration

	// LocalStoreFactory overrides the local tier implementation. Nil
	// uses the FIFO memory store.
	LocalStoreFactory cache.StoreFactory

	// EnableSharedTier inserts the frequency-based shared tier between
	// the local and remote tiers.
	EnableSharedTier bool

	// SharedMaxCost bounds the shared tier's memory in bytes.
	SharedMaxCost int64

	// WriteAround writes only to the remote tier and lets reads
	// backfill the faster tiers. Default is write-through.
	WriteAround bool

	// InvalidationChannel is the pub/sub channel for cross-node
	// invalidation events.
	InvalidationChannel string

	// LockLease is the default lease duration for distributed locks.
	LockLease time.Duration

	// DisableListener skips the pub/sub subscription, for single-node
	// deployments.
	DisableListener bool

	// EventQueueSize is the invalidation event bus capacity.
	EventQueueSize int

	// Logger is used by every component. Defaults to no-op.
	Logger cache.Logger

	// Metrics receives one sample per physical tier access.
	Metrics cache.MetricsSink
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:           "localhost:6379",
		KeyPrefix:           "cache:",
		DefaultTTL:          time.Hour,
		TierTTLRatio:        0.5,
		LocalMaxSize:        10000,
		SweepInterval:       time.Minute,
		InvalidationChannel: "cache:invalidate",
		LockLease:           30 * time.Second,
		EventQueueSize:      256,
	}
}

// Client bundles the wired cache components for one process.
type Client struct {
	// Cache is the facade business code calls.
	Cache *cache.Manager

	// Coordinator exposes distributed locks and direct invalidation
	// broadcast.
	Coordinator *coordinator.Coordinator

	// Invalidation manages time/event/query invalidation strategies.
	Invalidation *invalidation.Manager

	// Events is the process-wide bus event strategies listen on.
	Events *invalidation.Bus

	tiered *cache.Tiered
}

// New connects to Redis and wires the full stack: remote store,
// coordinator, tiers, facade, and invalidation manager. The pub/sub
// listener is started unless disabled.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = def.RedisAddr
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.TierTTLRatio <= 0 || cfg.TierTTLRatio >= 1 {
		cfg.TierTTLRatio = def.TierTTLRatio
	}
	if cfg.LocalMaxSize <= 0 {
		cfg.LocalMaxSize = def.LocalMaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	remote, err := storage.NewRedisStore(storage.RedisStoreConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		KeyPrefix:  cfg.KeyPrefix,
		DefaultTTL: cfg.DefaultTTL,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	factory := cfg.LocalStoreFactory
	if factory == nil {
		memCfg := cache.DefaultMemoryStoreConfig()
		memCfg.MaxSize = cfg.LocalMaxSize
		memCfg.DefaultTTL = cfg.DefaultTTL
		memCfg.SweepInterval = cfg.SweepInterval
		memCfg.Logger = cfg.Logger
		factory = cache.NewMemoryStoreFactory(memCfg)
	}
	local, err := factory.Create()
	if err != nil {
		remote.Close()
		return nil, err
	}

	// The coordinator comes first so later components can be injected
	// into it without a construction cycle.
	coord, err := coordinator.New(remote.Client(), coordinator.Config{
		Channel:   cfg.InvalidationChannel,
		LockLease: cfg.LockLease,
		Logger:    cfg.Logger,
	})
	if err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}
	coord.SetRemote(remote)
	coord.SetApplier(local)

	tiers := []cache.Tier{
		{Store: local, TTLRatio: cfg.TierTTLRatio},
	}
	if cfg.EnableSharedTier {
		sharedCfg := cache.DefaultLFUStoreConfig()
		if cfg.SharedMaxCost > 0 {
			sharedCfg.MaxCost = cfg.SharedMaxCost
		}
		sharedCfg.DefaultTTL = cfg.DefaultTTL
		shared, err := cache.NewLFUStore(sharedCfg)
		if err != nil {
			local.Close()
			remote.Close()
			return nil, err
		}
		tiers = append(tiers, cache.Tier{Store: shared, TTLRatio: cfg.TierTTLRatio})
	}
	tiers = append(tiers, cache.Tier{Store: remote, Critical: true})

	policy := cache.WriteThrough
	if cfg.WriteAround {
		policy = cache.WriteAround
	}
	tiered, err := cache.NewTiered(tiers, cache.TieredOptions{
		Policy:  policy,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		for _, t := range tiers {
			t.Store.Close()
		}
		return nil, err
	}

	mgr, err := cache.NewManager(tiered, cache.ManagerConfig{
		DefaultTTL:  cfg.DefaultTTL,
		Codecs:      storage.NewRegistry(),
		Broadcaster: coord,
		Logger:      cfg.Logger,
	})
	if err != nil {
		tiered.Close()
		return nil, err
	}
	coord.SetVersionDropper(mgr)

	if !cfg.DisableListener {
		if err := coord.StartListener(context.Background()); err != nil {
			tiered.Close()
			return nil, err
		}
	}

	bus := invalidation.NewBus(cfg.EventQueueSize, cfg.Logger)
	bus.Start()

	return &Client{
		Cache:        mgr,
		Coordinator:  coord,
		Invalidation: invalidation.NewManager(mgr, cfg.Logger),
		Events:       bus,
		tiered:       tiered,
	}, nil
}

// Close stops the invalidation strategies, the event bus, and the
// listener, then closes every tier.
func (c *Client) Close() error {
	c.Invalidation.Stop()
	c.Events.Stop()
	if err := c.Coordinator.StopListener(); err != nil {
		return err
	}
	return c.tiered.Close()
}

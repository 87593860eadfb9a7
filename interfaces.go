package tiercache

import (
	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/invalidation"
	"github.com/quanvm/tiercache/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// MetricsSink is an alias for cache.MetricsSink.
type MetricsSink = cache.MetricsSink

// Store is an alias for cache.Store.
type Store = cache.Store

// StoreFactory is an alias for cache.StoreFactory.
type StoreFactory = cache.StoreFactory

// SetOptions is an alias for cache.SetOptions.
type SetOptions = cache.SetOptions

// Entry is an alias for types.Entry.
type Entry = types.Entry

// InvalidationEvent is an alias for types.InvalidationEvent.
type InvalidationEvent = types.InvalidationEvent

// Rule is an alias for invalidation.Rule.
type Rule = invalidation.Rule

// Strategy is an alias for invalidation.Strategy.
type Strategy = invalidation.Strategy

// NewConsoleLogger returns a logger writing to standard output.
func NewConsoleLogger(prefix string) Logger {
	return cache.NewConsoleLogger(prefix)
}

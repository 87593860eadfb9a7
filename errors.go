package tiercache

import (
	"github.com/quanvm/tiercache/cache"
	"github.com/quanvm/tiercache/coordinator"
)

// ErrNotNumeric is returned when incrementing a non-numeric value.
var ErrNotNumeric = cache.ErrNotNumeric

// ErrCacheClosed is returned when operating on a closed cache.
var ErrCacheClosed = cache.ErrCacheClosed

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig

// ErrSerialization is returned when a value cannot be encoded or decoded.
var ErrSerialization = cache.ErrSerialization

// ErrLockUnavailable is returned when a distributed lock is already held
// elsewhere. It is the one failure callers are expected to branch on.
var ErrLockUnavailable = coordinator.ErrLockUnavailable

// ErrLockNotHeld is returned when releasing a lock this node does not
// hold, including leases that expired and were re-acquired elsewhere.
var ErrLockNotHeld = coordinator.ErrNotHeld

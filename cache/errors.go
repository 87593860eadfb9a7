package cache

import "errors"

// ErrNotNumeric is returned by Increment when the stored value is not an
// integer. Increments never silently overwrite a non-numeric value.
var ErrNotNumeric = errors.New("stored value is not numeric")

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = errors.New("cache is closed")

// ErrInvalidConfig is returned when the cache configuration is invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// ErrSerialization is returned when a value cannot be encoded or decoded.
// A failed encode surfaces as a failed Set, a failed decode as a miss;
// neither silently corrupts stored data.
var ErrSerialization = errors.New("serialization failed")

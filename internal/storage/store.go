package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// ErrWrongType is returned when an operation targets a key holding another kind of value.
var ErrWrongType = errors.New("storage: operation against a key holding the wrong kind of value")

// Store is the Atomic Store: a key/value + list + counter + sorted-set store
// with per-key TTL. Every method must be atomic with respect to concurrent
// callers in any process sharing the backend.
type Store interface {
	// Get returns the string value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// MGet reads several keys in one round trip. Missing keys yield "".
	MGet(ctx context.Context, keys ...string) ([]string, error)
	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically increments the counter at key. When the counter is
	// created by this call its expiry is set to ttl. Returns the new value and
	// the remaining time to live.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)

	// LPushTrim prepends value and trims the list to its newest maxLen entries.
	LPushTrim(ctx context.Context, key, value string, maxLen int64) error
	// LRange follows Redis LRANGE index semantics (inclusive, negative from the end).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRangeByScore returns members with score >= min in ascending score order.
	// limit <= 0 means unlimited.
	ZRangeByScore(ctx context.Context, key string, min float64, limit int64) ([]string, error)
	// ZCount returns the number of members with score >= min.
	ZCount(ctx context.Context, key string, min float64) (int64, error)
	// ZRemBelow removes members with score < max and returns how many were removed.
	ZRemBelow(ctx context.Context, key string, max float64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Maintainer is implemented by backends that need housekeeping because the
// backend itself does not reclaim expired keys.
type Maintainer interface {
	PruneExpired(ctx context.Context) (int, error)
	SizeBytes() (int64, error)
}

// ListBounds converts Redis-style inclusive start/stop indexes into a
// half-open [lo, hi) slice range for a list of length n. ok is false when the
// range is empty.
func ListBounds(n int, start, stop int64) (lo, hi int, ok bool) {
	length := int64(n)
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if length == 0 || start > stop || start >= length {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

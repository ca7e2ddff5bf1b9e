// Package store defines the shared key-value store contract phonon's core
// is built against, plus a Redis-backed implementation and an in-process
// implementation for tests.
//
// The interface intentionally exposes only the primitives spec.md's
// EXTERNAL INTERFACES keyspace table needs: hash-of-timestamps (heartbeat,
// nodelist, registry), scalar counters with TTL (times_modified, refcount),
// compare-and-delete (lock release), and hash-field increments
// (ConflictFreeUpdate caching). It is not a general Redis client facade.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the shared key-value store contract. github.com/redis/go-redis/v9
// backs Redis in production (see Redis in this package); Memory backs tests.
type Store interface {
	// Get returns the string stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set unconditionally stores value at key.
	Set(ctx context.Context, key, value string) error
	// SetNX stores value at key only if key is absent, arming ttl on
	// success. Returns whether the value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key iff its current value equals expected,
	// atomically. This backs Lock.Release's owner-token check.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Delete removes zero or more keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Expire arms or re-arms a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr/IncrBy/IncrByFloat implement the conflict-free counter
	// primitives spec.md 4.6 requires (plain integer/float keys, not
	// hash fields — used by the refcount key).
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Hash operations back the heartbeat table, per-connection registry,
	// per-resource nodelist, and ConflictFreeUpdate per-field counters.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)
}

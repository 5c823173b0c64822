// Package kv is a thin capability interface over the shared key-value
// store. All distributed state (rate counters, history rings, caches,
// audit trails) flows through it.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable reports a connection, timeout or protocol failure
	// talking to the store. Callers choose fail-open or fail-closed.
	ErrUnavailable = errors.New("kv: store unavailable")

	// ErrNotFound reports an absent key or hash field.
	ErrNotFound = errors.New("kv: not found")

	// ErrWrongType reports an operation against a key holding a
	// different data type.
	ErrWrongType = errors.New("kv: wrong type")
)

// TTL replies use the adapter convention, not the raw store reply:
// nonnegative seconds for expiring keys, TTLAbsent for missing keys and
// TTLNoExpiry for keys without expiration. Tests assert this form.
const (
	TTLAbsent   int64 = -1
	TTLNoExpiry int64 = -2
)

// Result is one pipelined command reply, in queue order. Val carries
// integer replies (Incr, Decr, RPush, HIncrBy), OK carries boolean and
// status replies (Expire, LTrim).
type Result struct {
	Val int64
	OK  bool
	Err error
}

// Pipeline queues commands for a single atomic round trip. Exec applies
// the queue in order and returns one Result per command. A transport
// failure surfaces as ErrUnavailable and no Results.
type Pipeline interface {
	Incr(key string)
	Decr(key string)
	Expire(key string, ttl time.Duration)
	RPush(key string, value []byte)
	LTrim(key string, start, stop int64)
	HIncrBy(key, field string, delta int64)
	Exec(ctx context.Context) ([]Result, error)
}

// Store is the full capability surface. Operations are synchronous from
// the caller's view; implementations must honor context cancellation.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value at key. A zero ttl means no expiry. The boolean
	// normalizes the store's status reply: true on success.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Incr atomically increments the counter at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the counter at key.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets a ttl on key; false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns remaining seconds, TTLAbsent, or TTLNoExpiry.
	TTL(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	LPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	// LRange returns elements from start to stop inclusive; negative
	// indices count from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Keys lists keys matching pattern. Admin paths only; implemented
	// as an iterative scan, never a blocking KEYS call.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Pipeline starts an atomic batch.
	Pipeline() Pipeline

	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error
}

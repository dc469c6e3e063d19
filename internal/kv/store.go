// Package kv defines the narrow keyed-store contract shared by the dedup cache,
// rate limiter, sender lock, window tracker and session records.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is the shared atomic store. Implementations must make Incr,
// SetIfAbsent, CompareAndSwap and DeleteIfValue atomic across processes.
type Store interface {
	// Incr increments the counter at key. The expiry is attached only when the
	// counter is created, and is never extended by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)
	// SetIfAbsent stores value only if key is absent or expired.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Set stores value unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// CompareAndSwap replaces the value at key only if it currently equals old.
	// An empty old means the key must be absent.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfValue deletes key only if it currently holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}

// Key joins parts into a store key, e.g. Key("rate", "auth", "+1555") = "rate#auth#+1555".
func Key(parts ...string) string {
	return strings.Join(parts, "#")
}

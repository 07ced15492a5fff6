package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by read-modify-write helpers when the key is gone.
var ErrNotFound = errors.New("store: key not found")

// ErrNotCounter is returned when Increment hits a key that holds a non-numeric value.
var ErrNotCounter = errors.New("store: value is not a counter")

// Store is the shared key-value capability behind every piece of cross-request state
// (rate buckets, replay caches, fingerprint records, block lists). All methods must be
// atomic with respect to concurrent callers on the same key.
type Store interface {
	// Increment adds one to key, creating it with the given ttl on first use.
	// It returns the new count and the time left before the key expires.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// PutIfAbsent stores value only if key does not exist and reports whether it did.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only if it currently equals expected.
	// A zero ttl keeps the existing expiry.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// WithTimeout bounds a single store call.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

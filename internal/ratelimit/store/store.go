// Package store provides storage backends for token bucket state.
package store

import (
	"context"
	"errors"
	"time"
)

// Bucket is the persisted state of one client's token bucket.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// Store holds bucket state per key with a time-to-live. An expired key
// behaves exactly like a key that was never set.
type Store interface {
	// Get returns the bucket for key, or an *ErrKeyNotFound.
	Get(ctx context.Context, key string) (Bucket, error)

	// Set stores the bucket for key; it expires after ttl.
	Set(ctx context.Context, key string, bucket Bucket, ttl time.Duration) error

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// TokenTaker is implemented by stores that can run the whole
// refill-and-consume step atomically on their side. Shared stores
// implement it so that instances never interleave on one key.
type TokenTaker interface {
	TakeToken(ctx context.Context, key string, req TakeRequest) (Bucket, bool, error)
}

// TakeRequest carries the bucket parameters for one TakeToken call.
type TakeRequest struct {
	Capacity float64
	Rate     float64
	Now      time.Time
	TTL      time.Duration
}

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")

// ErrKeyNotFound is returned when a key is absent or expired.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var target *ErrKeyNotFound
	return errors.As(err, &target)
}

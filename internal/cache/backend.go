// Package cache provides the key/value backends used for transient results
// and durable client state.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("cache: backend closed")

// CacheBackend is a byte-oriented key/value store with per-entry expiry.
// A zero TTL stores the value without expiry. Get reports a missing or
// expired key as found=false with a nil error.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// GetMultiple returns only the keys that were found.
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	Close() error
}

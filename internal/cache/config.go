package cache

import (
	"log/slog"
	"time"
)

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	ResultTTL          time.Duration
	SessionSnapshotTTL time.Duration
	ProfileTTL         time.Duration
	MediaProbeTTL      time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ResultTTL:          1 * time.Minute,
		SessionSnapshotTTL: 7 * 24 * time.Hour,
		ProfileTTL:         1 * time.Hour,
		MediaProbeTTL:      30 * time.Minute,
	}
}

// Options selects and configures a backend for Open.
type Options struct {
	RedisURL   string
	PebblePath string
	Prefix     string
	MaxEntries int
}

// Open picks a backend: redis when a URL is configured, then pebble when a
// path is configured, then memory. A backend that fails to open falls
// through to the next one.
func Open(opts Options) (CacheBackend, string) {
	if opts.RedisURL != "" {
		slog.Info("initializing Redis cache")
		rc, err := NewRedisCache(opts.RedisURL, opts.Prefix)
		if err == nil {
			return rc, "redis"
		}
		slog.Warn("Redis connection failed, trying next backend", "error", err)
	}
	if opts.PebblePath != "" {
		slog.Info("opening pebble store", "path", opts.PebblePath)
		pc, err := NewPebbleCache(opts.PebblePath)
		if err == nil {
			return pc, "pebble"
		}
		slog.Warn("pebble open failed, using memory cache", "error", err)
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	slog.Info("initializing in-memory cache")
	return NewMemoryCache(maxEntries, 2*time.Minute), "memory"
}

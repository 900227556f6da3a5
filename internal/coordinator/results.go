package coordinator

import (
	"sort"
	"sync"
	"time"

	"relayreel/internal/metrics"
	"relayreel/internal/types"
)

// ResultCache holds recent query results in memory, keyed by filter key.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]resultEntry
	maxSize int
	ttl     time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

type resultEntry struct {
	events    []types.Event
	expiresAt time.Time
}

// NewResultCache creates a cache of at most maxSize results, each kept for ttl.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	c := &ResultCache{
		entries: make(map[string]resultEntry),
		maxSize: maxSize,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns a copy of a fresh result.
func (c *ResultCache) Get(key string) ([]types.Event, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		metrics.ResultCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ResultCache.WithLabelValues("hit").Inc()
	return append([]types.Event(nil), entry.events...), true
}

// Set stores a copy of events under key.
func (c *ResultCache) Set(key string, events []types.Event) {
	stored := append([]types.Event(nil), events...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = resultEntry{events: stored, expiresAt: time.Now().Add(c.ttl)}
}

// Delete drops key.
func (c *ResultCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len is the number of stored results, fresh or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine.
func (c *ResultCache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

// evictOldest removes the tenth of entries expiring soonest. Caller holds mu.
func (c *ResultCache) evictOldest() {
	toRemove := c.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].expiresAt.Before(c.entries[keys[j]].expiresAt)
	})
	for i := 0; i < toRemove && i < len(keys); i++ {
		delete(c.entries, keys[i])
	}
}

func (c *ResultCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

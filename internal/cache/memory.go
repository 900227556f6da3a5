package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCache is a process-local CacheBackend. It is bounded by maxSize,
// enforced by a periodic sweep rather than on every write.
type MemoryCache struct {
	data            sync.Map
	maxSize         int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryCacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func newEntry(value []byte, ttl time.Duration) *memoryCacheEntry {
	entry := &memoryCacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	return entry
}

func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	mc := &MemoryCache{
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go mc.cleanupLoop()
	return mc
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(*memoryCacheEntry)
	if entry.expired(time.Now()) {
		m.data.Delete(key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, newEntry(value, ttl))
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok, _ := m.Get(ctx, key); ok {
			found[key] = v
		}
	}
	return found, nil
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		m.Set(ctx, key, value, ttl)
	}
	return nil
}

func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops expired entries, then trims expiring entries soonest-first
// until the cache fits maxSize. Entries without expiry are never evicted.
func (m *MemoryCache) cleanup() {
	now := time.Now()
	type candidate struct {
		key       string
		expiresAt time.Time
	}
	var evictable []candidate
	total := 0

	m.data.Range(func(key, value interface{}) bool {
		k := key.(string)
		entry := value.(*memoryCacheEntry)
		if entry.expired(now) {
			m.data.Delete(k)
			return true
		}
		total++
		if !entry.expiresAt.IsZero() {
			evictable = append(evictable, candidate{k, entry.expiresAt})
		}
		return true
	})

	if total <= m.maxSize {
		return
	}
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].expiresAt.Before(evictable[j].expiresAt)
	})
	toRemove := total - m.maxSize
	for i := 0; i < toRemove && i < len(evictable); i++ {
		m.data.Delete(evictable[i].key)
	}
}

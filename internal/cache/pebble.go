package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleCache implements CacheBackend on an embedded pebble database.
// Writes are synced so values survive a process crash.
//
// Each value is stored as an 8-byte big-endian expiry (unix nanos, 0 for none)
// followed by the payload. Expired values are removed lazily on read.
type PebbleCache struct {
	mu sync.RWMutex
	db *pebble.DB
}

// NewPebbleCache opens (or creates) a pebble database at path.
func NewPebbleCache(path string) (*PebbleCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleCache{db: db}, nil
}

func encodeValue(value []byte, ttl time.Duration) []byte {
	out := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out[:8], uint64(time.Now().Add(ttl).UnixNano()))
	}
	copy(out[8:], value)
	return out
}

// decodeValue returns the payload and whether it is still live.
func decodeValue(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	exp := int64(binary.BigEndian.Uint64(raw[:8]))
	if exp != 0 && now.UnixNano() > exp {
		return nil, false
	}
	out := make([]byte, len(raw)-8)
	copy(out, raw[8:])
	return out, true
}

func (p *PebbleCache) handle() (*pebble.DB, error) {
	if p.db == nil {
		return nil, ErrClosed
	}
	return p.db, nil
}

func (p *PebbleCache) get(db *pebble.DB, key string, now time.Time) ([]byte, bool, error) {
	raw, closer, err := db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, live := decodeValue(raw, now)
	closer.Close()
	if !live {
		_ = db.Delete([]byte(key), pebble.NoSync)
		return nil, false, nil
	}
	return value, true, nil
}

func (p *PebbleCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return nil, false, err
	}
	return p.get(db, key, time.Now())
}

func (p *PebbleCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return err
	}
	return db.Set([]byte(key), encodeValue(value, ttl), pebble.Sync)
}

func (p *PebbleCache) Delete(ctx context.Context, key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return err
	}
	return db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := p.get(db, key, now)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

// SetMultiple writes all items in one atomic batch.
func (p *PebbleCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return err
	}
	batch := db.NewBatch()
	defer batch.Close()
	for key, value := range items {
		if err := batch.Set([]byte(key), encodeValue(value, ttl), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleCache) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

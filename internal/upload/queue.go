// Package upload keeps media uploads that could not complete in a durable
// FIFO queue and retries them until the upload, its announcement and the
// signature check all succeed.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"relayreel/internal/cache"
	"relayreel/internal/metrics"
)

const (
	recordPrefix = "upload:rec:"
	indexKey     = "upload:index"
)

// Record is one pending upload.
type Record struct {
	ID          string `json:"id"`
	Endpoint    string `json:"endpoint"`
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
	Creator     string `json:"creator"`
	Caption     string `json:"caption"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Queue is a FIFO of records on a KV store. Each record lives under its own
// key and an index key holds the order. Records are written before they are
// indexed and unindexed before they are deleted, so an interrupted call
// never leaves the index pointing at nothing it cannot skip.
type Queue struct {
	store cache.CacheBackend
	mu    sync.Mutex
}

func NewQueue(store cache.CacheBackend) *Queue {
	return &Queue{store: store}
}

func recordKey(id string) string {
	return recordPrefix + id
}

func (q *Queue) index(ctx context.Context) ([]string, error) {
	raw, ok, err := q.store.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("read upload index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode upload index: %w", err)
	}
	return ids, nil
}

func (q *Queue) writeIndex(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, indexKey, raw, 0); err != nil {
		return fmt.Errorf("write upload index: %w", err)
	}
	metrics.UploadQueueDepth.Set(float64(len(ids)))
	return nil
}

func (q *Queue) writeRecord(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, recordKey(rec.ID), raw, 0); err != nil {
		return fmt.Errorf("write upload record: %w", err)
	}
	return nil
}

// Enqueue appends rec at the tail, assigning an id when it has none.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.writeRecord(ctx, rec); err != nil {
		return Record{}, err
	}
	ids, err := q.index(ctx)
	if err != nil {
		return Record{}, err
	}
	if !slices.Contains(ids, rec.ID) {
		ids = append(ids, rec.ID)
	}
	return rec, q.writeIndex(ctx, ids)
}

// Peek returns the head record without removing it. Index entries whose
// record is gone are dropped.
func (q *Queue) Peek(ctx context.Context) (Record, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.index(ctx)
	if err != nil {
		return Record{}, false, err
	}
	dropped := false
	defer func() {
		if dropped {
			q.writeIndex(ctx, ids)
		}
	}()
	for len(ids) > 0 {
		raw, ok, err := q.store.Get(ctx, recordKey(ids[0]))
		if err != nil {
			return Record{}, false, fmt.Errorf("read upload record: %w", err)
		}
		var rec Record
		if ok && json.Unmarshal(raw, &rec) == nil {
			return rec, true, nil
		}
		ids = ids[1:]
		dropped = true
	}
	return Record{}, false, nil
}

// Len is the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids, err := q.index(ctx)
	return len(ids), err
}

// IDs returns the queued ids in order.
func (q *Queue) IDs(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index(ctx)
}

// MoveToTail saves rec and moves its id to the end of the queue.
func (q *Queue) MoveToTail(ctx context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.writeRecord(ctx, rec); err != nil {
		return err
	}
	ids, err := q.index(ctx)
	if err != nil {
		return err
	}
	ids = slices.DeleteFunc(ids, func(id string) bool { return id == rec.ID })
	return q.writeIndex(ctx, append(ids, rec.ID))
}

// Remove drops id from the queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids, err := q.index(ctx)
	if err != nil {
		return err
	}
	ids = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	if err := q.writeIndex(ctx, ids); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("delete upload record: %w", err)
	}
	return nil
}

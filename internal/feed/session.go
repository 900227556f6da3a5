package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// sessionRecord is the persisted resume point for one filter key.
type sessionRecord struct {
	Key     string        `json:"key"`
	Events  []types.Event `json:"events"`
	Index   int           `json:"index"`
	Cursor  int64         `json:"cursor"`
	HasMore bool          `json:"has_more"`
}

// SessionKey is the store key holding the snapshot for a filter key.
func SessionKey(filterKey string) string {
	sum := sha256.Sum256([]byte(filterKey))
	return "feed:session:" + hex.EncodeToString(sum[:])
}

// sessionWindow cuts at most limit events around index out of events. The
// returned cursor and hasMore describe the cut so that paging resumes right
// after its last event.
func sessionWindow(s Snapshot, limit int) sessionRecord {
	rec := sessionRecord{Key: s.Key, HasMore: s.HasMore}
	if len(s.Events) == 0 {
		return rec
	}
	start := s.Index - limit/2
	if start < 0 {
		start = 0
	}
	end := start + limit
	if end > len(s.Events) {
		end = len(s.Events)
		if start = end - limit; start < 0 {
			start = 0
		}
	}
	rec.Events = s.Events[start:end]
	rec.Index = s.Index - start
	if end < len(s.Events) {
		rec.HasMore = true
	}
	for _, evt := range rec.Events {
		if rec.Cursor == 0 || evt.CreatedAt < rec.Cursor {
			rec.Cursor = evt.CreatedAt
		}
	}
	if end == len(s.Events) && s.Cursor > 0 && s.Cursor < rec.Cursor {
		rec.Cursor = s.Cursor
	}
	return rec
}

func (a *Assembler) saveSession(ctx context.Context, s Snapshot) {
	if a.store == nil || s.Key == "" {
		return
	}
	data, err := json.Marshal(sessionWindow(s, a.opts.SnapshotCap))
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, SessionKey(s.Key), data, a.opts.SnapshotTTL); err != nil {
		slog.Debug("feed session not saved", "error", err)
	}
}

func (a *Assembler) loadSession(ctx context.Context, key string) (sessionRecord, bool) {
	if a.store == nil {
		return sessionRecord{}, false
	}
	data, ok, err := a.store.Get(ctx, SessionKey(key))
	if err != nil || !ok {
		return sessionRecord{}, false
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Key != key {
		return sessionRecord{}, false
	}
	valid := rec.Events[:0]
	for _, evt := range rec.Events {
		if nostr.VerifyEvent(evt) {
			valid = append(valid, evt)
		}
	}
	rec.Events = valid
	if rec.Index >= len(rec.Events) {
		rec.Index = 0
	}
	return rec, true
}

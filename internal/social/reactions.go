package social

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
	"relayreel/internal/util"
)

// Reaction contents.
const (
	Like   = "+"
	Unlike = "-"
)

// Reactions tracks which events the user has liked.
type Reactions struct {
	pub Publisher

	mu       sync.Mutex
	liked    map[string]bool
	inflight map[string]chan struct{}
}

func NewReactions(pub Publisher) *Reactions {
	return &Reactions{pub: pub, liked: make(map[string]bool), inflight: make(map[string]chan struct{})}
}

// ToggleLike publishes "+" for an event not yet liked and "-" otherwise. The
// liked set only changes once the reaction has been published. Toggles of
// the same event run one at a time.
func (r *Reactions) ToggleLike(ctx context.Context, eventID, authorPubkey string) (bool, error) {
	release, err := r.claim(ctx, eventID)
	if err != nil {
		return r.Liked(eventID), err
	}
	defer release()

	r.mu.Lock()
	wasLiked := r.liked[eventID]
	r.mu.Unlock()

	content := Like
	if wasLiked {
		content = Unlike
	}
	_, err = r.pub.Publish(ctx, types.EventTemplate{
		Kind:      types.KindReaction,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"e", eventID}, {"p", authorPubkey}},
		Content:   content,
	})
	if err != nil {
		return wasLiked, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if wasLiked {
		delete(r.liked, eventID)
	} else {
		r.liked[eventID] = true
	}
	slog.Debug("reaction published", "event_id", nostr.ShortID(eventID), "content", content)
	return !wasLiked, nil
}

// claim waits until no toggle of eventID is in flight and marks one.
func (r *Reactions) claim(ctx context.Context, eventID string) (func(), error) {
	for {
		r.mu.Lock()
		busy, ok := r.inflight[eventID]
		if !ok {
			done := make(chan struct{})
			r.inflight[eventID] = done
			r.mu.Unlock()
			return func() {
				r.mu.Lock()
				delete(r.inflight, eventID)
				r.mu.Unlock()
				close(done)
			}, nil
		}
		r.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Liked reports whether eventID is in the liked set.
func (r *Reactions) Liked(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liked[eventID]
}

// Load rebuilds the liked set from the user's own reactions. The newest
// reaction per event wins.
func (r *Reactions) Load(ctx context.Context, q Querier, userPubkey string) error {
	events, err := q.Query(ctx, []types.Filter{{
		Authors: []string{userPubkey},
		Kinds:   []int{types.KindReaction},
	}})
	if err != nil {
		return err
	}

	nostr.SortOldestFirst(events)
	liked := make(map[string]bool)
	for _, evt := range events {
		target := util.GetLastTagValue(evt.Tags, "e")
		if target == "" {
			continue
		}
		switch evt.Content {
		case Unlike:
			delete(liked, target)
		default:
			liked[target] = true
		}
	}

	r.mu.Lock()
	r.liked = liked
	r.mu.Unlock()
	return nil
}

package social

import (
	"context"
	"sort"
	"sync"
	"time"

	"relayreel/internal/types"
	"relayreel/internal/util"
)

// Follows is the user's contact list (kind 3). Every change republishes the
// whole set.
type Follows struct {
	src Source

	mu        sync.Mutex
	following map[string]bool
	content   string
}

func NewFollows(src Source) *Follows {
	return &Follows{src: src, following: make(map[string]bool)}
}

// Load replaces the local set with the latest contact list of pubkey.
func (f *Follows) Load(ctx context.Context, pubkey string) error {
	events, err := f.src.Query(ctx, []types.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindContacts},
		Limit:   1,
	}})
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	content := ""
	if evt, ok := latest(events); ok {
		for _, pk := range util.GetTagValues(evt.Tags, "p") {
			set[pk] = true
		}
		content = evt.Content
	}

	f.mu.Lock()
	f.following = set
	f.content = content
	f.mu.Unlock()
	return nil
}

// Follow adds pubkey and publishes the new list. Following someone already
// followed publishes nothing.
func (f *Follows) Follow(ctx context.Context, pubkey string) error {
	return f.update(ctx, pubkey, true)
}

// Unfollow removes pubkey and publishes the new list.
func (f *Follows) Unfollow(ctx context.Context, pubkey string) error {
	return f.update(ctx, pubkey, false)
}

func (f *Follows) update(ctx context.Context, pubkey string, follow bool) error {
	f.mu.Lock()
	if f.following[pubkey] == follow {
		f.mu.Unlock()
		return nil
	}
	next := make(map[string]bool, len(f.following)+1)
	for pk := range f.following {
		next[pk] = true
	}
	if follow {
		next[pubkey] = true
	} else {
		delete(next, pubkey)
	}
	content := f.content
	f.mu.Unlock()

	keys := sortedKeys(next)
	tags := make([][]string, 0, len(keys))
	for _, pk := range keys {
		tags = append(tags, []string{"p", pk})
	}
	if _, err := f.src.Publish(ctx, types.EventTemplate{
		Kind:      types.KindContacts,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
		Content:   content,
	}); err != nil {
		return err
	}

	f.mu.Lock()
	f.following = next
	f.mu.Unlock()
	return nil
}

// IsFollowing reports whether pubkey is in the set.
func (f *Follows) IsFollowing(pubkey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.following[pubkey]
}

// Following returns the followed pubkeys in sorted order.
func (f *Follows) Following() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sortedKeys(f.following)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

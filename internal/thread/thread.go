// Package thread assembles the comment tree below a root event.
package thread

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relayreel/internal/coordinator"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// ErrNoRootSelected is returned by operations that need a root event.
var ErrNoRootSelected = errors.New("no root selected")

// Source is what a thread needs from the request coordinator.
type Source interface {
	Query(ctx context.Context, filters []types.Filter) ([]types.Event, error)
	Subscribe(ctx context.Context, filters []types.Filter, h coordinator.Handlers, debounce time.Duration) (*coordinator.Subscription, error)
	Publish(ctx context.Context, tmpl types.EventTemplate) (types.Event, error)
}

// Options configures a Thread. Zero values take defaults.
type Options struct {
	PageSize int
	Now      func() time.Time
}

// Node is one comment and the replies attached below it.
type Node struct {
	Event   types.Event
	Replies []*Node
}

func (n *Node) clone() *Node {
	c := &Node{Event: n.Event, Replies: make([]*Node, len(n.Replies))}
	for i, r := range n.Replies {
		c.Replies[i] = r.clone()
	}
	return c
}

// Thread tracks the comments of one root at a time.
type Thread struct {
	source Source
	opts   Options

	mu      sync.Mutex
	gen     uint64
	root    string
	top     []*Node
	byID    map[string]*Node
	cursor  int64
	hasMore bool
	loading bool
	sub     *coordinator.Subscription
}

// New creates a thread with no root.
func New(source Source, opts Options) *Thread {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Thread{source: source, opts: opts, byID: make(map[string]*Node)}
}

// SetRoot switches to the comments of id and subscribes to new ones. An
// empty id clears the thread. Setting the current root again does nothing.
func (t *Thread) SetRoot(ctx context.Context, id string) error {
	t.mu.Lock()
	if id == t.root {
		t.mu.Unlock()
		return nil
	}
	old := t.sub
	t.gen++
	gen := t.gen
	t.root = id
	t.top = nil
	t.byID = make(map[string]*Node)
	t.cursor = 0
	t.hasMore = true
	t.loading = false
	t.sub = nil
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if id == "" {
		return nil
	}

	filters := []types.Filter{{
		Kinds: []int{types.KindTextNote},
		Tags:  map[string][]string{"e": {id}},
		Since: types.Int64Ptr(t.opts.Now().Unix()),
	}}
	sub, err := t.source.Subscribe(ctx, filters, coordinator.Handlers{
		OnEvent: func(evt types.Event) {
			t.mu.Lock()
			if t.gen == gen {
				t.integrateLocked(evt)
			}
			t.mu.Unlock()
		},
	}, 0)
	if err != nil {
		slog.Warn("comment subscription unavailable", "root", nostr.ShortID(id), "error", err)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		sub.Close()
		return nil
	}
	t.sub = sub
	return nil
}

// LoadMore fetches the next older page of comments.
func (t *Thread) LoadMore(ctx context.Context) error {
	t.mu.Lock()
	if t.root == "" {
		t.mu.Unlock()
		return ErrNoRootSelected
	}
	if !t.hasMore || t.loading {
		t.mu.Unlock()
		return nil
	}
	t.loading = true
	gen, root, cursor := t.gen, t.root, t.cursor
	t.mu.Unlock()

	f := types.Filter{
		Kinds: []int{types.KindTextNote},
		Tags:  map[string][]string{"e": {root}},
		Limit: t.opts.PageSize,
	}
	if cursor > 0 {
		f.Until = types.Int64Ptr(cursor - 1)
	}
	events, err := t.source.Query(ctx, []types.Filter{f})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return nil
	}
	t.loading = false
	if err != nil {
		return err
	}
	nostr.SortOldestFirst(events)
	for _, evt := range events {
		t.integrateLocked(evt)
	}
	if len(events) < t.opts.PageSize {
		t.hasMore = false
	}
	return nil
}

// AddComment publishes a top-level comment on the root.
func (t *Thread) AddComment(ctx context.Context, content string) (types.Event, error) {
	return t.publish(ctx, "", content)
}

// ReplyTo publishes a reply to parentID within the root's thread.
func (t *Thread) ReplyTo(ctx context.Context, parentID, content string) (types.Event, error) {
	return t.publish(ctx, parentID, content)
}

func (t *Thread) publish(ctx context.Context, parentID, content string) (types.Event, error) {
	t.mu.Lock()
	root, gen := t.root, t.gen
	t.mu.Unlock()
	if root == "" {
		return types.Event{}, ErrNoRootSelected
	}

	tags := [][]string{nostr.EventTag(root, nostr.MarkerRoot)}
	if parentID != "" {
		tags = append(tags, nostr.EventTag(parentID, nostr.MarkerReply))
	}
	evt, err := t.source.Publish(ctx, types.EventTemplate{
		Kind:    types.KindTextNote,
		Tags:    tags,
		Content: content,
	})
	if err != nil {
		return evt, err
	}

	t.mu.Lock()
	if t.gen == gen {
		t.integrateLocked(evt)
	}
	t.mu.Unlock()
	return evt, nil
}

// integrateLocked inserts evt once. A reply goes below its parent when the
// parent is known and at the top level otherwise; the top level stays in
// created_at order. Caller holds mu.
func (t *Thread) integrateLocked(evt types.Event) {
	if evt.ID == t.root || t.byID[evt.ID] != nil {
		return
	}
	if declared := nostr.RootID(evt); declared != "" && declared != t.root {
		return
	}

	node := &Node{Event: evt}
	t.byID[evt.ID] = node
	if parent := t.byID[nostr.ParentID(evt)]; parent != nil {
		parent.Replies = append(parent.Replies, node)
	} else {
		i := sort.Search(len(t.top), func(i int) bool {
			return t.top[i].Event.CreatedAt > evt.CreatedAt
		})
		t.top = append(t.top, nil)
		copy(t.top[i+1:], t.top[i:])
		t.top[i] = node
	}
	if t.cursor == 0 || evt.CreatedAt < t.cursor {
		t.cursor = evt.CreatedAt
	}
}

// Comments returns a copy of the top-level comments and their replies.
func (t *Thread) Comments() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, len(t.top))
	for i, n := range t.top {
		out[i] = n.clone()
	}
	return out
}

// Root returns the current root id.
func (t *Thread) Root() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// HasMore reports whether older comments may exist.
func (t *Thread) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Len is the number of comments at any depth.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Close ends the live subscription.
func (t *Thread) Close() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.gen++
	t.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

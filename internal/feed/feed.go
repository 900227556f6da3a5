// Package feed assembles the deduplicated, paginated view of events for the
// active filter set and keeps a resumable snapshot of it.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"relayreel/internal/cache"
	"relayreel/internal/coordinator"
	"relayreel/internal/metrics"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// Source is what the assembler needs from the request coordinator.
type Source interface {
	CachedQueryPage(ctx context.Context, filters []types.Filter) (coordinator.Page, error)
	Evict(filters []types.Filter)
	Subscribe(ctx context.Context, filters []types.Filter, h coordinator.Handlers, debounce time.Duration) (*coordinator.Subscription, error)
}

// Options configures an Assembler. Zero values take defaults.
type Options struct {
	PageSize     int
	SnapshotCap  int
	SnapshotTTL  time.Duration
	LiveDebounce time.Duration
	// Accept decides whether an event belongs in the feed, e.g. whether its
	// content is a playable video.
	Accept func(ctx context.Context, evt types.Event) bool
	// PreloadURL picks the media URL to warm for an event.
	PreloadURL func(evt types.Event) string
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.SnapshotCap <= 0 {
		o.SnapshotCap = 20
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = cache.DefaultCacheConfig().SessionSnapshotTTL
	}
	if o.LiveDebounce <= 0 {
		o.LiveDebounce = 250 * time.Millisecond
	}
	if o.Accept == nil {
		o.Accept = func(context.Context, types.Event) bool { return true }
	}
	if o.PreloadURL == nil {
		o.PreloadURL = func(evt types.Event) string { return strings.TrimSpace(evt.Content) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Snapshot is a copy of the feed state.
type Snapshot struct {
	Key     string
	Events  []types.Event
	Index   int
	Cursor  int64
	HasMore bool
	Loading bool
	// Offline is set while the last load or live subscription reached no
	// relay. The next SetFilters, LoadMore or Refresh retries.
	Offline bool
}

// Assembler owns the feed for one active filter set at a time.
type Assembler struct {
	source  Source
	store   cache.CacheBackend
	preload *PreloadSet
	opts    Options

	mu      sync.Mutex
	gen     uint64
	filters []types.Filter
	key     string
	events  []types.Event
	seen    map[string]bool
	index   int
	cursor  int64
	hasMore bool
	loading bool
	offline bool
	sub     *coordinator.Subscription

	listenMu  sync.Mutex
	listeners []func(Snapshot)
}

// New creates an assembler with no active filters. store and preloader may
// be nil.
func New(source Source, store cache.CacheBackend, preloader Preloader, opts Options) *Assembler {
	return &Assembler{
		source:  source,
		store:   store,
		preload: NewPreloadSet(preloader),
		opts:    opts.withDefaults(),
		seen:    make(map[string]bool),
	}
}

// OnChange registers fn to receive a snapshot after every change.
func (a *Assembler) OnChange(fn func(Snapshot)) {
	a.listenMu.Lock()
	a.listeners = append(a.listeners, fn)
	a.listenMu.Unlock()
}

func (a *Assembler) pageFilters(filters []types.Filter) []types.Filter {
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		f.Limit = a.opts.PageSize
		out[i] = f
	}
	return out
}

// SetFilters makes filters the active set. Switching tears down the old
// live subscription, evicts the old cached page and clears preload state,
// then resumes from the stored session (if any), loads the newest page and
// subscribes for new events. The same set again is a no-op unless the feed
// is offline, in which case it refreshes.
func (a *Assembler) SetFilters(ctx context.Context, filters []types.Filter) error {
	key := nostr.FilterKey(filters)

	a.mu.Lock()
	if key == a.key {
		offline := a.offline
		a.mu.Unlock()
		if offline {
			return a.Refresh(ctx)
		}
		return nil
	}
	oldSub, oldFilters := a.sub, a.filters
	a.gen++
	gen := a.gen
	a.filters = append([]types.Filter(nil), filters...)
	a.key = key
	a.events = nil
	a.seen = make(map[string]bool)
	a.index = 0
	a.cursor = 0
	a.hasMore = true
	a.loading = true
	a.offline = false
	a.sub = nil
	a.mu.Unlock()

	if oldSub != nil {
		oldSub.Close()
	}
	if oldFilters != nil {
		a.source.Evict(a.pageFilters(oldFilters))
	}
	a.preload.Reset()

	if rec, ok := a.loadSession(ctx, key); ok {
		accepted := a.admit(ctx, rec.Events)
		a.mu.Lock()
		if a.gen == gen {
			a.integrateLocked(accepted, rec.Events)
			a.index = rec.Index
			if a.index >= len(a.events) {
				a.index = 0
			}
			if rec.Cursor > 0 && (a.cursor == 0 || rec.Cursor < a.cursor) {
				a.cursor = rec.Cursor
			}
			a.hasMore = rec.HasMore
		}
		a.mu.Unlock()
		slog.Debug("feed resumed from session", "events", len(accepted), "index", rec.Index)
		a.changed(ctx, gen)
	}

	a.loadNewest(ctx, gen, filters)
	a.subscribeLive(ctx, gen, filters)
	return nil
}

// Refresh reloads the newest page past the cached result and reopens the
// live subscription, keeping the events already integrated.
func (a *Assembler) Refresh(ctx context.Context) error {
	a.mu.Lock()
	if a.key == "" || a.loading {
		a.mu.Unlock()
		return nil
	}
	gen, filters, sub := a.gen, a.filters, a.sub
	a.sub = nil
	a.offline = false
	a.loading = true
	a.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	a.source.Evict(a.pageFilters(filters))
	a.loadNewest(ctx, gen, filters)
	a.subscribeLive(ctx, gen, filters)
	return nil
}

// loadNewest integrates the newest page. A page no relay answered leaves
// hasMore alone and marks the feed offline. Caller has set loading.
func (a *Assembler) loadNewest(ctx context.Context, gen uint64, filters []types.Filter) {
	page, err := a.source.CachedQueryPage(ctx, a.pageFilters(filters))
	if err != nil {
		slog.Warn("feed page load failed", "error", err)
	}
	accepted := a.admit(ctx, page.Events)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.integrateLocked(accepted, page.Events)
	a.settlePageLocked(page, err)
	a.loading = false
	a.mu.Unlock()
	a.changed(ctx, gen)
}

// settlePageLocked records what a fetched page says about the data. A short
// answered page ends pagination; an unanswered or failed one is an outage.
func (a *Assembler) settlePageLocked(page coordinator.Page, err error) {
	switch {
	case err != nil || !page.Answered:
		a.offline = true
	case len(page.Events) < a.opts.PageSize:
		a.hasMore = false
	}
}

func (a *Assembler) subscribeLive(ctx context.Context, gen uint64, filters []types.Filter) {
	live := nostr.WithSince(filters, a.opts.Now().Unix())
	sub, err := a.source.Subscribe(ctx, live, coordinator.Handlers{
		OnEvent: func(evt types.Event) { a.integrateLive(gen, evt) },
	}, a.opts.LiveDebounce)
	if err != nil {
		slog.Warn("feed live subscription unavailable", "error", err)
		a.mu.Lock()
		if a.gen == gen {
			a.offline = true
		}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		sub.Close()
		return
	}
	a.sub = sub
	if sub.Relays() == 0 {
		slog.Warn("feed live subscription reached no relay")
		a.offline = true
	}
	a.mu.Unlock()
}

func (a *Assembler) integrateLive(gen uint64, evt types.Event) {
	ctx := context.Background()
	accepted := a.admit(ctx, []types.Event{evt})
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	added := a.integrateLocked(accepted, nil)
	a.mu.Unlock()
	if added > 0 {
		a.changed(ctx, gen)
	}
}

// admit drops already integrated ids and runs Accept on the rest without
// holding the lock.
func (a *Assembler) admit(ctx context.Context, events []types.Event) []types.Event {
	a.mu.Lock()
	fresh := make([]types.Event, 0, len(events))
	for _, evt := range events {
		if !a.seen[evt.ID] {
			fresh = append(fresh, evt)
		}
	}
	a.mu.Unlock()

	out := fresh[:0]
	for _, evt := range fresh {
		if a.opts.Accept(ctx, evt) {
			out = append(out, evt)
		}
	}
	return out
}

// integrateLocked appends accepted events whose id is new and moves the
// cursor to the oldest created_at among all of received. Caller holds mu.
func (a *Assembler) integrateLocked(accepted, received []types.Event) int {
	added := 0
	for _, evt := range accepted {
		if a.seen[evt.ID] {
			continue
		}
		a.seen[evt.ID] = true
		a.events = append(a.events, evt)
		added++
		a.lowerCursor(evt.CreatedAt)
	}
	for _, evt := range received {
		a.lowerCursor(evt.CreatedAt)
	}
	metrics.FeedEventsIntegrated.Add(float64(added))
	return added
}

func (a *Assembler) lowerCursor(ts int64) {
	if a.cursor == 0 || ts < a.cursor {
		a.cursor = ts
	}
}

// LoadMore fetches the page before the cursor. It does nothing while a load
// is running or once a short page showed the end of the data. While the
// feed is offline it refreshes instead.
func (a *Assembler) LoadMore(ctx context.Context) error {
	a.mu.Lock()
	if a.key == "" || a.loading {
		a.mu.Unlock()
		return nil
	}
	if a.offline {
		a.mu.Unlock()
		return a.Refresh(ctx)
	}
	if !a.hasMore {
		a.mu.Unlock()
		return nil
	}
	a.loading = true
	gen, filters, cursor := a.gen, a.filters, a.cursor
	a.mu.Unlock()

	page, err := a.source.CachedQueryPage(ctx, nostr.WithUntil(filters, cursor-1, a.opts.PageSize))
	accepted := a.admit(ctx, page.Events)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil
	}
	a.loading = false
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.integrateLocked(accepted, page.Events)
	a.settlePageLocked(page, nil)
	a.mu.Unlock()
	a.changed(ctx, gen)
	return nil
}

// Next moves to the following event. It reports whether the index moved.
func (a *Assembler) Next() bool {
	return a.move(1)
}

// Prev moves to the preceding event.
func (a *Assembler) Prev() bool {
	return a.move(-1)
}

func (a *Assembler) move(delta int) bool {
	a.mu.Lock()
	target := a.index + delta
	if target < 0 || target >= len(a.events) {
		a.mu.Unlock()
		return false
	}
	a.index = target
	gen := a.gen
	a.mu.Unlock()
	a.changed(context.Background(), gen)
	return true
}

// changed preloads around the index, persists the session and notifies
// listeners.
func (a *Assembler) changed(ctx context.Context, gen uint64) {
	s := a.Snapshot()
	a.mu.Lock()
	stale := a.gen != gen
	a.mu.Unlock()
	if stale {
		return
	}

	for _, i := range []int{s.Index + 1, s.Index - 1} {
		if i >= 0 && i < len(s.Events) {
			a.preload.Request(a.opts.PreloadURL(s.Events[i]))
		}
	}
	a.saveSession(ctx, s)

	a.listenMu.Lock()
	listeners := slices.Clone(a.listeners)
	a.listenMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Snapshot returns a copy of the current state.
func (a *Assembler) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Key:     a.key,
		Events:  append([]types.Event(nil), a.events...),
		Index:   a.index,
		Cursor:  a.cursor,
		HasMore: a.hasMore,
		Loading: a.loading,
		Offline: a.offline,
	}
}

// Current returns the event at the index.
func (a *Assembler) Current() (types.Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index < len(a.events) {
		return a.events[a.index], true
	}
	return types.Event{}, false
}

// Close ends the live subscription.
func (a *Assembler) Close() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.gen++
	a.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Package coordinator sits between the UI-facing components and the relay
// pool. It deduplicates identical in-flight queries, keeps recent results
// briefly, manages live subscriptions and signs and publishes events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relayreel/internal/auth"
	"relayreel/internal/metrics"
	"relayreel/internal/nostr"
	"relayreel/internal/relay"
	"relayreel/internal/types"
)

// ErrPublishFailed is returned when no relay accepted a published event.
var ErrPublishFailed = errors.New("publish failed")

// RelayPool is the part of *relay.Pool the coordinator uses. QueryRelay and
// SubscribeRelay run under the pool's per-relay budget.
type RelayPool interface {
	Relays() []string
	QueryRelay(ctx context.Context, relayURL string, filters []types.Filter) ([]types.Event, error)
	SubscribeRelay(ctx context.Context, relayURL string, filters []types.Filter) (*relay.Subscription, error)
	Publish(ctx context.Context, evt types.Event) []types.PublishResult
	Verify(evt types.Event) bool
}

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	ResultTTL       time.Duration
	ResultCacheSize int
	// QueryTimeout bounds one shared fetch across all relays.
	QueryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ResultTTL <= 0 {
		o.ResultTTL = time.Minute
	}
	if o.ResultCacheSize <= 0 {
		o.ResultCacheSize = 500
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 8 * time.Second
	}
	return o
}

// Coordinator owns query deduplication and the active signer.
type Coordinator struct {
	pool    RelayPool
	opts    Options
	results *ResultCache
	group   singleflight.Group

	mu     sync.RWMutex
	signer auth.Signer
}

// New creates a coordinator over pool.
func New(pool RelayPool, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		pool:    pool,
		opts:    opts,
		results: NewResultCache(opts.ResultCacheSize, opts.ResultTTL),
	}
}

// Close releases the result cache.
func (c *Coordinator) Close() {
	c.results.Close()
}

// SetSigner replaces the active signer; nil removes it.
func (c *Coordinator) SetSigner(s auth.Signer) {
	c.mu.Lock()
	c.signer = s
	c.mu.Unlock()
}

// Signer returns the active signer or nil.
func (c *Coordinator) Signer() auth.Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signer
}

// Page is one fetched result. Answered is false when relays exist but none
// of them answered, which callers must not mistake for an empty result.
type Page struct {
	Events   []types.Event
	Answered bool
}

// Query fetches events matching filters from every relay. Identical
// concurrent queries share one fetch and all receive its result. Relay
// failures are absorbed; with no relays the result is empty.
func (c *Coordinator) Query(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	page, err := c.QueryPage(ctx, filters)
	return page.Events, err
}

// QueryPage is Query that also reports whether any relay answered.
func (c *Coordinator) QueryPage(ctx context.Context, filters []types.Filter) (Page, error) {
	key := nostr.FilterKey(filters)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		metrics.QueriesFetched.Inc()
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.QueryTimeout)
		defer cancel()

		events, ok := c.fetch(fetchCtx, filters)
		if ok {
			c.results.Set(key, events)
		}
		return Page{Events: events, Answered: ok}, nil
	})

	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.QueriesShared.Inc()
			slog.Debug("singleflight: shared query", "key", key)
		}
		page := res.Val.(Page)
		page.Events = append([]types.Event(nil), page.Events...)
		return page, nil
	}
}

// CachedQuery serves a fresh cached result when there is one and queries
// otherwise.
func (c *Coordinator) CachedQuery(ctx context.Context, filters []types.Filter) ([]types.Event, error) {
	page, err := c.CachedQueryPage(ctx, filters)
	return page.Events, err
}

// CachedQueryPage is CachedQuery that also reports whether any relay
// answered. Cached results always count as answered.
func (c *Coordinator) CachedQueryPage(ctx context.Context, filters []types.Filter) (Page, error) {
	if events, ok := c.results.Get(nostr.FilterKey(filters)); ok {
		return Page{Events: events, Answered: true}, nil
	}
	return c.QueryPage(ctx, filters)
}

// Evict forgets the cached result for filters.
func (c *Coordinator) Evict(filters []types.Filter) {
	c.results.Delete(nostr.FilterKey(filters))
}

// fetch queries every relay in parallel. ok is false when relays exist but
// none answered, so the empty result is not cached.
func (c *Coordinator) fetch(ctx context.Context, filters []types.Filter) ([]types.Event, bool) {
	urls := c.pool.Relays()
	if len(urls) == 0 {
		return []types.Event{}, true
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		merged    []types.Event
		succeeded int
	)
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			events, err := c.pool.QueryRelay(ctx, u, filters)
			if err != nil {
				slog.Debug("relay query failed", "relay", u, "error", err)
				return
			}
			valid := make([]types.Event, 0, len(events))
			for _, evt := range events {
				if !c.pool.Verify(evt) {
					metrics.EventsRejected.Inc()
					continue
				}
				valid = append(valid, evt)
			}
			mu.Lock()
			merged = append(merged, valid...)
			succeeded++
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	merged = nostr.DedupeEvents(merged)
	nostr.SortNewestFirst(merged)
	if len(filters) == 1 && filters[0].Limit > 0 && len(merged) > filters[0].Limit {
		merged = merged[:filters[0].Limit]
	}
	return merged, succeeded > 0
}

// Publish signs tmpl with the active signer and sends it to every relay.
// The signed event is returned even when no relay accepted it.
func (c *Coordinator) Publish(ctx context.Context, tmpl types.EventTemplate) (types.Event, error) {
	signer := c.Signer()
	if signer == nil {
		return types.Event{}, auth.ErrSigningUnavailable
	}
	evt, err := signer.SignEvent(ctx, tmpl)
	if err != nil {
		return types.Event{}, fmt.Errorf("sign: %w", err)
	}
	if !c.pool.Verify(evt) {
		return types.Event{}, fmt.Errorf("%w: signer returned %s", nostr.ErrInvalidEvent, nostr.ShortID(evt.ID))
	}
	return evt, c.Broadcast(ctx, evt)
}

// Broadcast sends an already signed event to every relay. It fails with
// ErrPublishFailed when none accepted it.
func (c *Coordinator) Broadcast(ctx context.Context, evt types.Event) error {
	results := c.pool.Publish(ctx, evt)
	accepted := 0
	var lastMsg string
	for _, r := range results {
		if r.Accepted {
			accepted++
		} else if r.Message != "" {
			lastMsg = r.Message
		}
	}
	if accepted == 0 {
		slog.Warn("event not accepted by any relay", "event_id", nostr.ShortID(evt.ID), "relays", len(results), "message", lastMsg)
		return fmt.Errorf("%w: %w", ErrPublishFailed, relay.ErrRelayUnreachable)
	}
	slog.Debug("event published", "event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "accepted", accepted, "relays", len(results))
	return nil
}

// Package coordtest provides an in-memory relay pool for tests of packages
// built on the coordinator.
package coordtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relayreel/internal/nostr"
	"relayreel/internal/relay"
	"relayreel/internal/relay/relaytest"
	"relayreel/internal/types"
)

// Pool answers queries from per-relay stores with NIP-01 filter semantics.
// Accepted publishes are stored on every relay and sent to matching open
// subscriptions.
type Pool struct {
	urls  []string
	Delay time.Duration

	mu        sync.Mutex
	stored    map[string][]types.Event
	failing   map[string]bool
	reject    bool
	subs      []*relay.Subscription
	filters   [][]types.Filter
	published []types.Event
	queryLog  [][]types.Filter
	queries   atomic.Int32
}

// NewPool creates a pool holding urls.
func NewPool(urls ...string) *Pool {
	return &Pool{urls: urls, stored: make(map[string][]types.Event), failing: make(map[string]bool)}
}

// Store adds events to one relay.
func (p *Pool) Store(relayURL string, events ...types.Event) {
	p.mu.Lock()
	p.stored[relayURL] = append(p.stored[relayURL], events...)
	p.mu.Unlock()
}

// StoreAll adds events to every relay.
func (p *Pool) StoreAll(events ...types.Event) {
	for _, u := range p.urls {
		p.Store(u, events...)
	}
}

// SetFailing makes a relay fail every query and subscribe.
func (p *Pool) SetFailing(relayURL string, failing bool) {
	p.mu.Lock()
	p.failing[relayURL] = failing
	p.mu.Unlock()
}

// SetReject makes every relay refuse publishes.
func (p *Pool) SetReject(reject bool) {
	p.mu.Lock()
	p.reject = reject
	p.mu.Unlock()
}

// Queries is the number of per-relay queries served.
func (p *Pool) Queries() int { return int(p.queries.Load()) }

// QueryLog returns the filters of every query in arrival order.
func (p *Pool) QueryLog() [][]types.Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]types.Filter(nil), p.queryLog...)
}

// Subscriptions returns every subscription opened so far.
func (p *Pool) Subscriptions() []*relay.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*relay.Subscription(nil), p.subs...)
}

// Published returns every event handed to Publish.
func (p *Pool) Published() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Event(nil), p.published...)
}

// Emit sends evt to every open subscription whose filters match it.
func (p *Pool) Emit(evt types.Event) {
	p.mu.Lock()
	var targets []*relay.Subscription
	for i, sub := range p.subs {
		if relaytest.MatchesAny(p.filters[i], evt) {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-sub.Done:
		case sub.EventChan <- evt:
		default:
		}
	}
}

func (p *Pool) Relays() []string { return p.urls }

func (p *Pool) QueryRelay(ctx context.Context, relayURL string, filters []types.Filter) ([]types.Event, error) {
	p.queries.Add(1)
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryLog = append(p.queryLog, filters)
	if p.failing[relayURL] {
		return nil, relay.ErrRelayUnreachable
	}
	return relaytest.Select(filters, p.stored[relayURL]), nil
}

func (p *Pool) SubscribeRelay(ctx context.Context, relayURL string, filters []types.Filter) (*relay.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[relayURL] {
		return nil, relay.ErrRelayUnreachable
	}
	sub := relay.NewSubscription(fmt.Sprintf("sub-%d", len(p.subs)), relayURL, 64)
	p.subs = append(p.subs, sub)
	p.filters = append(p.filters, filters)
	return sub, nil
}

func (p *Pool) Publish(ctx context.Context, evt types.Event) []types.PublishResult {
	p.mu.Lock()
	p.published = append(p.published, evt)
	reject := p.reject
	p.mu.Unlock()

	results := make([]types.PublishResult, len(p.urls))
	for i, u := range p.urls {
		results[i] = types.PublishResult{RelayURL: u, Accepted: !reject}
		if reject {
			results[i].Message = "blocked: test relay"
		}
	}
	if !reject {
		p.StoreAll(evt)
		p.Emit(evt)
	}
	return results
}

func (p *Pool) Verify(evt types.Event) bool { return nostr.VerifyEvent(evt) }

// WaitFor polls cond until it holds or fails the test after three seconds.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

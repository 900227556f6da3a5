// Package relay maintains connections to a set of relays, bounds the work
// in flight per relay, and fans events out to every relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"relayreel/internal/metrics"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

var (
	// ErrRelayUnreachable wraps dial and write failures for a single relay.
	ErrRelayUnreachable = errors.New("relay unreachable")
	// ErrUnknownRelay is returned when scheduling on a relay not in the pool.
	ErrUnknownRelay = errors.New("relay not in pool")
	// ErrNoRelays is returned by Connect when the resulting set is empty.
	ErrNoRelays = errors.New("no relays configured")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("relay pool closed")
)

// ConnState is the lifecycle state of one relay.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Options configures a Pool. Zero values take defaults.
type Options struct {
	Dialer                Dialer
	MaxConcurrentPerRelay int
	DialTimeout           time.Duration
	PublishTimeout        time.Duration
	QueryTimeout          time.Duration
	IdleTimeout           time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.MaxConcurrentPerRelay <= 0 {
		o.MaxConcurrentPerRelay = 2
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 4 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	return o
}

// relayEntry is one registered relay. The entry outlives its connections:
// a dropped connection is redialled on the next scheduled task.
type relayEntry struct {
	url     string
	tokens  *semaphore.Weighted
	state   atomic.Int32
	dialMu  sync.Mutex
	mu      sync.Mutex
	conn    *Conn
	removed bool
}

func (e *relayEntry) current() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil && !e.conn.Closed() {
		return e.conn
	}
	return nil
}

// Pool manages connections to multiple relays.
type Pool struct {
	opts Options

	mu     sync.RWMutex
	relays map[string]*relayEntry
	closed bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewPool creates a pool with no relays. Call Connect to register relays.
func NewPool(opts Options) *Pool {
	p := &Pool{
		opts:   opts.withDefaults(),
		relays: make(map[string]*relayEntry),
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Connect makes the pool hold exactly urls. Relays no longer listed are
// closed, new ones are dialled in parallel. A relay that fails to dial stays
// registered as Disconnected and is retried lazily on its next task.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	wanted := nostr.NormalizeRelayURLs(urls)
	if len(wanted) < len(urls) {
		slog.Debug("dropped invalid or duplicate relay urls", "given", len(urls), "kept", len(wanted))
	}
	wantSet := make(map[string]bool, len(wanted))
	for _, u := range wanted {
		wantSet[u] = true
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	var removed, added []*relayEntry
	for u, entry := range p.relays {
		if !wantSet[u] {
			removed = append(removed, entry)
			delete(p.relays, u)
		}
	}
	for _, u := range wanted {
		if _, ok := p.relays[u]; ok {
			continue
		}
		entry := &relayEntry{
			url:    u,
			tokens: semaphore.NewWeighted(int64(p.opts.MaxConcurrentPerRelay)),
		}
		p.relays[u] = entry
		added = append(added, entry)
	}
	p.mu.Unlock()

	for _, entry := range removed {
		p.closeEntry(entry)
	}

	var wg sync.WaitGroup
	for _, entry := range added {
		wg.Add(1)
		go func(e *relayEntry) {
			defer wg.Done()
			if _, err := p.ensureConn(ctx, e); err != nil {
				slog.Warn("relay connect failed", "relay", e.url, "error", err)
			}
		}(entry)
	}
	wg.Wait()

	if len(wanted) == 0 {
		return ErrNoRelays
	}
	return nil
}

// Relays returns the registered relay urls, sorted.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.relays))
	for u := range p.relays {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// State returns the lifecycle state of a relay; unknown relays are Disconnected.
func (p *Pool) State(relayURL string) ConnState {
	entry := p.entry(relayURL)
	if entry == nil {
		return Disconnected
	}
	return ConnState(entry.state.Load())
}

func (p *Pool) entry(relayURL string) *relayEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.relays[relayURL]; ok {
		return e
	}
	if n := nostr.NormalizeRelayURL(relayURL); n != "" {
		return p.relays[n]
	}
	return nil
}

// ensureConn returns the live connection for an entry, dialling if needed.
func (p *Pool) ensureConn(ctx context.Context, e *relayEntry) (*Conn, error) {
	if c := e.current(); c != nil {
		return c, nil
	}

	e.dialMu.Lock()
	defer e.dialMu.Unlock()

	// Double-check after acquiring the dial lock
	if c := e.current(); c != nil {
		return c, nil
	}
	e.mu.Lock()
	removed := e.removed
	e.mu.Unlock()
	if removed {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, e.url)
	}

	e.state.Store(int32(Connecting))
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	tr, err := p.opts.Dialer.Dial(dialCtx, e.url)
	if err != nil {
		e.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("%w: %s: %v", ErrRelayUnreachable, e.url, err)
	}

	var conn *Conn
	conn = newConn(e.url, tr, func() {
		metrics.RelayConnections.Dec()
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
		e.state.CompareAndSwap(int32(Connected), int32(Disconnected))
	})

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		tr.Close()
		e.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, e.url)
	}
	e.conn = conn
	e.mu.Unlock()

	metrics.RelayConnections.Inc()
	e.state.Store(int32(Connected))
	slog.Debug("relay connected", "relay", e.url)
	go conn.readLoop()
	return conn, nil
}

func (p *Pool) closeEntry(e *relayEntry) {
	e.mu.Lock()
	e.removed = true
	conn := e.conn
	e.mu.Unlock()

	e.state.Store(int32(Closing))
	if conn != nil {
		conn.markClosed("relay removed from pool")
	}
	e.state.Store(int32(Disconnected))
}

// Schedule runs task on relayURL once a concurrency token is free. Waiting
// tasks are served in submission order. The token is released exactly once
// however the task ends. If ctx ends while waiting, no token is taken.
func (p *Pool) Schedule(ctx context.Context, relayURL string, task func(ctx context.Context, c *Conn) error) error {
	e := p.entry(relayURL)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, relayURL)
	}

	queued := metrics.RelayQueued.WithLabelValues(e.url)
	queued.Inc()
	err := e.tokens.Acquire(ctx, 1)
	queued.Dec()
	if err != nil {
		metrics.RelayTasks.WithLabelValues("cancelled").Inc()
		return err
	}
	defer e.tokens.Release(1)

	inflight := metrics.RelayInflight.WithLabelValues(e.url)
	inflight.Inc()
	defer inflight.Dec()

	conn, err := p.ensureConn(ctx, e)
	if err != nil {
		metrics.RelayTasks.WithLabelValues("unreachable").Inc()
		return err
	}
	if err := task(ctx, conn); err != nil {
		metrics.RelayTasks.WithLabelValues("error").Inc()
		return err
	}
	metrics.RelayTasks.WithLabelValues("ok").Inc()
	return nil
}

// QueryRelay runs a one-shot query on one relay under its budget.
func (p *Pool) QueryRelay(ctx context.Context, relayURL string, filters []types.Filter) ([]types.Event, error) {
	var events []types.Event
	err := p.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error {
		var err error
		events, err = c.Query(ctx, filters, p.opts.QueryTimeout)
		return err
	})
	return events, err
}

// SubscribeRelay opens a live subscription on one relay. Only sending the
// REQ counts against the relay's budget; the subscription itself lives until
// closed.
func (p *Pool) SubscribeRelay(ctx context.Context, relayURL string, filters []types.Filter) (*Subscription, error) {
	var sub *Subscription
	err := p.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error {
		var err error
		sub, err = c.Subscribe(ctx, filters)
		return err
	})
	return sub, err
}

// Publish sends evt to every relay in the pool and waits for all of them to
// settle. Slow or failing relays only affect their own result.
func (p *Pool) Publish(ctx context.Context, evt types.Event) []types.PublishResult {
	urls := p.Relays()
	results := make([]types.PublishResult, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			res := types.PublishResult{RelayURL: u}
			pubCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
			defer cancel()
			res.Err = p.Schedule(pubCtx, u, func(ctx context.Context, c *Conn) error {
				var err error
				res.Accepted, res.Message, err = c.Publish(ctx, evt)
				return err
			})
			if res.Err != nil {
				slog.Debug("publish to relay failed", "relay", u, "event_id", nostr.ShortID(evt.ID), "error", res.Err)
			}
			results[i] = res
		}(i, u)
	}
	wg.Wait()
	return results
}

// Verify reports whether evt has a correct id and signature.
func (p *Pool) Verify(evt types.Event) bool {
	return nostr.VerifyEvent(evt)
}

// Close disconnects every relay and stops background work.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.closed = true
		entries := make([]*relayEntry, 0, len(p.relays))
		for _, e := range p.relays {
			entries = append(entries, e)
		}
		p.relays = make(map[string]*relayEntry)
		p.mu.Unlock()

		for _, e := range entries {
			p.closeEntry(e)
		}
	})
}

// cleanupLoop periodically closes idle connections. Their relays stay
// registered and reconnect on demand.
func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.opts.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup(time.Now())
		}
	}
}

func (p *Pool) cleanup(now time.Time) {
	p.mu.RLock()
	entries := make([]*relayEntry, 0, len(p.relays))
	for _, e := range p.relays {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		conn := e.current()
		if conn == nil {
			continue
		}
		if conn.idleSince(now) > p.opts.IdleTimeout {
			slog.Debug("closing idle relay connection", "relay", e.url)
			conn.markClosed("idle")
		}
	}
}

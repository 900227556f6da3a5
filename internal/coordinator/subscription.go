package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relayreel/internal/metrics"
	"relayreel/internal/relay"
	"relayreel/internal/types"
)

// Handlers receive a subscription's output. Only OnEvent is required.
type Handlers struct {
	OnEvent func(types.Event)
	// OnEOSE is called once per relay when it finished sending stored events.
	OnEOSE func(relayURL string)
	// OnClose is called when every relay ended the subscription by itself.
	OnClose func(reasons []string)
}

// Subscription is one logical subscription spread over all relays.
type Subscription struct {
	handlers  Handlers
	verify    func(types.Event) bool
	debouncer *Debouncer

	relaySubs []*relay.Subscription

	deliverMu sync.Mutex
	mu        sync.Mutex
	seen      map[string]bool
	reasons   []string
	live      int

	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe opens filters on every relay. With debounce > 0 events are
// delivered in batches after debounce of quiet; otherwise each event is
// delivered as it arrives. Events are verified and each id is delivered once.
// When no relay accepts the REQ the subscription is still returned, with
// Relays() == 0, and only needs closing.
func (c *Coordinator) Subscribe(ctx context.Context, filters []types.Filter, h Handlers, debounce time.Duration) (*Subscription, error) {
	s := &Subscription{
		handlers: h,
		verify:   c.pool.Verify,
		seen:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	if debounce > 0 {
		s.debouncer = NewDebouncer(debounce, s.deliverBatch)
	}

	urls := c.pool.Relays()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			sub, err := c.pool.SubscribeRelay(ctx, u, filters)
			if err != nil {
				slog.Debug("relay subscribe failed", "relay", u, "error", err)
				return
			}
			mu.Lock()
			s.relaySubs = append(s.relaySubs, sub)
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	if len(urls) > 0 && len(s.relaySubs) == 0 {
		slog.Warn("subscription opened on no relay", "relays", len(urls))
	}

	metrics.SubscriptionsActive.Inc()
	s.live = len(s.relaySubs)
	for _, sub := range s.relaySubs {
		go s.pump(sub)
	}
	return s, nil
}

func (s *Subscription) pump(sub *relay.Subscription) {
	for {
		select {
		case <-s.done:
			return
		case evt := <-sub.EventChan:
			s.receive(evt)
		case <-sub.EOSEChan:
			if s.handlers.OnEOSE != nil && !s.Closed() {
				s.handlers.OnEOSE(sub.RelayURL)
			}
		case <-sub.Done:
			for buffered := true; buffered; {
				select {
				case evt := <-sub.EventChan:
					s.receive(evt)
				default:
					buffered = false
				}
			}
			s.relayEnded(sub)
			return
		}
	}
}

func (s *Subscription) receive(evt types.Event) {
	if !s.verify(evt) {
		metrics.EventsRejected.Inc()
		return
	}
	s.mu.Lock()
	if s.seen[evt.ID] {
		s.mu.Unlock()
		return
	}
	s.seen[evt.ID] = true
	s.mu.Unlock()

	if s.debouncer != nil {
		s.debouncer.Add(evt)
		return
	}
	s.deliverBatch([]types.Event{evt})
}

func (s *Subscription) deliverBatch(events []types.Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, evt := range events {
		if s.Closed() {
			return
		}
		s.handlers.OnEvent(evt)
	}
}

func (s *Subscription) relayEnded(sub *relay.Subscription) {
	s.mu.Lock()
	if r := sub.Reason(); r != "" {
		s.reasons = append(s.reasons, sub.RelayURL+": "+r)
	}
	s.live--
	last := s.live == 0
	reasons := append([]string(nil), s.reasons...)
	s.mu.Unlock()

	if last && !s.Closed() && s.handlers.OnClose != nil {
		s.handlers.OnClose(reasons)
	}
}

// Relays is the number of relays that accepted the subscription.
func (s *Subscription) Relays() int {
	return len(s.relaySubs)
}

// Closed reports whether Close was called.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close ends the subscription on every relay and drops undelivered events.
// It is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.debouncer != nil {
			s.debouncer.Stop()
		}
		for _, sub := range s.relaySubs {
			sub.Close()
		}
		metrics.SubscriptionsActive.Dec()
	})
}

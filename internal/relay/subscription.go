package relay

import (
	"sync"

	"relayreel/internal/types"
)

// Subscription represents an active REQ on one relay connection.
// Done is closed when the subscription ends for any reason.
type Subscription struct {
	ID        string
	RelayURL  string
	EventChan chan types.Event
	EOSEChan  chan struct{}
	Done      chan struct{}

	unsub     func()
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

// NewSubscription creates a detached subscription with the given event buffer.
// Pools attach the CLOSE hook themselves.
func NewSubscription(id, relayURL string, buffer int) *Subscription {
	return &Subscription{
		ID:        id,
		RelayURL:  relayURL,
		EventChan: make(chan types.Event, buffer),
		EOSEChan:  make(chan struct{}, 1),
		Done:      make(chan struct{}),
	}
}

// Close sends CLOSE to the relay (if still connected) and ends the
// subscription. Safe to call more than once and after the relay dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		close(s.Done)
	})
}

// Finish ends the subscription without contacting the relay, recording why.
func (s *Subscription) Finish(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.Done)
	})
}

// Reason is the relay's CLOSED message or the transport error, if any.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// deliver hands an event to the subscriber without blocking the read loop.
func (s *Subscription) deliver(evt types.Event) bool {
	select {
	case <-s.Done:
		return true
	default:
	}
	select {
	case s.EventChan <- evt:
		return true
	case <-s.Done:
		return true
	default:
		return false
	}
}

func (s *Subscription) signalEOSE() {
	select {
	case s.EOSEChan <- struct{}{}:
	default:
	}
}

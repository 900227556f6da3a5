package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relayreel/internal/metrics"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

const subscriptionBuffer = 256

var errConnClosed = errors.New("relay connection closed")

type okResult struct {
	accepted bool
	message  string
}

// Conn manages a single relay transport with multiple subscriptions.
// It is handed to scheduled tasks and is only valid while the task runs
// or until the relay drops.
type Conn struct {
	url     string
	tr      Transport
	onClose func()

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	okWaiters     map[string]chan okResult
	closed        bool
	done          chan struct{}
	lastActivity  time.Time
}

func newConn(url string, tr Transport, onClose func()) *Conn {
	return &Conn{
		url:           url,
		tr:            tr,
		onClose:       onClose,
		subscriptions: make(map[string]*Subscription),
		okWaiters:     make(map[string]chan okResult),
		done:          make(chan struct{}),
		lastActivity:  time.Now(),
	}
}

// URL returns the relay URL.
func (c *Conn) URL() string { return c.url }

// Closed reports whether the transport has gone away.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return errConnClosed
	}
	if err := c.tr.WriteJSON(v); err != nil {
		c.markClosed(err.Error())
		return err
	}
	c.touch()
	return nil
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// idleSince reports how long the connection has had no traffic and no subscriptions.
func (c *Conn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) > 0 || len(c.okWaiters) > 0 {
		return 0
	}
	return now.Sub(c.lastActivity)
}

// Subscribe sends a REQ and returns the live subscription.
func (c *Conn) Subscribe(ctx context.Context, filters []types.Filter) (*Subscription, error) {
	sub := NewSubscription(uuid.NewString(), c.url, subscriptionBuffer)
	sub.unsub = func() { c.unsubscribe(sub.ID) }

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	c.subscriptions[sub.ID] = sub
	c.mu.Unlock()

	req := make([]interface{}, 0, 2+len(filters))
	req = append(req, "REQ", sub.ID)
	for _, f := range filters {
		req = append(req, f)
	}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, sub.ID)
		c.mu.Unlock()
		sub.Finish(err.Error())
		return nil, err
	}
	return sub, nil
}

// unsubscribe removes the subscription and sends CLOSE best effort.
func (c *Conn) unsubscribe(subID string) {
	c.mu.Lock()
	_, exists := c.subscriptions[subID]
	shouldSendClose := !c.closed && exists
	delete(c.subscriptions, subID)
	c.mu.Unlock()

	if shouldSendClose {
		if err := c.write([]interface{}{"CLOSE", subID}); err != nil {
			slog.Debug("relay CLOSE failed", "relay", c.url, "error", err)
		}
	}
}

// Query runs a one-shot REQ and collects events until EOSE, CLOSED, or
// maxWait elapses. Hitting maxWait returns what arrived so far.
func (c *Conn) Query(ctx context.Context, filters []types.Filter, maxWait time.Duration) ([]types.Event, error) {
	sub, err := c.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var events []types.Event
	for {
		select {
		case evt := <-sub.EventChan:
			events = append(events, evt)
		case <-sub.EOSEChan:
			return append(events, drain(sub.EventChan)...), nil
		case <-sub.Done:
			events = append(events, drain(sub.EventChan)...)
			if reason := sub.Reason(); reason != "" && len(events) == 0 {
				return nil, fmt.Errorf("relay closed subscription: %s", reason)
			}
			return events, nil
		case <-timer.C:
			return events, nil
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

func drain(ch chan types.Event) []types.Event {
	var out []types.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

// Publish sends an EVENT and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, evt types.Event) (bool, string, error) {
	waiter := make(chan okResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, "", errConnClosed
	}
	c.okWaiters[evt.ID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.okWaiters[evt.ID] == waiter {
			delete(c.okWaiters, evt.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.write([]interface{}{"EVENT", evt}); err != nil {
		return false, "", err
	}

	select {
	case res := <-waiter:
		return res.accepted, res.message, nil
	case <-c.done:
		return false, "", errConnClosed
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// readLoop continuously reads from the transport and routes messages.
func (c *Conn) readLoop() {
	reason := ""
	defer func() { c.markClosed(reason) }()

	for {
		var msg []interface{}
		if err := c.tr.ReadJSON(&msg); err != nil {
			if !c.Closed() {
				slog.Debug("relay read error", "relay", c.url, "error", err)
			}
			reason = err.Error()
			return
		}
		c.touch()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, _ := msg[1].(string)
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				metrics.EventsRejected.Inc()
				continue
			}
			if sub := c.subscription(subID); sub != nil && !sub.deliver(evt) {
				metrics.EventsDropped.Inc()
			}

		case "EOSE":
			subID, _ := msg[1].(string)
			if sub := c.subscription(subID); sub != nil {
				sub.signalEOSE()
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			why := ""
			if len(msg) >= 3 {
				why, _ = msg[2].(string)
			}
			c.mu.Lock()
			sub := c.subscriptions[subID]
			delete(c.subscriptions, subID)
			c.mu.Unlock()
			if sub != nil {
				if why == "" {
					why = "closed by relay"
				}
				sub.Finish(why)
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			id, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			message := ""
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}
			c.mu.Lock()
			waiter := c.okWaiters[id]
			c.mu.Unlock()
			if waiter != nil {
				select {
				case waiter <- okResult{accepted: accepted, message: message}:
				default:
				}
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Info("relay notice", "relay", c.url, "notice", notice)
		}
	}
}

func (c *Conn) subscription(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[id]
}

// markClosed marks the connection as closed and ends every subscription.
func (c *Conn) markClosed(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subscriptions
	c.subscriptions = make(map[string]*Subscription)
	close(c.done)
	c.mu.Unlock()

	c.tr.Close()
	if reason == "" {
		reason = "connection closed"
	}
	for _, sub := range subs {
		sub.Finish(reason)
	}
	if c.onClose != nil {
		c.onClose()
	}
}

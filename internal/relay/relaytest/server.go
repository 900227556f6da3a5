// Package relaytest runs an in-process relay speaking NIP-01 over websockets
// for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a minimal relay: it stores published events, answers REQ with
// stored matches followed by EOSE, and forwards new events to live REQs.
type Server struct {
	URL string

	// RejectPublish makes the relay answer OK false to every EVENT.
	RejectPublish atomic.Bool
	// ReqDelay holds each REQ answer back by this long.
	ReqDelay atomic.Int64

	srv *httptest.Server

	mu      sync.Mutex
	events  []types.Event
	clients map[*client]bool
	reqs    int
	closes  int
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string][]types.Filter
}

func (c *client) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(v)
}

// NewServer starts a relay; it is stopped by Close.
func NewServer() *Server {
	s := &Server{clients: make(map[*client]bool)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

// Close stops the relay and drops every client connection.
func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}

// DropClients closes every open client connection.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Store adds events as if they had been published earlier.
func (s *Server) Store(events ...types.Event) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

// Events returns the stored events.
func (s *Server) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// ReqCount is the number of REQ messages received.
func (s *Server) ReqCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs
}

// CloseCount is the number of CLOSE messages received.
func (s *Server) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// ClientCount is the number of open client connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ActiveSubscriptions counts live REQs across clients.
func (s *Server) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// Broadcast delivers evt to matching live subscriptions and stores it.
func (s *Server) Broadcast(evt types.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var matched []string
		for id, filters := range c.subs {
			if MatchesAny(filters, evt) {
				matched = append(matched, id)
			}
		}
		c.mu.Unlock()
		for _, id := range matched {
			c.send([]interface{}{"EVENT", id, evt})
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, subs: make(map[string][]types.Filter)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var kind string
		json.Unmarshal(msg[0], &kind)

		switch kind {
		case "REQ":
			var id string
			json.Unmarshal(msg[1], &id)
			var filters []types.Filter
			for _, raw := range msg[2:] {
				var f types.Filter
				if err := json.Unmarshal(raw, &f); err == nil {
					filters = append(filters, f)
				}
			}
			s.mu.Lock()
			s.reqs++
			stored := append([]types.Event(nil), s.events...)
			s.mu.Unlock()

			if d := s.ReqDelay.Load(); d > 0 {
				time.Sleep(time.Duration(d))
			}
			c.mu.Lock()
			c.subs[id] = filters
			c.mu.Unlock()

			for _, evt := range Select(filters, stored) {
				c.send([]interface{}{"EVENT", id, evt})
			}
			c.send([]interface{}{"EOSE", id})

		case "CLOSE":
			var id string
			json.Unmarshal(msg[1], &id)
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			s.mu.Lock()
			s.closes++
			s.mu.Unlock()

		case "EVENT":
			var evt types.Event
			if err := json.Unmarshal(msg[1], &evt); err != nil {
				continue
			}
			if !nostr.VerifyEvent(evt) {
				c.send([]interface{}{"OK", evt.ID, false, "invalid: bad signature"})
				continue
			}
			if s.RejectPublish.Load() {
				c.send([]interface{}{"OK", evt.ID, false, "blocked: test relay"})
				continue
			}
			c.send([]interface{}{"OK", evt.ID, true, ""})
			s.Broadcast(evt)
		}
	}
}

// Select returns stored events matching any filter, newest first, honouring
// the smallest limit given.
func Select(filters []types.Filter, stored []types.Event) []types.Event {
	var out []types.Event
	limit := 0
	for _, f := range filters {
		if f.Limit > 0 && (limit == 0 || f.Limit < limit) {
			limit = f.Limit
		}
	}
	for _, evt := range stored {
		if MatchesAny(filters, evt) {
			out = append(out, evt)
		}
	}
	out = nostr.DedupeEvents(out)
	nostr.SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MatchesAny reports whether evt matches at least one filter.
func MatchesAny(filters []types.Filter, evt types.Event) bool {
	for _, f := range filters {
		if Matches(f, evt) {
			return true
		}
	}
	return false
}

// Matches applies NIP-01 filter semantics.
func Matches(f types.Filter, evt types.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		found := false
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == name && contains(values, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

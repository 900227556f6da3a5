package relay

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
)

// Transport is a message based duplex channel to one relay.
// *websocket.Conn satisfies it; WebsocketDialer adds keepalive on top.
type Transport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens transports to relays.
type Dialer interface {
	Dial(ctx context.Context, relayURL string) (Transport, error)
}

// WebsocketDialer dials relays with gorilla/websocket.
type WebsocketDialer struct {
	// AllowPrivate permits relays on private networks. Loopback is always allowed.
	AllowPrivate bool
}

// Dial connects to relayURL and starts a ping loop that keeps the read
// deadline moving while the relay answers pongs.
func (d WebsocketDialer) Dial(ctx context.Context, relayURL string) (Transport, error) {
	if !d.AllowPrivate && !isRelayURLSafe(relayURL) {
		return nil, errors.New("relay URL blocked: unsafe destination")
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	wc := &wsTransport{conn: conn, stop: make(chan struct{})}
	go wc.pingLoop()
	return wc, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

func (w *wsTransport) ReadJSON(v interface{}) error {
	return w.conn.ReadJSON(v)
}

func (w *wsTransport) WriteJSON(v interface{}) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsTransport) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.conn.Close()
	})
	return err
}

func (w *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still resolve for the dialer; only block obvious internal names.
		return !strings.HasSuffix(host, ".") &&
			!strings.Contains(host, ".local") &&
			!strings.Contains(host, ".internal")
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe allows loopback but blocks private, link-local,
// unspecified and multicast addresses.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return !ip.IsPrivate() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsUnspecified() &&
		!ip.IsMulticast()
}

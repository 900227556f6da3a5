package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relayreel/internal/nostr/nostrtest"
	"relayreel/internal/relay/relaytest"
	"relayreel/internal/types"
)

// memTransport is a transport that never receives anything until closed.
type memTransport struct {
	closed chan struct{}
	once   sync.Once
}

func (m *memTransport) ReadJSON(v interface{}) error {
	<-m.closed
	return errors.New("transport closed")
}

func (m *memTransport) WriteJSON(v interface{}) error { return nil }

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

type memDialer struct {
	dials atomic.Int32
	fail  bool
}

func (d *memDialer) Dial(ctx context.Context, relayURL string) (Transport, error) {
	d.dials.Add(1)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	return &memTransport{closed: make(chan struct{})}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestScheduleRespectsBudgetAndOrder(t *testing.T) {
	const relayURL = "wss://relay.example.com"
	pool := NewPool(Options{Dialer: &memDialer{}, MaxConcurrentPerRelay: 2})
	defer pool.Close()
	ctx := context.Background()
	if err := pool.Connect(ctx, []string{relayURL}); err != nil {
		t.Fatal(err)
	}

	const tasks = 6
	started := make(chan int, tasks)
	release := make([]chan struct{}, tasks)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < tasks; i++ {
		release[i] = make(chan struct{})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				started <- i
				<-release[i]
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("task %d: %v", i, err)
			}
		}(i)
		// Let each task reach the queue before submitting the next.
		time.Sleep(20 * time.Millisecond)
	}

	first := map[int]bool{<-started: true, <-started: true}
	if !first[0] || !first[1] {
		t.Fatalf("first tasks = %v, want 0 and 1", first)
	}
	select {
	case i := <-started:
		t.Fatalf("task %d started beyond the budget", i)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < tasks-2; i++ {
		close(release[i])
		if got := <-started; got != i+2 {
			t.Fatalf("after releasing %d, started %d; want %d", i, got, i+2)
		}
	}
	close(release[tasks-2])
	close(release[tasks-1])
	wg.Wait()

	if maxRunning.Load() > 2 {
		t.Errorf("max concurrent = %d, want <= 2", maxRunning.Load())
	}
}

func TestScheduleReleasesTokenOnErrorAndCancel(t *testing.T) {
	const relayURL = "wss://relay.example.com"
	pool := NewPool(Options{Dialer: &memDialer{}, MaxConcurrentPerRelay: 1})
	defer pool.Close()
	ctx := context.Background()
	pool.Connect(ctx, []string{relayURL})

	boom := errors.New("boom")
	if err := pool.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Schedule = %v, want boom", err)
	}

	hold := make(chan struct{})
	go pool.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error {
		<-hold
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := pool.Schedule(waitCtx, relayURL, func(ctx context.Context, c *Conn) error {
		t.Error("cancelled task ran")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued task error = %v, want deadline exceeded", err)
	}

	close(hold)
	done := make(chan error, 1)
	go func() {
		done <- pool.Schedule(ctx, relayURL, func(ctx context.Context, c *Conn) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow-up task: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("token leaked: follow-up task never ran")
	}

	if err := pool.Schedule(ctx, "wss://other.example.com", func(ctx context.Context, c *Conn) error { return nil }); !errors.Is(err, ErrUnknownRelay) {
		t.Errorf("unknown relay error = %v", err)
	}
}

func TestConnectIsSymmetricDifference(t *testing.T) {
	a := relaytest.NewServer()
	defer a.Close()
	b := relaytest.NewServer()
	defer b.Close()
	unreachable := "ws://127.0.0.1:1"

	pool := NewPool(Options{})
	defer pool.Close()
	ctx := context.Background()

	if err := pool.Connect(ctx, []string{a.URL, b.URL}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if pool.State(a.URL) != Connected || pool.State(b.URL) != Connected {
		t.Fatalf("states = %v, %v", pool.State(a.URL), pool.State(b.URL))
	}

	if err := pool.Connect(ctx, []string{b.URL, unreachable}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	relays := pool.Relays()
	if len(relays) != 2 {
		t.Fatalf("relays = %v", relays)
	}
	waitFor(t, "relay a disconnect", func() bool { return a.ClientCount() == 0 })
	if b.ClientCount() != 1 {
		t.Errorf("relay b clients = %d, want 1 (kept connection)", b.ClientCount())
	}
	if pool.State(unreachable) != Disconnected {
		t.Errorf("unreachable state = %v", pool.State(unreachable))
	}

	// Connecting the same set again changes nothing.
	if err := pool.Connect(ctx, []string{b.URL, unreachable}); err != nil {
		t.Fatal(err)
	}
	if b.ClientCount() != 1 {
		t.Errorf("idempotent Connect reconnected b: %d clients", b.ClientCount())
	}

	if err := pool.Connect(ctx, nil); !errors.Is(err, ErrNoRelays) {
		t.Errorf("empty Connect = %v, want ErrNoRelays", err)
	}
}

func TestPublishSettlesEveryRelay(t *testing.T) {
	ok := relaytest.NewServer()
	defer ok.Close()
	rejecting := relaytest.NewServer()
	defer rejecting.Close()
	rejecting.RejectPublish.Store(true)
	unreachable := "ws://127.0.0.1:1"

	pool := NewPool(Options{PublishTimeout: 2 * time.Second})
	defer pool.Close()
	ctx := context.Background()
	pool.Connect(ctx, []string{ok.URL, rejecting.URL, unreachable})

	evt := nostrtest.Note(t, time.Now().Unix(), "hello relays")
	results := pool.Publish(ctx, evt)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	byURL := map[string]types.PublishResult{}
	for _, r := range results {
		byURL[r.RelayURL] = r
	}
	if r := byURL[ok.URL]; !r.Accepted || r.Err != nil {
		t.Errorf("accepting relay result = %+v", r)
	}
	if r := byURL[rejecting.URL]; r.Accepted || r.Err != nil || r.Message == "" {
		t.Errorf("rejecting relay result = %+v", r)
	}
	if r := byURL[unreachable]; !errors.Is(r.Err, ErrRelayUnreachable) {
		t.Errorf("unreachable relay result = %+v", r)
	}
	if got := ok.Events(); len(got) != 1 || got[0].ID != evt.ID {
		t.Errorf("relay stored %v", got)
	}
}

func TestQueryRelayDropsInvalidEvents(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	good := nostrtest.Note(t, 100, "good")
	forged := nostrtest.Note(t, 101, "forged")
	forged.Content = "tampered"
	srv.Store(good, forged)

	pool := NewPool(Options{})
	defer pool.Close()
	ctx := context.Background()
	pool.Connect(ctx, []string{srv.URL})

	events, err := pool.QueryRelay(ctx, srv.URL, []types.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatalf("QueryRelay: %v", err)
	}
	if len(events) != 1 || events[0].ID != good.ID {
		t.Errorf("events = %+v, want only the valid one", events)
	}
	if !pool.Verify(good) || pool.Verify(forged) {
		t.Error("Verify disagrees with signature state")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	pool := NewPool(Options{})
	defer pool.Close()
	ctx := context.Background()
	pool.Connect(ctx, []string{srv.URL})

	sub, err := pool.SubscribeRelay(ctx, srv.URL, []types.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatalf("SubscribeRelay: %v", err)
	}
	select {
	case <-sub.EOSEChan:
	case <-time.After(2 * time.Second):
		t.Fatal("no EOSE")
	}

	live := nostrtest.Note(t, time.Now().Unix(), "live")
	srv.Broadcast(live)
	select {
	case evt := <-sub.EventChan:
		if evt.ID != live.ID {
			t.Errorf("got %s, want %s", evt.ID, live.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}

	sub.Close()
	sub.Close()
	waitFor(t, "CLOSE at relay", func() bool { return srv.CloseCount() == 1 })
	select {
	case <-sub.Done:
	default:
		t.Error("Done not closed after Close")
	}

	// A subscription whose relay drops is finished, and Close stays safe.
	second, err := pool.SubscribeRelay(ctx, srv.URL, []types.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatal(err)
	}
	srv.DropClients()
	select {
	case <-second.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not finished after relay dropped")
	}
	if second.Reason() == "" {
		t.Error("no reason recorded for dropped subscription")
	}
	second.Close()
	waitFor(t, "disconnected state", func() bool { return pool.State(srv.URL) == Disconnected })

	// The relay is redialled lazily on the next task.
	if _, err := pool.QueryRelay(ctx, srv.URL, []types.Filter{{Kinds: []int{1}}}); err != nil {
		t.Fatalf("query after drop: %v", err)
	}
	if pool.State(srv.URL) != Connected {
		t.Errorf("state after redial = %v", pool.State(srv.URL))
	}
}

func TestConnectFailureIsolated(t *testing.T) {
	d := &memDialer{fail: true}
	pool := NewPool(Options{Dialer: d})
	defer pool.Close()
	ctx := context.Background()

	if err := pool.Connect(ctx, []string{"wss://down.example.com"}); err != nil {
		t.Fatalf("Connect should swallow per-relay failures: %v", err)
	}
	err := pool.Schedule(ctx, "wss://down.example.com", func(ctx context.Context, c *Conn) error { return nil })
	if !errors.Is(err, ErrRelayUnreachable) {
		t.Errorf("Schedule on failed relay = %v", err)
	}
	if d.dials.Load() != 2 {
		t.Errorf("dials = %d, want lazy retry (2)", d.dials.Load())
	}
}

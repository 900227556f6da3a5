package thread

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"relayreel/internal/auth"
	"relayreel/internal/coordinator"
	"relayreel/internal/coordinator/coordtest"
	"relayreel/internal/nostr"
	"relayreel/internal/nostr/nostrtest"
	"relayreel/internal/types"
)

const rootID = "1111111111111111111111111111111111111111111111111111111111111111"

func comment(t *testing.T, createdAt int64, content string, parent string) types.Event {
	t.Helper()
	tags := [][]string{nostr.EventTag(rootID, nostr.MarkerRoot)}
	if parent != "" {
		tags = append(tags, nostr.EventTag(parent, nostr.MarkerReply))
	}
	return nostrtest.Note(t, createdAt, content, tags...)
}

func newThread(t *testing.T, pool *coordtest.Pool) (*Thread, *coordinator.Coordinator) {
	t.Helper()
	coord := coordinator.New(pool, coordinator.Options{})
	t.Cleanup(coord.Close)
	th := New(coord, Options{})
	t.Cleanup(th.Close)
	return th, coord
}

func contents(nodes []*Node) string {
	s := ""
	for _, n := range nodes {
		s += n.Event.Content
		if len(n.Replies) > 0 {
			s += "(" + contents(n.Replies) + ")"
		}
		s += " "
	}
	return s
}

func TestIntegrateBuildsTree(t *testing.T) {
	th, _ := newThread(t, coordtest.NewPool())
	th.root = rootID

	a := comment(t, 30, "a", "")
	b := comment(t, 10, "b", "")
	reply := comment(t, 40, "a1", a.ID)
	orphan := comment(t, 20, "orphan", "ffff")
	foreign := nostrtest.Note(t, 5, "foreign", nostr.EventTag("other-root", nostr.MarkerRoot))

	for _, evt := range []types.Event{a, b, reply, orphan, a, foreign} {
		th.integrateLocked(evt)
	}

	if got, want := contents(th.Comments()), "b orphan a(a1 ) "; got != want {
		t.Errorf("tree = %q, want %q", got, want)
	}
	if th.Len() != 4 {
		t.Errorf("Len = %d, want 4", th.Len())
	}
	if th.cursor != 10 {
		t.Errorf("cursor = %d, want 10", th.cursor)
	}
}

func TestCommentsReturnsCopy(t *testing.T) {
	th, _ := newThread(t, coordtest.NewPool())
	th.root = rootID
	a := comment(t, 1, "a", "")
	th.integrateLocked(a)
	th.integrateLocked(comment(t, 2, "a1", a.ID))

	c := th.Comments()
	c[0].Replies = nil
	if len(th.Comments()[0].Replies) != 1 {
		t.Error("mutating the copy changed the thread")
	}
}

func TestRequiresRoot(t *testing.T) {
	th, _ := newThread(t, coordtest.NewPool("wss://a"))
	ctx := context.Background()
	if err := th.LoadMore(ctx); !errors.Is(err, ErrNoRootSelected) {
		t.Errorf("LoadMore: %v", err)
	}
	if _, err := th.AddComment(ctx, "hi"); !errors.Is(err, ErrNoRootSelected) {
		t.Errorf("AddComment: %v", err)
	}
	if _, err := th.ReplyTo(ctx, "x", "hi"); !errors.Is(err, ErrNoRootSelected) {
		t.Errorf("ReplyTo: %v", err)
	}
}

func TestLoadMorePages(t *testing.T) {
	pool := coordtest.NewPool("wss://a")
	for i := 1; i <= 25; i++ {
		pool.StoreAll(comment(t, int64(i), fmt.Sprint(i), ""))
	}
	th, _ := newThread(t, pool)
	ctx := context.Background()
	if err := th.SetRoot(ctx, rootID); err != nil {
		t.Fatal(err)
	}

	if err := th.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if th.Len() != 20 || !th.HasMore() {
		t.Fatalf("after first page: %d comments, hasMore %v", th.Len(), th.HasMore())
	}
	top := th.Comments()
	if top[0].Event.Content != "6" || top[19].Event.Content != "25" {
		t.Errorf("first page order: %s .. %s", top[0].Event.Content, top[19].Event.Content)
	}

	th.LoadMore(ctx)
	log := pool.QueryLog()
	if until := log[len(log)-1][0].Until; until == nil || *until != 5 {
		t.Errorf("second page until = %v", until)
	}
	if th.Len() != 25 || th.HasMore() {
		t.Fatalf("after second page: %d comments, hasMore %v", th.Len(), th.HasMore())
	}
	if first := th.Comments()[0].Event.Content; first != "1" {
		t.Errorf("oldest comment = %s", first)
	}

	queries := pool.Queries()
	th.LoadMore(ctx)
	if pool.Queries() != queries {
		t.Error("exhausted thread queried again")
	}
}

func TestAddCommentAndReply(t *testing.T) {
	pool := coordtest.NewPool("wss://a")
	th, coord := newThread(t, pool)
	ctx := context.Background()

	th.SetRoot(ctx, rootID)
	if _, err := th.AddComment(ctx, "first"); !errors.Is(err, auth.ErrSigningUnavailable) {
		t.Errorf("AddComment without signer: %v", err)
	}

	signer, _ := auth.NewKeySigner(nostrtest.PrivKeyHex)
	coord.SetSigner(signer)

	c, err := th.AddComment(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}
	if nostr.RootID(c) != rootID || nostr.ParentID(c) != "" {
		t.Errorf("comment tags = %v", c.Tags)
	}
	r, err := th.ReplyTo(ctx, c.ID, "second")
	if err != nil {
		t.Fatal(err)
	}
	if nostr.ParentID(r) != c.ID {
		t.Errorf("reply tags = %v", r.Tags)
	}

	// the live subscription sees both again; they must not duplicate
	time.Sleep(30 * time.Millisecond)
	if got := contents(th.Comments()); got != "first(second ) " {
		t.Errorf("tree = %q", got)
	}
}

func TestLiveCommentsAndRootSwitch(t *testing.T) {
	pool := coordtest.NewPool("wss://a")
	th, _ := newThread(t, pool)
	ctx := context.Background()
	th.SetRoot(ctx, rootID)

	live := comment(t, time.Now().Unix()+1, "live", "")
	pool.Emit(live)
	coordtest.WaitFor(t, "live comment", func() bool { return th.Len() == 1 })

	sub := pool.Subscriptions()[0]
	th.SetRoot(ctx, "")
	select {
	case <-sub.Done:
	default:
		t.Error("subscription left open after clearing root")
	}
	if th.Len() != 0 || th.Root() != "" {
		t.Errorf("thread not cleared: %d comments, root %q", th.Len(), th.Root())
	}
}

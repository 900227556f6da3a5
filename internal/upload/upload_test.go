package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relayreel/internal/cache"
	"relayreel/internal/coordinator"
	"relayreel/internal/coordinator/coordtest"
	"relayreel/internal/nostr"
	"relayreel/internal/nostr/nostrtest"
	"relayreel/internal/types"
	"relayreel/internal/util"
)

const creator = "3333333333333333333333333333333333333333333333333333333333333333"

func memQueue(t *testing.T) *Queue {
	t.Helper()
	store := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { store.Close() })
	return NewQueue(store)
}

func ids(t *testing.T, q *Queue) []string {
	t.Helper()
	got, err := q.IDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestQueueOrder(t *testing.T) {
	q := memQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, Record{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Enqueue(ctx, Record{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	if got := ids(t, q); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("index = %v", got)
	}

	head, ok, _ := q.Peek(ctx)
	if !ok || head.ID != "a" {
		t.Fatalf("Peek = %v %v", head.ID, ok)
	}
	head.Attempts = 1
	if err := q.MoveToTail(ctx, head); err != nil {
		t.Fatal(err)
	}
	if got := ids(t, q); got[0] != "b" || got[2] != "a" {
		t.Errorf("after MoveToTail = %v", got)
	}

	q.Remove(ctx, "b")
	q.Remove(ctx, "missing")
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len = %d", n)
	}

	rec, ok, _ := q.Peek(ctx)
	if !ok || rec.ID != "c" {
		t.Errorf("Peek after remove = %v", rec.ID)
	}
}

func TestQueueAssignsID(t *testing.T) {
	q := memQueue(t)
	rec, err := q.Enqueue(context.Background(), Record{Caption: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.CreatedAt == 0 {
		t.Errorf("record = %+v", rec)
	}
}

func TestPeekSkipsMissingRecords(t *testing.T) {
	store := cache.NewMemoryCache(100, time.Minute)
	defer store.Close()
	q := NewQueue(store)
	ctx := context.Background()
	q.Enqueue(ctx, Record{ID: "gone"})
	q.Enqueue(ctx, Record{ID: "kept"})
	store.Delete(ctx, recordKey("gone"))

	rec, ok, err := q.Peek(ctx)
	if err != nil || !ok || rec.ID != "kept" {
		t.Fatalf("Peek = %v %v %v", rec.ID, ok, err)
	}
	if got := ids(t, q); len(got) != 1 {
		t.Errorf("index still holds missing record: %v", got)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	ctx := context.Background()

	store, err := cache.NewPebbleCache(path)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueue(store)
	q.Enqueue(ctx, Record{ID: "1", Payload: []byte("one")})
	q.Enqueue(ctx, Record{ID: "2", Payload: []byte("two")})
	store.Close()

	store, err = cache.NewPebbleCache(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	q = NewQueue(store)
	rec, ok, err := q.Peek(ctx)
	if err != nil || !ok || rec.ID != "1" || string(rec.Payload) != "one" {
		t.Fatalf("Peek after reopen = %+v %v %v", rec, ok, err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len after reopen = %d", n)
	}
}

// flakyUploader fails the first attempt for ids in failOnce.
type flakyUploader struct {
	mu       sync.Mutex
	failOnce map[string]bool
	calls    map[string]int
	done     map[string]int
}

func newFlakyUploader(failOnce ...string) *flakyUploader {
	u := &flakyUploader{failOnce: map[string]bool{}, calls: map[string]int{}, done: map[string]int{}}
	for _, id := range failOnce {
		u.failOnce[id] = true
	}
	return u
}

func (u *flakyUploader) Upload(ctx context.Context, rec Record) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[rec.ID]++
	if u.failOnce[rec.ID] && u.calls[rec.ID] == 1 {
		return "", ErrUploadFailed
	}
	u.done[rec.ID]++
	return "https://media.example.com/" + rec.ID + ".mp4", nil
}

func newProcessor(t *testing.T, up Uploader) (*Processor, *Queue, *coordtest.Pool) {
	t.Helper()
	pool := coordtest.NewPool("wss://a")
	coord := coordinator.New(pool, coordinator.Options{})
	t.Cleanup(coord.Close)
	coord.SetSigner(signerFunc(func(tmpl types.EventTemplate) types.Event { return nostrtest.Sign(t, tmpl) }))
	q := memQueue(t)
	return NewProcessor(q, up, coord, pool, Options{MinPassInterval: time.Millisecond}), q, pool
}

type signerFunc func(types.EventTemplate) types.Event

func (f signerFunc) GetPublicKey(ctx context.Context) (string, error) {
	return nostrtest.PubKeyHex, nil
}

func (f signerFunc) SignEvent(ctx context.Context, tmpl types.EventTemplate) (types.Event, error) {
	return f(tmpl), nil
}

func TestProcessAllRetriesFailedRecordAtTail(t *testing.T) {
	up := newFlakyUploader("1")
	p, q, pool := newProcessor(t, up)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		q.Enqueue(ctx, Record{ID: id, Creator: creator, Caption: "clip " + id})
	}

	n, err := p.ProcessAll(ctx)
	if !errors.Is(err, ErrUploadFailed) || n != 0 {
		t.Fatalf("first pass = %d, %v", n, err)
	}
	if got := ids(t, q); len(got) != 3 || got[0] != "2" || got[2] != "1" {
		t.Fatalf("after failed pass = %v", got)
	}
	var rec1 Record
	raw, _, _ := q.store.Get(ctx, recordKey("1"))
	json.Unmarshal(raw, &rec1)
	if rec1.Attempts != 1 || rec1.LastError == "" {
		t.Errorf("requeued record = %+v", rec1)
	}

	n, err = p.ProcessAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("second pass = %d, %v", n, err)
	}
	if left, _ := q.Len(ctx); left != 0 {
		t.Errorf("queue holds %d records", left)
	}
	for _, id := range []string{"1", "2", "3"} {
		if up.done[id] != 1 {
			t.Errorf("record %s completed %d times", id, up.done[id])
		}
	}

	published := pool.Published()
	if len(published) != 3 {
		t.Fatalf("published %d announcements", len(published))
	}
	last := published[2]
	if last.Content != "https://media.example.com/1.mp4" || util.GetTagValue(last.Tags, "p") != creator || util.GetTagValue(last.Tags, "caption") != "clip 1" {
		t.Errorf("announcement = %+v", last)
	}
}

func TestProcessAllKeepsRecordWhenPublishFails(t *testing.T) {
	p, q, pool := newProcessor(t, newFlakyUploader())
	ctx := context.Background()
	q.Enqueue(ctx, Record{ID: "1"})

	pool.SetReject(true)
	if _, err := p.ProcessAll(ctx); !errors.Is(err, coordinator.ErrPublishFailed) {
		t.Fatalf("ProcessAll = %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatal("record removed after failed publish")
	}

	pool.SetReject(false)
	if n, err := p.ProcessAll(ctx); err != nil || n != 1 {
		t.Fatalf("retry = %d, %v", n, err)
	}
}

type rejectAll struct{}

func (rejectAll) Verify(types.Event) bool { return false }

func TestProcessAllKeepsRecordWhenVerifyFails(t *testing.T) {
	base, q, _ := newProcessor(t, newFlakyUploader())
	p := NewProcessor(q, base.uploader, base.pub, rejectAll{}, Options{})
	ctx := context.Background()
	q.Enqueue(ctx, Record{ID: "1"})

	if _, err := p.ProcessAll(ctx); !errors.Is(err, nostr.ErrInvalidEvent) {
		t.Fatalf("ProcessAll = %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Error("record removed after failed verification")
	}
}

func TestSubmitQueuesOnFailureAndRunDrains(t *testing.T) {
	up := newFlakyUploader("r")
	p, q, _ := newProcessor(t, up)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, queued, err := p.Submit(ctx, Record{ID: "r", Creator: creator}); err != nil || !queued {
		t.Fatalf("Submit = queued %v, %v", queued, err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("Len = %d", n)
	}

	done := make(chan struct{})
	go func() {
		p.Run(ctx, time.Hour)
		close(done)
	}()
	coordtest.WaitFor(t, "queue drained", func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	})

	res, queued, err := p.Submit(ctx, Record{ID: "s", Creator: creator})
	if err != nil || queued || res.URL == "" {
		t.Errorf("direct Submit = %+v queued %v err %v", res, queued, err)
	}

	cancel()
	<-done
}

func TestHTTPUploader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch string(body) {
		case "ok":
			if r.Header.Get("Content-Type") != "video/mp4" {
				t.Errorf("content type = %q", r.Header.Get("Content-Type"))
			}
			w.Write([]byte(`{"url":"https://media.example.com/x.mp4"}`))
		case "empty":
			w.Write([]byte(`{}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	u := &HTTPUploader{Client: srv.Client()}
	ctx := context.Background()
	url, err := u.Upload(ctx, Record{Endpoint: srv.URL, ContentType: "video/mp4", Payload: []byte("ok")})
	if err != nil || url != "https://media.example.com/x.mp4" {
		t.Errorf("Upload = %q, %v", url, err)
	}
	for _, payload := range []string{"empty", "fail"} {
		if _, err := u.Upload(ctx, Record{Endpoint: srv.URL, Payload: []byte(payload)}); !errors.Is(err, ErrUploadFailed) {
			t.Errorf("Upload(%s) = %v", payload, err)
		}
	}
}

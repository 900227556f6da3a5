package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relayreel/internal/metrics"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// ErrUploadFailed marks a record that must be retried later.
var ErrUploadFailed = errors.New("upload failed")

// Uploader transfers a record's payload and returns the public URL.
type Uploader interface {
	Upload(ctx context.Context, rec Record) (string, error)
}

// Publisher signs and broadcasts the upload announcement.
type Publisher interface {
	Publish(ctx context.Context, tmpl types.EventTemplate) (types.Event, error)
}

// Verifier checks an event's id and signature.
type Verifier interface {
	Verify(evt types.Event) bool
}

// Options tune a Processor.
type Options struct {
	// MinPassInterval is the shortest time between two processing passes.
	MinPassInterval time.Duration
}

// Result describes a completed upload.
type Result struct {
	URL   string
	Event types.Event
}

// Processor drains the queue: upload, announce, verify, in that order.
type Processor struct {
	queue    *Queue
	uploader Uploader
	pub      Publisher
	verifier Verifier

	limiter *rate.Limiter
	trigger chan struct{}
	pass    sync.Mutex
}

func NewProcessor(queue *Queue, uploader Uploader, pub Publisher, verifier Verifier, opts Options) *Processor {
	if opts.MinPassInterval <= 0 {
		opts.MinPassInterval = 5 * time.Second
	}
	return &Processor{
		queue:    queue,
		uploader: uploader,
		pub:      pub,
		verifier: verifier,
		limiter:  rate.NewLimiter(rate.Every(opts.MinPassInterval), 1),
		trigger:  make(chan struct{}, 1),
	}
}

func (p *Processor) attempt(ctx context.Context, rec Record) (Result, error) {
	url, err := p.uploader.Upload(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	evt, err := p.pub.Publish(ctx, types.EventTemplate{
		Kind:      types.KindTextNote,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"p", rec.Creator}, {"caption", rec.Caption}},
		Content:   url,
	})
	if err != nil {
		return Result{}, fmt.Errorf("announce: %w", err)
	}
	if !p.verifier.Verify(evt) {
		return Result{}, fmt.Errorf("announce: %w", nostr.ErrInvalidEvent)
	}
	return Result{URL: url, Event: evt}, nil
}

// ProcessAll works through the queue from the head. The first failure moves
// that record to the tail and ends the pass. It returns how many records
// completed.
func (p *Processor) ProcessAll(ctx context.Context) (int, error) {
	p.pass.Lock()
	defer p.pass.Unlock()

	done := 0
	for {
		rec, ok, err := p.queue.Peek(ctx)
		if err != nil {
			return done, err
		}
		if !ok {
			return done, nil
		}

		res, err := p.attempt(ctx, rec)
		if err != nil {
			metrics.UploadAttempts.WithLabelValues("failure").Inc()
			rec.Attempts++
			rec.LastError = err.Error()
			if qerr := p.queue.MoveToTail(ctx, rec); qerr != nil {
				slog.Error("upload requeue failed", "id", rec.ID, "error", qerr)
			}
			slog.Warn("upload attempt failed", "id", rec.ID, "attempts", rec.Attempts, "error", err)
			return done, fmt.Errorf("%w: %s: %w", ErrUploadFailed, rec.ID, err)
		}

		metrics.UploadAttempts.WithLabelValues("success").Inc()
		if err := p.queue.Remove(ctx, rec.ID); err != nil {
			return done, err
		}
		done++
		slog.Info("queued upload completed", "id", rec.ID, "url", res.URL, "event_id", nostr.ShortID(res.Event.ID))
	}
}

// Submit tries rec once and queues it when that fails. The error is only
// non-nil when the record could not be queued either; queued reports
// whether it was.
func (p *Processor) Submit(ctx context.Context, rec Record) (res Result, queued bool, err error) {
	res, err = p.attempt(ctx, rec)
	if err == nil {
		metrics.UploadAttempts.WithLabelValues("success").Inc()
		return res, false, nil
	}
	metrics.UploadAttempts.WithLabelValues("failure").Inc()
	slog.Info("upload deferred", "error", err)

	rec.Attempts = 1
	rec.LastError = err.Error()
	if _, qerr := p.queue.Enqueue(ctx, rec); qerr != nil {
		return Result{}, false, fmt.Errorf("queue upload: %w", qerr)
	}
	p.Trigger()
	return Result{}, true, nil
}

// Trigger asks Run for a pass soon, for example after a reconnect.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run processes the queue on every tick and trigger until ctx ends.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if n, err := p.ProcessAll(ctx); err != nil && !errors.Is(err, ErrUploadFailed) {
			slog.Error("upload queue pass failed", "error", err)
		} else if n > 0 {
			slog.Info("upload queue pass", "completed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// HTTPUploader posts payloads to the record's endpoint.
type HTTPUploader struct {
	Client *http.Client
}

type uploadResponse struct {
	URL string `json:"url"`
}

func (u *HTTPUploader) Upload(ctx context.Context, rec Record) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if rec.ContentType != "" {
		req.Header.Set("Content-Type", rec.ContentType)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	var body uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.URL == "" {
		return "", fmt.Errorf("%w: response missing url", ErrUploadFailed)
	}
	return body.URL, nil
}

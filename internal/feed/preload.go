package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Preloader warms a media URL out of band.
type Preloader interface {
	Preload(ctx context.Context, url string) error
}

// PreloadSet issues each URL to its Preloader at most once until Reset.
type PreloadSet struct {
	p       Preloader
	timeout time.Duration

	mu   sync.Mutex
	done map[string]bool
}

// NewPreloadSet wraps p. A nil p makes every request a no-op.
func NewPreloadSet(p Preloader) *PreloadSet {
	return &PreloadSet{p: p, timeout: 30 * time.Second, done: make(map[string]bool)}
}

// Request starts preloading url unless it was requested before. It reports
// whether a preload was issued.
func (s *PreloadSet) Request(url string) bool {
	if url == "" || s.p == nil {
		return false
	}
	s.mu.Lock()
	if s.done[url] {
		s.mu.Unlock()
		return false
	}
	s.done[url] = true
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.p.Preload(ctx, url); err != nil {
			slog.Debug("preload failed", "url", url, "error", err)
		}
	}()
	return true
}

// Reset forgets every issued URL.
func (s *PreloadSet) Reset() {
	s.mu.Lock()
	s.done = make(map[string]bool)
	s.mu.Unlock()
}

// Len is the number of URLs issued since the last Reset.
func (s *PreloadSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}

// HTTPPreloader fetches the first MaxBytes of a URL with a ranged GET so
// that HTTP caches along the way hold the start of the media.
type HTTPPreloader struct {
	Client   *http.Client
	MaxBytes int64
}

const defaultPreloadBytes = 1 << 20

func (h HTTPPreloader) Preload(ctx context.Context, url string) error {
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return errors.New("preload: not an http url")
	}
	limit := h.MaxBytes
	if limit <= 0 {
		limit = defaultPreloadBytes
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", limit-1))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("preload: status %d", resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
	return err
}

// Package media decides whether a URL points at playable video.
package media

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"relayreel/internal/cache"
	"relayreel/internal/util"
)

var videoExtensions = map[string]bool{
	"mp4":  true,
	"webm": true,
	"ogg":  true,
	"mov":  true,
	"m4v":  true,
	"m3u8": true,
}

const probeTimeout = 5 * time.Second

// VideoValidator accepts URLs with a known video extension outright and
// probes the rest with a HEAD request. Probe results are cached; a probe
// that fails for any reason counts as invalid.
type VideoValidator struct {
	client *http.Client
	store  cache.CacheBackend
	ttl    time.Duration
	group  singleflight.Group
}

// NewVideoValidator builds a validator. store may be nil.
func NewVideoValidator(client *http.Client, store cache.CacheBackend, ttl time.Duration) *VideoValidator {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	if ttl <= 0 {
		ttl = cache.DefaultCacheConfig().MediaProbeTTL
	}
	return &VideoValidator{client: client, store: store, ttl: ttl}
}

func probeKey(rawURL string) string {
	return "media:probe:" + rawURL
}

// Valid reports whether rawURL should be offered to the player.
func (v *VideoValidator) Valid(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if videoExtensions[util.URLExtension(u.String())] {
		return true
	}

	key := probeKey(u.String())
	if v.store != nil {
		if raw, ok, _ := v.store.Get(ctx, key); ok {
			return string(raw) == "1"
		}
	}

	res, _, _ := v.group.Do(key, func() (any, error) {
		ok := v.probe(ctx, u.String())
		if v.store != nil {
			val := []byte("0")
			if ok {
				val = []byte("1")
			}
			if err := v.store.Set(ctx, key, val, v.ttl); err != nil {
				slog.Debug("probe cache write failed", "error", err)
			}
		}
		return ok, nil
	})
	return res.(bool)
}

func (v *VideoValidator) probe(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := v.client.Do(req)
	if err != nil {
		slog.Debug("video probe failed", "url", rawURL, "error", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && strings.HasPrefix(mediaType, "video/")
}

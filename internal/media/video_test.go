package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"relayreel/internal/cache"
)

func TestVideoValidator(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		switch r.URL.Path {
		case "/stream":
			w.Header().Set("Content-Type", "video/mp2t; charset=binary")
		case "/page":
			w.Header().Set("Content-Type", "text/html")
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			return
		case "/untyped":
			w.Header()["Content-Type"] = nil
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := cache.NewMemoryCache(100, time.Minute)
	defer store.Close()
	v := NewVideoValidator(srv.Client(), store, time.Minute)
	ctx := context.Background()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example.com/a.MP4", true},
		{"https://cdn.example.com/b.m3u8?token=1", true},
		{"ftp://cdn.example.com/a.mp4", false},
		{"not a url", false},
		{srv.URL + "/stream", true},
		{srv.URL + "/untyped", true},
		{srv.URL + "/page", false},
		{srv.URL + "/missing", false},
		{"http://127.0.0.1:1/unreachable", false},
	}
	for _, tt := range tests {
		if got := v.Valid(ctx, tt.url); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
	if n := probes.Load(); n != 4 {
		t.Errorf("probes = %d, want 4", n)
	}

	v.Valid(ctx, srv.URL+"/stream")
	v.Valid(ctx, srv.URL+"/page")
	if n := probes.Load(); n != 4 {
		t.Errorf("cached results probed again: %d", n)
	}
}

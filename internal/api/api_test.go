package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.UploadDir == "" {
		opts.UploadDir = t.TempDir()
	}
	srv := httptest.NewServer(New(opts).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadStoresFileAndServesIt(t *testing.T) {
	dir := t.TempDir()
	srv := newServer(t, Options{UploadDir: dir, PublicURL: "https://reel.example.com/"})

	resp, err := http.Post(srv.URL+"/api/upload", "video/webm", strings.NewReader("webm-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct{ URL string }
	json.NewDecoder(resp.Body).Decode(&body)
	if !strings.HasPrefix(body.URL, "https://reel.example.com/uploads/") || !strings.HasSuffix(body.URL, ".webm") {
		t.Fatalf("url = %q", body.URL)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	name := filepath.Base(body.URL)
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil || string(data) != "webm-bytes" {
		t.Fatalf("stored file = %q, %v", data, err)
	}

	get, err := http.Get(srv.URL + "/uploads/" + name)
	if err != nil {
		t.Fatal(err)
	}
	served, _ := io.ReadAll(get.Body)
	get.Body.Close()
	if string(served) != "webm-bytes" {
		t.Errorf("served = %q", served)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("upload dir holds %d entries", len(entries))
	}
}

func TestUploadRejections(t *testing.T) {
	dir := t.TempDir()
	srv := newServer(t, Options{UploadDir: dir, MaxUploadBytes: 8})

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"wrong method", http.MethodGet, "", "", http.StatusMethodNotAllowed},
		{"not video", http.MethodPost, "text/html", "<p>", http.StatusUnsupportedMediaType},
		{"too large", http.MethodPost, "video/mp4", "0123456789", http.StatusRequestEntityTooLarge},
		{"empty", http.MethodPost, "video/mp4", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+"/api/upload", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("rejected uploads left %d files", len(entries))
	}
}

func TestUploadExtension(t *testing.T) {
	for ct, want := range map[string]string{
		"":                                "mp4",
		"video/mp4":                       "mp4",
		"video/quicktime":                 "mov",
		"application/vnd.apple.mpegURL":   "m3u8",
		"video/webm; codecs=\"vp8, opus\"": "webm",
		"image/png":                       "",
	} {
		got, ok := uploadExtension(ct)
		if got != want || ok != (want != "") {
			t.Errorf("uploadExtension(%q) = %q, %v", ct, got, ok)
		}
	}
}

func TestBolt11Forwarding(t *testing.T) {
	var gotKey string
	var gotBody payForward
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		if gotBody.Bolt11 == "lnbc-declined" {
			http.Error(w, "route not found", http.StatusPaymentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"preimage":"abc"}`))
	}))
	defer upstream.Close()

	srv := newServer(t, Options{PayURL: upstream.URL, PayKey: "secret"})
	post := func(body string) (int, string) {
		resp, err := http.Post(srv.URL+"/api/bolt11", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := post(`{"invoice":"lnbc1","nostr":{"id":"e1","kind":9735}}`)
	if code != http.StatusOK || !strings.Contains(body, "preimage") {
		t.Errorf("forward = %d %s", code, body)
	}
	if gotKey != "secret" || gotBody.Bolt11 != "lnbc1" || !strings.Contains(string(gotBody.Nostr), `"e1"`) {
		t.Errorf("upstream saw key %q body %+v", gotKey, gotBody)
	}

	code, body = post(`{"invoice":"lnbc-declined"}`)
	if code != http.StatusPaymentRequired || !strings.Contains(body, "route not found") {
		t.Errorf("declined = %d %s", code, body)
	}

	if code, _ := post(`{"nostr":{}}`); code != http.StatusBadRequest {
		t.Errorf("missing invoice = %d", code)
	}
	if code, _ := post(`not json`); code != http.StatusBadRequest {
		t.Errorf("bad json = %d", code)
	}
}

func TestBolt11WithoutPayURL(t *testing.T) {
	srv := newServer(t, Options{})
	resp, err := http.Post(srv.URL+"/api/bolt11", "application/json", strings.NewReader(`{"invoice":"lnbc1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, Options{})
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(body), "relayreel_http_requests_total") {
			t.Error("metrics missing request counter")
		}
	}
}

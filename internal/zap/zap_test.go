package zap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relayreel/internal/auth"
	"relayreel/internal/cache"
	"relayreel/internal/coordinator"
	"relayreel/internal/coordinator/coordtest"
	"relayreel/internal/nips"
	"relayreel/internal/nostr/nostrtest"
	"relayreel/internal/types"
)

const (
	recipient = "3333333333333333333333333333333333333333333333333333333333333333"
	videoID   = "2222222222222222222222222222222222222222222222222222222222222222"
)

// lnurlServer serves LNURL-pay endpoints under /pay/<name> whose invoices
// read "<name>:<msats>".
func lnurlServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/pay/"):
			name := strings.TrimPrefix(r.URL.Path, "/pay/")
			json.NewEncoder(w).Encode(PayInfo{
				Callback:    srv.URL + "/cb/" + name,
				MinSendable: 1000,
				MaxSendable: 100_000_000,
				Tag:         "payRequest",
			})
		case strings.HasPrefix(r.URL.Path, "/cb/"):
			name := strings.TrimPrefix(r.URL.Path, "/cb/")
			json.NewEncoder(w).Encode(map[string]string{"pr": name + ":" + r.URL.Query().Get("amount")})
		case r.URL.Path == "/broken":
			json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "reason": "no such user"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *Client {
	return &Client{HTTP: srv.Client(), AllowPrivate: true}
}

func TestPayURL(t *testing.T) {
	enc, _ := nips.EncodeLNURL("https://pay.example.com/lnurlp/bob")
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Alice@getalby.com", "https://getalby.com/.well-known/lnurlp/alice", false},
		{"lightning:alice@getalby.com", "https://getalby.com/.well-known/lnurlp/alice", false},
		{enc, "https://pay.example.com/lnurlp/bob", false},
		{strings.ToUpper(enc), "https://pay.example.com/lnurlp/bob", false},
		{"https://pay.example.com/x", "https://pay.example.com/x", false},
		{"alice", "", true},
		{"@getalby.com", "", true},
		{"alice@evil.com/path", "", true},
		{"lnurl1qqqqqq", "", true},
	}
	for _, tt := range tests {
		got, err := PayURL(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("PayURL(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestValidateExternalURL(t *testing.T) {
	tests := map[string]bool{
		"https://getalby.com/.well-known/lnurlp/a": true,
		"http://127.0.0.1:8080/x":                  false,
		"http://localhost/x":                       false,
		"https://10.0.0.8/x":                       false,
		"https://192.168.1.1/x":                    false,
		"https://169.254.169.254/latest":           false,
		"https://service.internal/x":               false,
		"ftp://getalby.com/x":                      false,
		"https://[::1]/x":                          false,
	}
	for in, ok := range tests {
		err := ValidateExternalURL(in)
		if (err == nil) != ok {
			t.Errorf("ValidateExternalURL(%q) = %v", in, err)
		}
		if err != nil && !errors.Is(err, ErrBlockedURL) {
			t.Errorf("ValidateExternalURL(%q) error %v is not ErrBlockedURL", in, err)
		}
	}
}

func TestFetchInvoice(t *testing.T) {
	srv := lnurlServer(t)
	c := testClient(srv)
	ctx := context.Background()

	inv, err := c.FetchInvoice(ctx, srv.URL+"/pay/creator", 21)
	if err != nil || inv != "creator:21000" {
		t.Fatalf("FetchInvoice = %q, %v", inv, err)
	}

	enc, _ := nips.EncodeLNURL(srv.URL + "/pay/encoded")
	if inv, err := c.FetchInvoice(ctx, enc, 5); err != nil || inv != "encoded:5000" {
		t.Errorf("lnurl target = %q, %v", inv, err)
	}

	if _, err := c.FetchInvoice(ctx, srv.URL+"/pay/creator", 200_000); !errors.Is(err, ErrAmountRange) {
		t.Errorf("above max: %v", err)
	}
	if _, err := c.FetchInvoice(ctx, srv.URL+"/broken", 21); err == nil || !strings.Contains(err.Error(), "no such user") {
		t.Errorf("error response: %v", err)
	}
	if _, err := NewClient().FetchInvoice(ctx, srv.URL+"/pay/creator", 21); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("loopback target allowed by default client: %v", err)
	}
}

type payment struct {
	invoice string
	event   *types.Event
}

type recordingPayer struct {
	mu       sync.Mutex
	payments []payment
	fail     map[string]bool
}

func (p *recordingPayer) Pay(ctx context.Context, invoice string, evt *types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[invoice] {
		return ErrPaymentFailed
	}
	p.payments = append(p.payments, payment{invoice, evt})
	return nil
}

func newZapper(t *testing.T, srv *httptest.Server, payer Payer) (*Zapper, *coordtest.Pool) {
	t.Helper()
	pool := coordtest.NewPool("wss://a")
	coord := coordinator.New(pool, coordinator.Options{})
	t.Cleanup(coord.Close)
	signer, err := auth.NewKeySigner(nostrtest.PrivKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	coord.SetSigner(signer)

	store := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { store.Close() })
	z := NewZapper(testClient(srv), coord, payer, NewReceipts(store))
	z.HostAddress = srv.URL + "/pay/host"
	return z, pool
}

func TestZapWithHostSplit(t *testing.T) {
	srv := lnurlServer(t)
	payer := &recordingPayer{}
	z, pool := newZapper(t, srv, payer)
	ctx := context.Background()

	rec, err := z.Zap(ctx, srv.URL+"/pay/creator", 1000, recipient, videoID)
	if err != nil {
		t.Fatal(err)
	}

	published := pool.Published()
	if len(published) != 1 {
		t.Fatalf("published %d events", len(published))
	}
	evt := published[0]
	parsed := ParseZapEvent(evt)
	if evt.Kind != types.KindZap || parsed.Sats != 1000 || parsed.Recipient != recipient || parsed.VideoID != videoID {
		t.Errorf("zap event = %+v", parsed)
	}
	if len(parsed.Splits) != 1 || parsed.Splits[0].Msats != 10_000 {
		t.Errorf("splits = %+v", parsed.Splits)
	}

	if len(payer.payments) != 2 {
		t.Fatalf("payments = %+v", payer.payments)
	}
	if payer.payments[0].invoice != "host:10000" || payer.payments[0].event != nil {
		t.Errorf("host payment = %+v", payer.payments[0])
	}
	if payer.payments[1].invoice != "creator:1000000" || payer.payments[1].event == nil || payer.payments[1].event.ID != evt.ID {
		t.Errorf("creator payment = %+v", payer.payments[1])
	}
	if rec.ID != evt.ID || len(rec.Splits) != 1 {
		t.Errorf("receipt = %+v", rec)
	}
}

func TestZapSkipsSubSatSplit(t *testing.T) {
	srv := lnurlServer(t)
	payer := &recordingPayer{}
	z, pool := newZapper(t, srv, payer)

	if _, err := z.Zap(context.Background(), srv.URL+"/pay/creator", 50, recipient, ""); err != nil {
		t.Fatal(err)
	}
	evt := pool.Published()[0]
	if len(ParseZapEvent(evt).Splits) != 0 || ParseZapEvent(evt).VideoID != "" {
		t.Errorf("tags = %v", evt.Tags)
	}
	if len(payer.payments) != 1 {
		t.Errorf("payments = %+v", payer.payments)
	}
}

func TestZapPaymentFailureStoresNothing(t *testing.T) {
	srv := lnurlServer(t)
	payer := &recordingPayer{fail: map[string]bool{"creator:100000": true}}
	z, _ := newZapper(t, srv, payer)
	z.HostAddress = ""
	ctx := context.Background()

	if _, err := z.Zap(ctx, srv.URL+"/pay/creator", 100, recipient, videoID); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("Zap = %v", err)
	}
	totals, err := z.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(totals.ByUser) != 0 {
		t.Errorf("totals after failure = %+v", totals)
	}
}

func TestTotals(t *testing.T) {
	srv := lnurlServer(t)
	z, _ := newZapper(t, srv, &recordingPayer{})
	z.HostAddress = ""
	ctx := context.Background()

	other := "5555555555555555555555555555555555555555555555555555555555555555"
	for _, zap := range []struct {
		sats      int64
		recipient string
		video     string
	}{
		{100, recipient, videoID},
		{50, recipient, videoID},
		{21, recipient, ""},
		{7, other, "v2"},
	} {
		if _, err := z.Zap(ctx, srv.URL+"/pay/creator", zap.sats, zap.recipient, zap.video); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := z.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals.ByVideo[videoID] != 150 || totals.ByVideo["v2"] != 7 {
		t.Errorf("by video = %v", totals.ByVideo)
	}
	if totals.ByUser[recipient] != 171 || totals.ByUser[other] != 7 {
		t.Errorf("by user = %v", totals.ByUser)
	}
	if n, _ := z.receipts.TotalFor(ctx, recipient); n != 171 {
		t.Errorf("TotalFor = %d", n)
	}
	recent, _ := z.receipts.Recent(ctx, 2)
	if len(recent) != 2 {
		t.Errorf("Recent(2) = %d receipts", len(recent))
	}
}

func TestBolt11Payer(t *testing.T) {
	var got payRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		if got.Invoice == "bad" {
			http.Error(w, "insufficient balance", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	p := &Bolt11Payer{Endpoint: srv.URL, HTTP: srv.Client()}
	evt := types.Event{ID: "abc", Kind: types.KindZap}
	if err := p.Pay(context.Background(), "lnbc1", &evt); err != nil {
		t.Fatal(err)
	}
	if got.Invoice != "lnbc1" || got.Nostr == nil || got.Nostr.ID != "abc" {
		t.Errorf("request = %+v", got)
	}

	err := p.Pay(context.Background(), "bad", nil)
	if !errors.Is(err, ErrPaymentFailed) || !strings.Contains(err.Error(), "insufficient balance") {
		t.Errorf("failed payment = %v", err)
	}
}

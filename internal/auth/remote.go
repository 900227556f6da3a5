package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relayreel/internal/nips"
	"relayreel/internal/nostr"
	"relayreel/internal/relay"
	"relayreel/internal/types"
)

// Sign requests allowed per minute, as a burst.
const signRateLimit = 10

const defaultRequestTimeout = 30 * time.Second

var (
	ErrInvalidBunkerURL = errors.New("invalid bunker url")
	ErrRateLimited      = errors.New("rate limit exceeded: too many sign requests")
	ErrRemoteTimeout    = errors.New("remote signer did not respond")
)

// RelayClient is the relay access a remote signer needs. The signer calls
// Connect with the bunker's relays, so it must be given a pool of its own.
type RelayClient interface {
	Connect(ctx context.Context, urls []string) error
	Relays() []string
	SubscribeRelay(ctx context.Context, relayURL string, filters []types.Filter) (*relay.Subscription, error)
	Publish(ctx context.Context, evt types.Event) []types.PublishResult
	Close()
}

// BunkerParams is a parsed bunker:// URL.
type BunkerParams struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseBunkerURL parses bunker://<remote-pubkey>?relay=wss://...&secret=...
func ParseBunkerURL(raw string) (BunkerParams, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "bunker://") {
		return BunkerParams{}, fmt.Errorf("%w: must start with bunker://", ErrInvalidBunkerURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return BunkerParams{}, fmt.Errorf("%w: %v", ErrInvalidBunkerURL, err)
	}
	pub, err := nips.DecodePubkey(u.Host)
	if err != nil {
		return BunkerParams{}, fmt.Errorf("%w: remote pubkey: %v", ErrInvalidBunkerURL, err)
	}
	relays := nostr.NormalizeRelayURLs(u.Query()["relay"])
	if len(relays) == 0 {
		return BunkerParams{}, fmt.Errorf("%w: no relay specified", ErrInvalidBunkerURL)
	}
	return BunkerParams{
		RemotePubKey: pub,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

// RemoteSigner signs through a NIP-46 bunker. Requests and responses are
// kind 24133 events encrypted with NIP-44.
type RemoteSigner struct {
	relays  RelayClient
	params  BunkerParams
	limiter *rate.Limiter
	timeout time.Duration

	clientPriv []byte
	clientPub  string
	convKey    []byte

	// paired signers already answered connect during the nostrconnect handshake
	paired bool

	mu        sync.Mutex
	connected bool
	userPub   string
}

// NewRemoteSigner prepares a signer for params. A nil clientPriv generates a
// fresh disposable client key.
func NewRemoteSigner(relays RelayClient, params BunkerParams, clientPriv []byte) (*RemoteSigner, error) {
	if clientPriv == nil {
		var err error
		if clientPriv, err = nostr.GeneratePrivateKey(); err != nil {
			return nil, err
		}
	}
	clientPub, err := nostr.PublicKeyHex(clientPriv)
	if err != nil {
		return nil, err
	}
	convKey, err := nips.ConversationKey(clientPriv, params.RemotePubKey)
	if err != nil {
		return nil, err
	}
	return &RemoteSigner{
		relays:     relays,
		params:     params,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/signRateLimit), signRateLimit),
		timeout:    defaultRequestTimeout,
		clientPriv: clientPriv,
		clientPub:  clientPub,
		convKey:    convKey,
	}, nil
}

// NewRemoteSignerFromHex is NewRemoteSigner with a hex client key.
func NewRemoteSignerFromHex(relays RelayClient, params BunkerParams, clientPrivHex string) (*RemoteSigner, error) {
	priv, err := hex.DecodeString(clientPrivHex)
	if err != nil || len(priv) != 32 {
		return nil, errors.New("invalid client key")
	}
	return NewRemoteSigner(relays, params, priv)
}

// Params returns the bunker parameters the signer talks to.
func (r *RemoteSigner) Params() BunkerParams {
	return r.params
}

// ClientKeyHex returns the disposable client secret, for persisting the pairing.
func (r *RemoteSigner) ClientKeyHex() string {
	return hex.EncodeToString(r.clientPriv)
}

// SetTimeout changes how long a single request waits for its response.
func (r *RemoteSigner) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Connect registers the bunker's relays, sends connect, then asks for the
// user's public key.
func (r *RemoteSigner) Connect(ctx context.Context) error {
	if err := r.relays.Connect(ctx, r.params.Relays); err != nil {
		return err
	}

	if !r.paired {
		params := []string{r.params.RemotePubKey}
		if r.params.Secret != "" {
			params = append(params, r.params.Secret)
		}
		result, err := r.request(ctx, "connect", params)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if result != "ack" && (r.params.Secret == "" || result != r.params.Secret) {
			return fmt.Errorf("connect: unexpected response %q", result)
		}
	}

	pub, err := r.request(ctx, "get_public_key", []string{})
	if err != nil {
		return fmt.Errorf("get_public_key: %w", err)
	}
	if len(pub) != 64 {
		return fmt.Errorf("get_public_key: invalid pubkey %q", pub)
	}

	r.mu.Lock()
	r.connected = true
	r.userPub = pub
	r.mu.Unlock()
	slog.Info("remote signer connected", "remote", nostr.ShortID(r.params.RemotePubKey), "user", nostr.ShortID(pub))
	return nil
}

// GetPublicKey connects on first use and returns the user's key.
func (r *RemoteSigner) GetPublicKey(ctx context.Context) (string, error) {
	r.mu.Lock()
	pub, connected := r.userPub, r.connected
	r.mu.Unlock()
	if connected {
		return pub, nil
	}
	if err := r.Connect(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userPub, nil
}

// SignEvent asks the bunker to sign tmpl and checks what comes back.
func (r *RemoteSigner) SignEvent(ctx context.Context, tmpl types.EventTemplate) (types.Event, error) {
	pub, err := r.GetPublicKey(ctx)
	if err != nil {
		return types.Event{}, err
	}
	if !r.limiter.Allow() {
		return types.Event{}, ErrRateLimited
	}

	if tmpl.CreatedAt == 0 {
		tmpl.CreatedAt = time.Now().Unix()
	}
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}
	unsigned, err := json.Marshal(map[string]interface{}{
		"kind":       tmpl.Kind,
		"content":    tmpl.Content,
		"tags":       tmpl.Tags,
		"created_at": tmpl.CreatedAt,
		"pubkey":     pub,
	})
	if err != nil {
		return types.Event{}, err
	}

	result, err := r.request(ctx, "sign_event", []string{string(unsigned)})
	if err != nil {
		return types.Event{}, fmt.Errorf("sign_event: %w", err)
	}
	var evt types.Event
	if err := json.Unmarshal([]byte(result), &evt); err != nil {
		return types.Event{}, fmt.Errorf("sign_event: decode result: %w", err)
	}
	if evt.PubKey != pub {
		return types.Event{}, fmt.Errorf("%w: signed by unexpected key", nostr.ErrInvalidEvent)
	}
	if err := nostr.CheckEvent(evt); err != nil {
		return types.Event{}, err
	}
	return evt, nil
}

// Close drops the bunker relays.
func (r *RemoteSigner) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.relays.Close()
	return nil
}

type rpcRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// request sends one RPC and waits for the matching response on any relay.
// Listeners are opened before the request goes out.
func (r *RemoteSigner) request(ctx context.Context, method string, params []string) (string, error) {
	id, err := randomID()
	if err != nil {
		return "", err
	}
	payload, _ := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	content, err := nips.Encrypt(string(payload), r.convKey)
	if err != nil {
		return "", err
	}
	evt, err := nostr.SignTemplate(r.clientPriv, types.EventTemplate{
		Kind:    types.KindNostrConnect,
		Tags:    [][]string{{"p", r.params.RemotePubKey}},
		Content: content,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	responses, stop, err := listen(ctx, r.relays, r.params.RemotePubKey, r.clientPub, evt.CreatedAt-5)
	if err != nil {
		return "", err
	}
	defer stop()

	if !accepted(r.relays.Publish(ctx, evt)) {
		return "", fmt.Errorf("%s: %w", method, relay.ErrRelayUnreachable)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrRemoteTimeout
		case in := <-responses:
			resp, ok := decodeResponse(in, r.convKey)
			if !ok || resp.ID != id {
				continue
			}
			if resp.Result == "auth_url" {
				slog.Warn("remote signer requires authorization", "url", resp.Error)
				continue
			}
			if resp.Error != "" {
				return "", fmt.Errorf("remote signer: %s", resp.Error)
			}
			return resp.Result, nil
		}
	}
}

// listen subscribes on every relay for kind 24133 events to clientPub and
// merges them into one channel. author may be empty to accept any sender.
func listen(ctx context.Context, relays RelayClient, author, clientPub string, since int64) (<-chan types.Event, func(), error) {
	filter := types.Filter{
		Kinds: []int{types.KindNostrConnect},
		Tags:  map[string][]string{"p": {clientPub}},
		Since: types.Int64Ptr(since),
	}
	if author != "" {
		filter.Authors = []string{author}
	}

	out := make(chan types.Event, 16)
	var subs []*relay.Subscription
	for _, u := range relays.Relays() {
		sub, err := relays.SubscribeRelay(ctx, u, []types.Filter{filter})
		if err != nil {
			slog.Debug("remote signer relay unavailable", "relay", u, "error", err)
			continue
		}
		subs = append(subs, sub)
		go func(sub *relay.Subscription) {
			for {
				select {
				case evt := <-sub.EventChan:
					select {
					case out <- evt:
					case <-sub.Done:
						return
					}
				case <-sub.Done:
					return
				}
			}
		}(sub)
	}
	if len(subs) == 0 {
		return nil, nil, relay.ErrRelayUnreachable
	}
	stop := func() {
		for _, s := range subs {
			s.Close()
		}
	}
	return out, stop, nil
}

func decodeResponse(evt types.Event, convKey []byte) (rpcResponse, bool) {
	plain, err := nips.Decrypt(evt.Content, convKey)
	if err != nil {
		slog.Debug("undecryptable remote signer message", "event_id", nostr.ShortID(evt.ID), "error", err)
		return rpcResponse{}, false
	}
	var resp rpcResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return rpcResponse{}, false
	}
	return resp, true
}

func accepted(results []types.PublishResult) bool {
	for _, r := range results {
		if r.Accepted {
			return true
		}
	}
	return false
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

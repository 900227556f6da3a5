package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"relayreel/internal/nips"
	"relayreel/internal/nostr"
)

// Pairing is a client-initiated nostrconnect:// handshake waiting for a
// signer to scan the URI and answer with the secret.
type Pairing struct {
	URI string

	relays     RelayClient
	relayURLs  []string
	clientPriv []byte
	clientPub  string
	secret     string
}

// NostrConnectURI builds nostrconnect://<client-pubkey>?relay=..&secret=..&name=..
func NostrConnectURI(clientPubKey string, relays []string, secret, name string) string {
	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	q.Set("secret", secret)
	if name != "" {
		q.Set("name", name)
	}
	q.Set("perms", "sign_event:1,sign_event:3,sign_event:7,sign_event:9735")
	return "nostrconnect://" + clientPubKey + "?" + q.Encode()
}

// NewPairing creates a fresh client key and secret for relays.
func NewPairing(relays RelayClient, relayURLs []string, name string) (*Pairing, error) {
	relayURLs = nostr.NormalizeRelayURLs(relayURLs)
	if len(relayURLs) == 0 {
		return nil, fmt.Errorf("%w: no relay specified", ErrInvalidBunkerURL)
	}
	priv, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	pub, err := nostr.PublicKeyHex(priv)
	if err != nil {
		return nil, err
	}
	secretBytes := make([]byte, 16)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(secretBytes)

	return &Pairing{
		URI:        NostrConnectURI(pub, relayURLs, secret, name),
		relays:     relays,
		relayURLs:  relayURLs,
		clientPriv: priv,
		clientPub:  pub,
		secret:     secret,
	}, nil
}

// Wait blocks until a signer answers the pairing with our secret and returns
// a RemoteSigner bound to it. The signer is not yet asked for the user key.
func (p *Pairing) Wait(ctx context.Context) (*RemoteSigner, error) {
	if err := p.relays.Connect(ctx, p.relayURLs); err != nil {
		return nil, err
	}
	responses, stop, err := listen(ctx, p.relays, "", p.clientPub, time.Now().Unix()-5)
	if err != nil {
		return nil, err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ErrRemoteTimeout
		case evt := <-responses:
			convKey, err := nips.ConversationKey(p.clientPriv, evt.PubKey)
			if err != nil {
				continue
			}
			resp, ok := decodeResponse(evt, convKey)
			if !ok || resp.Result != p.secret {
				continue
			}
			slog.Info("nostrconnect pairing answered", "remote", nostr.ShortID(evt.PubKey))
			params := BunkerParams{RemotePubKey: evt.PubKey, Relays: p.relayURLs, Secret: p.secret}
			signer, err := NewRemoteSigner(p.relays, params, p.clientPriv)
			if err != nil {
				return nil, err
			}
			signer.paired = true
			return signer, nil
		}
	}
}

// BunkerURL renders params back into a bunker:// URL.
func (b BunkerParams) BunkerURL() string {
	q := url.Values{}
	for _, r := range b.Relays {
		q.Add("relay", r)
	}
	if b.Secret != "" {
		q.Set("secret", b.Secret)
	}
	return "bunker://" + b.RemotePubKey + "?" + q.Encode()
}

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"relayreel/internal/cache"
	"relayreel/internal/nostr"
)

const remoteSessionKey = "nip46-session"

// Session tracks the logged-in user and the signer acting for them.
type Session struct {
	sink  SignerSink
	store cache.CacheBackend

	login singleflight.Group

	mu     sync.RWMutex
	signer Signer
	pubkey string
}

// NewSession creates a logged-out session. sink and store may be nil.
func NewSession(sink SignerSink, store cache.CacheBackend) *Session {
	return &Session{sink: sink, store: store}
}

// Login asks signer for the user's public key and makes it the active
// signer. Concurrent logins with the same signer share one in-flight
// request: the signer is asked once and every caller gets the same key.
func (s *Session) Login(ctx context.Context, signer Signer) (string, error) {
	key := fmt.Sprintf("%T@%p", signer, signer)
	v, err, shared := s.login.Do(key, func() (interface{}, error) {
		pubkey, err := signer.GetPublicKey(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.signer = signer
		s.pubkey = pubkey
		s.mu.Unlock()
		if s.sink != nil {
			s.sink.SetSigner(signer)
		}
		slog.Info("logged in", "pubkey", nostr.ShortID(pubkey))
		return pubkey, nil
	})
	if shared {
		slog.Debug("login request shared")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout clears the signer and forgets any persisted remote session.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	signer := s.signer
	s.signer = nil
	s.pubkey = ""
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.SetSigner(nil)
	}
	if c, ok := signer.(io.Closer); ok {
		c.Close()
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, remoteSessionKey); err != nil {
			slog.Warn("failed to clear remote session", "error", err)
		}
	}
}

// Pubkey returns the logged-in user's key, or "".
func (s *Session) Pubkey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey
}

// RequirePubkey returns the user's key or ErrNotAuthenticated.
func (s *Session) RequirePubkey() (string, error) {
	if pk := s.Pubkey(); pk != "" {
		return pk, nil
	}
	return "", ErrNotAuthenticated
}

// Signer returns the active signer or ErrSigningUnavailable.
func (s *Session) Signer() (Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return nil, ErrSigningUnavailable
	}
	return s.signer, nil
}

// remoteRecord is what survives a restart of a remote signer login.
type remoteRecord struct {
	BunkerURL     string `json:"bunker_url"`
	ClientPrivKey string `json:"client_priv_key"`
}

// LoginRemote connects to a bunker and logs in with it. The pairing is
// persisted so RestoreRemote can resume it.
func (s *Session) LoginRemote(ctx context.Context, relays RelayClient, bunkerURL string) (string, error) {
	params, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return "", err
	}
	signer, err := NewRemoteSigner(relays, params, nil)
	if err != nil {
		return "", err
	}
	return s.LoginRemoteSigner(ctx, signer)
}

// LoginRemoteSigner logs in with an already constructed remote signer, such
// as one returned by a nostrconnect Pairing, and persists it.
func (s *Session) LoginRemoteSigner(ctx context.Context, signer *RemoteSigner) (string, error) {
	pubkey, err := s.Login(ctx, signer)
	if err != nil {
		return "", err
	}
	s.saveRemote(ctx, remoteRecord{BunkerURL: signer.Params().BunkerURL(), ClientPrivKey: signer.ClientKeyHex()})
	return pubkey, nil
}

// RestoreRemote resumes a persisted remote signer login. It returns
// ErrNotAuthenticated when nothing is stored; a stored pairing that no longer
// works is deleted.
func (s *Session) RestoreRemote(ctx context.Context, relays RelayClient) (string, error) {
	if s.store == nil {
		return "", ErrNotAuthenticated
	}
	data, ok, err := s.store.Get(ctx, remoteSessionKey)
	if err != nil || !ok {
		return "", ErrNotAuthenticated
	}
	var rec remoteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.store.Delete(ctx, remoteSessionKey)
		return "", ErrNotAuthenticated
	}

	params, err := ParseBunkerURL(rec.BunkerURL)
	if err == nil {
		var signer *RemoteSigner
		if signer, err = NewRemoteSignerFromHex(relays, params, rec.ClientPrivKey); err == nil {
			var pubkey string
			if pubkey, err = s.Login(ctx, signer); err == nil {
				return pubkey, nil
			}
			signer.Close()
		}
	}
	slog.Warn("stored remote session unusable, discarding", "error", err)
	s.store.Delete(ctx, remoteSessionKey)
	return "", err
}

func (s *Session) saveRemote(ctx context.Context, rec remoteRecord) {
	if s.store == nil {
		return
	}
	data, _ := json.Marshal(rec)
	if err := s.store.Set(ctx, remoteSessionKey, data, 0); err != nil {
		slog.Warn("failed to persist remote session", "error", err)
	}
}

// Package auth provides the signing capability: signer implementations and
// the session that holds the active one.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"relayreel/internal/nips"
	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

var (
	// ErrSigningUnavailable is returned when an operation needs a signer and none is set.
	ErrSigningUnavailable = errors.New("signing unavailable")
	// ErrNotAuthenticated is returned when an operation needs a logged-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Signer produces signatures for the current user.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, tmpl types.EventTemplate) (types.Event, error)
}

// SignerSink receives the active signer whenever it changes (nil on logout).
type SignerSink interface {
	SetSigner(Signer)
}

// KeySigner signs with a secret key held in process.
type KeySigner struct {
	privKey []byte
	pubKey  string
}

// NewKeySigner accepts an nsec or hex secret key.
func NewKeySigner(secret string) (*KeySigner, error) {
	hexKey, err := nips.DecodeSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parse secret key: %w", err)
	}
	priv, _ := hex.DecodeString(hexKey)
	pub, err := nostr.PublicKeyHex(priv)
	if err != nil {
		return nil, err
	}
	return &KeySigner{privKey: priv, pubKey: pub}, nil
}

func (k *KeySigner) GetPublicKey(ctx context.Context) (string, error) {
	return k.pubKey, nil
}

func (k *KeySigner) SignEvent(ctx context.Context, tmpl types.EventTemplate) (types.Event, error) {
	return nostr.SignTemplate(k.privKey, tmpl)
}

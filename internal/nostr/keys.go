package nostr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"relayreel/internal/types"
)

var errInvalidKey = errors.New("invalid private key")

// GeneratePrivateKey returns 32 random bytes that form a valid secp256k1 key.
func GeneratePrivateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeyHex returns the x-only public key for a private key, hex encoded.
func PublicKeyHex(privKey []byte) (string, error) {
	if len(privKey) != 32 {
		return "", errInvalidKey
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// SignTemplate fills in pubkey and id for tmpl and signs it with privKey.
// A zero CreatedAt is replaced with the current time.
func SignTemplate(privKey []byte, tmpl types.EventTemplate) (types.Event, error) {
	pubKey, err := PublicKeyHex(privKey)
	if err != nil {
		return types.Event{}, err
	}

	evt := types.Event{
		PubKey:    pubKey,
		CreatedAt: tmpl.CreatedAt,
		Kind:      tmpl.Kind,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = ComputeEventID(&evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return types.Event{}, err
	}
	priv, _ := btcec.PrivKeyFromBytes(privKey)
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return types.Event{}, fmt.Errorf("schnorr sign: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt, nil
}

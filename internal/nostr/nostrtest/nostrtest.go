// Package nostrtest provides signed fixtures for tests.
package nostrtest

import (
	"encoding/hex"
	"testing"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// Fixed key pair used across tests.
const (
	PrivKeyHex = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	PubKeyHex  = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
)

// PrivKey returns the decoded fixture key.
func PrivKey() []byte {
	b, _ := hex.DecodeString(PrivKeyHex)
	return b
}

// Sign signs tmpl with the fixture key, failing the test on error.
func Sign(t testing.TB, tmpl types.EventTemplate) types.Event {
	t.Helper()
	evt, err := nostr.SignTemplate(PrivKey(), tmpl)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return evt
}

// Note returns a signed kind 1 note.
func Note(t testing.TB, createdAt int64, content string, tags ...[]string) types.Event {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	return Sign(t, types.EventTemplate{
		Kind:      types.KindTextNote,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	})
}

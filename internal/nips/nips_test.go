package nips

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func keyPair(t *testing.T, hexKey string) ([]byte, string) {
	t.Helper()
	priv, err := hex.DecodeString(hexKey)
	if err != nil {
		t.Fatal(err)
	}
	k, _ := btcec.PrivKeyFromBytes(priv)
	return priv, hex.EncodeToString(schnorr.SerializePubKey(k.PubKey()))
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	privA, pubA := keyPair(t, "0000000000000000000000000000000000000000000000000000000000000001")
	privB, pubB := keyPair(t, "0000000000000000000000000000000000000000000000000000000000000002")

	ab, err := ConversationKey(privA, pubB)
	if err != nil {
		t.Fatalf("ConversationKey(a, B): %v", err)
	}
	ba, err := ConversationKey(privB, pubA)
	if err != nil {
		t.Fatalf("ConversationKey(b, A): %v", err)
	}
	if hex.EncodeToString(ab) != hex.EncodeToString(ba) {
		t.Errorf("keys differ:\n%x\n%x", ab, ba)
	}
	if len(ab) != 32 {
		t.Errorf("key length = %d", len(ab))
	}

	if _, err := ConversationKey(privA, "zz"); err == nil {
		t.Error("accepted malformed pubkey")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	privA, _ := keyPair(t, "0000000000000000000000000000000000000000000000000000000000000001")
	_, pubB := keyPair(t, "0000000000000000000000000000000000000000000000000000000000000002")
	key, err := ConversationKey(privA, pubB)
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", `{"id":"1","method":"sign_event","params":[]}`, strings.Repeat("x", 1000)} {
		payload, err := Encrypt(msg, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := Decrypt(payload, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != msg {
			t.Errorf("round trip = %q, want %q", got, msg)
		}
	}

	if _, err := Encrypt("", key); err == nil {
		t.Error("empty plaintext accepted")
	}

	payload, _ := Encrypt("tamper me", key)
	raw := []byte(payload)
	if raw[60] == 'A' {
		raw[60] = 'B'
	} else {
		raw[60] = 'A'
	}
	if _, err := Decrypt(string(raw), key); !errors.Is(err, ErrInvalidMAC) && !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("tampered payload error = %v", err)
	}
}

func TestPaddedLen(t *testing.T) {
	tests := map[int]int{
		1: 32, 16: 32, 32: 32, 33: 64, 64: 64, 65: 96, 100: 128,
		200: 224, 250: 256, 320: 320, 384: 384, 400: 448, 515: 640,
		900: 1024, 65535: 65536,
	}
	for in, want := range tests {
		if got := paddedLen(in); got != want {
			t.Errorf("paddedLen(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPubkeyBech32RoundTrip(t *testing.T) {
	pub := "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	npub, err := EncodePubkey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("npub = %s", npub)
	}

	got, err := DecodePubkey(npub)
	if err != nil || got != pub {
		t.Errorf("DecodePubkey = %q, %v", got, err)
	}
	if got, _ := DecodePubkey(strings.ToUpper(pub)); got != pub {
		t.Errorf("hex passthrough = %q", got)
	}

	corrupted := npub[:len(npub)-1] + "q"
	if corrupted == npub {
		corrupted = npub[:len(npub)-1] + "p"
	}
	if _, err := DecodePubkey(corrupted); err == nil {
		t.Error("corrupted checksum accepted")
	}
}

func TestLNURLRoundTrip(t *testing.T) {
	u := "https://service.example.com/lnurlp/alice"
	enc, err := EncodeLNURL(u)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeLNURL(strings.ToUpper(enc))
	if err != nil {
		t.Fatalf("DecodeLNURL: %v", err)
	}
	if dec != u {
		t.Errorf("DecodeLNURL = %q, want %q", dec, u)
	}
}

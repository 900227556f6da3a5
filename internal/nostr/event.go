// Package nostr holds the event model primitives: id computation, signature
// checks, filter keys and relay URL normalization.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"relayreel/internal/types"
)

// ErrInvalidEvent is returned when an event's id or signature does not check out.
var ErrInvalidEvent = errors.New("invalid event")

// marshalCanonical encodes v the way NIP-01 serializes it: no HTML escaping
// and U+2028/U+2029 written as the characters themselves.
func marshalCanonical(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// unescapeLineSeparators replaces the \u2028 and \u2029 escapes encoding/json
// always emits. Escape pairs are skipped whole so an escaped backslash
// followed by "u2028" stays text.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if esc := b[i:min(i+6, len(b))]; bytes.Equal(esc, []byte(`\u2028`)) || bytes.Equal(esc, []byte(`\u2029`)) {
			r := '\u2028'
			if esc[5] == '9' {
				r = '\u2029'
			}
			out = utf8.AppendRune(out, r)
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// Serialize returns the NIP-01 commitment [0,pubkey,created_at,kind,tags,content].
func Serialize(evt *types.Event) []byte {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return []byte(fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		marshalCanonical(tags),
		marshalCanonical(evt.Content),
	))
}

// ComputeEventID returns the hex sha256 of the event's serialized form.
func ComputeEventID(evt *types.Event) string {
	hash := sha256.Sum256(Serialize(evt))
	return hex.EncodeToString(hash[:])
}

// validSignature checks the schnorr signature over the event id.
func validSignature(evt *types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return false
	}
	raw := make([]byte, 0, 128)
	for _, h := range []string{evt.Sig, evt.PubKey, evt.ID} {
		b, err := hex.DecodeString(h)
		if err != nil {
			return false
		}
		raw = append(raw, b...)
	}
	sig, err := schnorr.ParseSignature(raw[:64])
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(raw[64:96])
	if err != nil {
		return false
	}
	return sig.Verify(raw[96:], pub)
}

// VerifyEvent checks that the id matches the content and the signature is valid.
func VerifyEvent(evt types.Event) bool {
	if evt.ID == "" || ComputeEventID(&evt) != evt.ID {
		return false
	}
	return validSignature(&evt)
}

// CheckEvent is VerifyEvent returning ErrInvalidEvent.
func CheckEvent(evt types.Event) error {
	if !VerifyEvent(evt) {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, ShortID(evt.ID))
	}
	return nil
}

// ParseEventFromInterface builds an event from an already decoded relay
// frame element and verifies it. Unverifiable events are rejected.
func ParseEventFromInterface(data interface{}) (types.Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return types.Event{}, false
	}
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := m[k].(float64)
		return f
	}

	evt := types.Event{
		ID:        str("id"),
		PubKey:    str("pubkey"),
		CreatedAt: int64(num("created_at")),
		Kind:      int(num("kind")),
		Content:   str("content"),
		Sig:       str("sig"),
		Tags:      [][]string{},
	}
	rawTags, _ := m["tags"].([]interface{})
	for _, rt := range rawTags {
		elems, ok := rt.([]interface{})
		if !ok {
			continue
		}
		tag := make([]string, 0, len(elems))
		for _, e := range elems {
			if s, ok := e.(string); ok {
				tag = append(tag, s)
			}
		}
		evt.Tags = append(evt.Tags, tag)
	}

	if !VerifyEvent(evt) {
		slog.Debug("dropping unverifiable event", "event_id", ShortID(evt.ID))
		return types.Event{}, false
	}
	return evt, true
}

// ShortID is the first 12 characters of an id or key, for logs.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

// Package types provides shared type definitions used across internal packages.
package types

import (
	"encoding/json"
	"sort"
)

// Event kinds used by the client.
const (
	KindMetadata     = 0
	KindTextNote     = 1
	KindContacts     = 3
	KindReaction     = 7
	KindRelayList    = 10002
	KindNostrConnect = 24133
	KindZap          = 9735
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// EventTemplate is an unsigned event handed to a signer.
type EventTemplate struct {
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// Filter represents a Nostr subscription filter (NIP-01).
// Tags holds single-letter tag filters keyed without the '#' prefix.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// MarshalJSON produces the NIP-01 wire object. Tag keys are emitted in sorted
// order so that equal filters always serialize to equal bytes.
func (f Filter) MarshalJSON() ([]byte, error) {
	type kv struct {
		key string
		val any
	}
	var fields []kv
	if len(f.IDs) > 0 {
		fields = append(fields, kv{"ids", f.IDs})
	}
	if len(f.Authors) > 0 {
		fields = append(fields, kv{"authors", f.Authors})
	}
	if len(f.Kinds) > 0 {
		fields = append(fields, kv{"kinds", f.Kinds})
	}
	tagKeys := make([]string, 0, len(f.Tags))
	for k, v := range f.Tags {
		if len(v) > 0 {
			tagKeys = append(tagKeys, k)
		}
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		fields = append(fields, kv{"#" + k, f.Tags[k]})
	}
	if f.Since != nil {
		fields = append(fields, kv{"since", *f.Since})
	}
	if f.Until != nil {
		fields = append(fields, kv{"until", *f.Until})
	}
	if f.Limit > 0 {
		fields = append(fields, kv{"limit", f.Limit})
	}

	buf := []byte{'{'}
	for i, field := range fields {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, _ := json.Marshal(field.key)
		val, err := json.Marshal(field.val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON reads the NIP-01 wire object.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, val := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(val, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(val, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case key == "since":
			var v int64
			err = json.Unmarshal(val, &v)
			f.Since = &v
		case key == "until":
			var v int64
			err = json.Unmarshal(val, &v)
			f.Until = &v
		case key == "limit":
			err = json.Unmarshal(val, &f.Limit)
		case len(key) == 2 && key[0] == '#':
			var vals []string
			err = json.Unmarshal(val, &vals)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = vals
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Int64Ptr returns a pointer to v, for filter bounds.
func Int64Ptr(v int64) *int64 {
	return &v
}

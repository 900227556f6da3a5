package social

import (
	"context"

	"relayreel/internal/nostr"
	"relayreel/internal/types"
)

// LoadRelayList fetches the NIP-65 relay list of pubkey. Unmarked relays are
// both read and write. A user without a list gets nil.
func LoadRelayList(ctx context.Context, q Querier, pubkey string) (*types.RelayList, error) {
	events, err := q.Query(ctx, []types.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindRelayList},
		Limit:   1,
	}})
	if err != nil {
		return nil, err
	}
	evt, ok := latest(events)
	if !ok {
		return nil, nil
	}
	return ParseRelayList(evt), nil
}

// ParseRelayList reads the "r" tags of a kind 10002 event.
func ParseRelayList(evt types.Event) *types.RelayList {
	list := &types.RelayList{}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := nostr.NormalizeRelayURL(tag[1])
		if url == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			list.Read = append(list.Read, url)
		case "write":
			list.Write = append(list.Write, url)
		default:
			list.Read = append(list.Read, url)
			list.Write = append(list.Write, url)
		}
	}
	return list
}

package nostr

import (
	"sort"

	"relayreel/internal/types"
)

// DedupeEvents drops repeated ids, keeping the first occurrence.
func DedupeEvents(events []types.Event) []types.Event {
	seen := make(map[string]bool, len(events))
	out := make([]types.Event, 0, len(events))
	for _, evt := range events {
		if seen[evt.ID] {
			continue
		}
		seen[evt.ID] = true
		out = append(out, evt)
	}
	return out
}

// SortNewestFirst orders by created_at descending, ties by id descending.
func SortNewestFirst(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
}

// SortOldestFirst orders by created_at ascending, ties by id ascending.
func SortOldestFirst(events []types.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

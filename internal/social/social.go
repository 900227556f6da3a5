// Package social keeps the user's reactions, follow set and profiles in step
// with what has been published to relays.
package social

import (
	"context"

	"relayreel/internal/types"
)

// Publisher signs and broadcasts an event template.
type Publisher interface {
	Publish(ctx context.Context, tmpl types.EventTemplate) (types.Event, error)
}

// Querier runs one-shot relay queries.
type Querier interface {
	Query(ctx context.Context, filters []types.Filter) ([]types.Event, error)
}

// Source is the coordinator surface used by this package.
type Source interface {
	Publisher
	Querier
}

// latest returns the newest event in events, or false when there is none.
func latest(events []types.Event) (types.Event, bool) {
	var best types.Event
	found := false
	for _, evt := range events {
		if !found || evt.CreatedAt > best.CreatedAt || (evt.CreatedAt == best.CreatedAt && evt.ID < best.ID) {
			best = evt
			found = true
		}
	}
	return best, found
}

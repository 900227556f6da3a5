package nostr

import (
	"encoding/json"

	"relayreel/internal/types"
)

// FilterKey returns the canonical key for a filter list. Two lists describe the
// same request exactly when their keys are equal.
func FilterKey(filters []types.Filter) string {
	if filters == nil {
		filters = []types.Filter{}
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return ""
	}
	return string(b)
}

// WithUntil returns copies of filters with until and limit set.
func WithUntil(filters []types.Filter, until int64, limit int) []types.Filter {
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		f.Until = types.Int64Ptr(until)
		if limit > 0 {
			f.Limit = limit
		}
		out[i] = f
	}
	return out
}

// WithSince returns copies of filters with since set and no limit.
func WithSince(filters []types.Filter, since int64) []types.Filter {
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		f.Since = types.Int64Ptr(since)
		f.Until = nil
		f.Limit = 0
		out[i] = f
	}
	return out
}

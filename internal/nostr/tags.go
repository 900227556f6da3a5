package nostr

import "relayreel/internal/types"

// Markers used on "e" tags (NIP-10).
const (
	MarkerRoot  = "root"
	MarkerReply = "reply"
)

// MarkedEventTag returns the id of the first "e" tag carrying marker, or "".
func MarkedEventTag(tags [][]string, marker string) string {
	for _, tag := range tags {
		if len(tag) >= 4 && tag[0] == "e" && tag[3] == marker {
			return tag[1]
		}
	}
	return ""
}

// ParentID returns the id of the event this one directly replies to.
func ParentID(evt types.Event) string {
	return MarkedEventTag(evt.Tags, MarkerReply)
}

// RootID returns the thread root declared by the event.
func RootID(evt types.Event) string {
	return MarkedEventTag(evt.Tags, MarkerRoot)
}

// EventTag builds a marked "e" tag.
func EventTag(id, marker string) []string {
	return []string{"e", id, "", marker}
}

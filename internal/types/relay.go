package types

// RelayList is a user's NIP-65 relay preferences, normalized.
type RelayList struct {
	Read  []string
	Write []string
}

// PublishResult is the outcome of sending one event to one relay.
type PublishResult struct {
	RelayURL string
	Accepted bool
	Message  string
	Err      error
}

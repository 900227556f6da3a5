package nostr

import (
	"net/url"
	"strings"

	"relayreel/internal/util"
)

// NormalizeRelayURL returns the canonical form of a ws:// or wss:// relay
// URL: lowercase scheme and host, explicit port kept, trailing slash
// dropped. Anything that is not plausibly a public relay yields "".
func NormalizeRelayURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, "://") != 1 || strings.ContainsAny(raw, " +") || strings.Contains(raw, "%20") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case len(host) < 3,
		!strings.Contains(host, ".") && host != "localhost",
		util.IsInternalHost(host):
		return ""
	}

	var b strings.Builder
	b.WriteString(u.Scheme + "://" + host)
	if port := u.Port(); port != "" {
		b.WriteString(":" + port)
	}
	b.WriteString(strings.TrimSuffix(u.Path, "/"))
	return b.String()
}

// NormalizeRelayURLs normalizes urls, dropping invalid entries and duplicates.
func NormalizeRelayURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := NormalizeRelayURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

package util

import (
	"net/url"
	"strings"
)

// IsInternalHost reports whether host uses a suffix that never resolves on
// the public internet.
func IsInternalHost(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range []string{".local", ".internal", ".onion", ".localhost"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// IsPrivateHost reports whether outbound requests to host must be refused.
func IsPrivateHost(host string) bool {
	return IsInternalHost(host) || isLoopbackHost(host)
}

// URLExtension is the lowercase extension of the last path segment of
// rawURL, without the dot. Query and fragment are ignored.
func URLExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := u.Path[strings.LastIndex(u.Path, "/")+1:]
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// GetTagValue returns the value of the first tag called name.
func GetTagValue(tags [][]string, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// GetLastTagValue returns the value of the last tag called name.
func GetLastTagValue(tags [][]string, name string) string {
	var v string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			v = tag[1]
		}
	}
	return v
}

// GetTagValues collects the values of every tag called name.
func GetTagValues(tags [][]string, name string) []string {
	var vs []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			vs = append(vs, tag[1])
		}
	}
	return vs
}

// LimitSlice returns at most the first n elements.
func LimitSlice[T any](s []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

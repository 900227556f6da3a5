package util

import "testing"

func TestURLExtension(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/v/clip.MP4":         "mp4",
		"https://cdn.example.com/v/clip.webm?t=10#x": "webm",
		"https://cdn.example.com/v/clip":             "",
		"https://cdn.example.com/v/clip.":            "",
		"https://cdn.example.com/":                   "",
	}
	for in, want := range tests {
		if got := URLExtension(in); got != want {
			t.Errorf("URLExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPrivateHost(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":         true,
		"127.0.0.2":         true,
		"[::1]":             true,
		"printer.local":     true,
		"hidden.onion":      true,
		"relay.example.com": false,
	} {
		if got := IsPrivateHost(host); got != want {
			t.Errorf("IsPrivateHost(%q) = %v", host, got)
		}
	}
}

func TestTagValues(t *testing.T) {
	tags := [][]string{{"e", "root"}, {"p", "alice"}, {"e", "parent"}, {"p"}, {"p", "bob"}}
	if got := GetTagValue(tags, "e"); got != "root" {
		t.Errorf("GetTagValue = %q", got)
	}
	if got := GetLastTagValue(tags, "e"); got != "parent" {
		t.Errorf("GetLastTagValue = %q", got)
	}
	if got := GetTagValues(tags, "p"); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("GetTagValues = %v", got)
	}
	if got := LimitSlice([]int{1, 2, 3}, 2); len(got) != 2 {
		t.Errorf("LimitSlice = %v", got)
	}
}

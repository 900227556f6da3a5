package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayreel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxConcurrentPerRelay != 2 || cfg.Feed.PageSize != 20 || cfg.Feed.WindowDays != 7 {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Relays) == 0 {
		t.Error("no default relays")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
relays:
  - wss://relay.one.example
  - wss://relay.two.example
log_level: debug
feed:
  window_days: 3
  page_size: 10
  snapshot_cap: 20
pool:
  max_concurrent_per_relay: 4
  query_timeout: 3s
upload:
  dir: /tmp/up
  max_bytes: 1024
lightning:
  host_split: 0.02
`)
	t.Setenv("RELAYS", "wss://env.example, ws://127.0.0.1:7777")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("NSEC", "nsec1secret")
	t.Setenv("LIGHTNING_PAY_KEY", "k")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[0] != "wss://env.example" || cfg.Relays[1] != "ws://127.0.0.1:7777" {
		t.Errorf("relays = %v", cfg.Relays)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Feed.WindowDays != 3 || cfg.Feed.PageSize != 10 || cfg.Pool.MaxConcurrentPerRelay != 4 {
		t.Errorf("file values not applied: %+v %+v", cfg.Feed, cfg.Pool)
	}
	if cfg.Pool.QueryTimeout != 3*time.Second {
		t.Errorf("query timeout = %v", cfg.Pool.QueryTimeout)
	}
	if cfg.Signer.NSEC != "nsec1secret" || cfg.Lightning.PayKey != "k" || cfg.Lightning.HostSplit != 0.02 {
		t.Errorf("signer %+v lightning %+v", cfg.Signer, cfg.Lightning)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad level":   "log_level: loud\n",
		"bad budget":  "pool:\n  max_concurrent_per_relay: 0\n",
		"http relay":  "relays: [\"https://relay.example\"]\n",
		"bad split":   "lightning:\n  host_split: 1.5\n",
		"broken yaml": "relays: [\n",
	}
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("RELAYS", "")
	t.Setenv("MAX_CONCURRENT_PER_RELAY", "")
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, content)); err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestFeedSince(t *testing.T) {
	cfg := Default()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC).Unix()
	if got := cfg.FeedSince(now); got != want {
		t.Errorf("FeedSince = %d, want %d", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v", in, got)
		}
	}
	if !strings.EqualFold(ParseLevel("warn").String(), "warn") {
		t.Error("level string")
	}
}

// Package config loads relayreel's settings from an optional .env file, a
// YAML file and environment variables, in that order of precedence from
// lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when Load is given no path and RELAYREEL_CONFIG is unset.
const DefaultPath = "config/relayreel.yaml"

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

type StorageConfig struct {
	RedisURL   string `yaml:"redis_url" validate:"omitempty,url"`
	PebblePath string `yaml:"pebble_path"`
	Prefix     string `yaml:"prefix"`
}

type PoolConfig struct {
	MaxConcurrentPerRelay int           `yaml:"max_concurrent_per_relay" validate:"min=1,max=32"`
	QueryTimeout          time.Duration `yaml:"query_timeout" validate:"min=0"`
	AllowPrivate          bool          `yaml:"allow_private"`
}

type FeedConfig struct {
	WindowDays   int           `yaml:"window_days" validate:"min=1,max=365"`
	PageSize     int           `yaml:"page_size" validate:"min=1,max=500"`
	SnapshotCap  int           `yaml:"snapshot_cap" validate:"min=1"`
	LiveDebounce time.Duration `yaml:"live_debounce" validate:"min=0"`
}

type UploadConfig struct {
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	Dir      string        `yaml:"dir" validate:"required"`
	MaxBytes int64         `yaml:"max_bytes" validate:"min=1"`
	Interval time.Duration `yaml:"interval" validate:"min=0"`
}

type LightningConfig struct {
	PayURL      string  `yaml:"pay_url" validate:"omitempty,url"`
	PayKey      string  `yaml:"-"`
	HostAddress string  `yaml:"host_address"`
	HostSplit   float64 `yaml:"host_split" validate:"gte=0,lt=1"`
}

// SignerConfig holds login secrets. They are only read from the environment.
type SignerConfig struct {
	NSEC      string `yaml:"-"`
	BunkerURL string `yaml:"-"`
}

type Config struct {
	Relays      []string        `yaml:"relays" validate:"required,min=1,dive,url"`
	LogLevel    string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	Port        int             `yaml:"port" validate:"min=1,max=65535"`
	PublicURL   string          `yaml:"public_url" validate:"omitempty,url"`
	CORSOrigins []string        `yaml:"cors_origins"`
	Storage     StorageConfig   `yaml:"storage"`
	Pool        PoolConfig      `yaml:"pool"`
	Feed        FeedConfig      `yaml:"feed"`
	Upload      UploadConfig    `yaml:"upload"`
	Lightning   LightningConfig `yaml:"lightning"`
	Signer      SignerConfig    `yaml:"-"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Relays:      append([]string(nil), defaultRelays...),
		LogLevel:    "info",
		Port:        8080,
		CORSOrigins: []string{"*"},
		Pool: PoolConfig{
			MaxConcurrentPerRelay: 2,
			QueryTimeout:          8 * time.Second,
		},
		Feed: FeedConfig{
			WindowDays:   7,
			PageSize:     20,
			SnapshotCap:  20,
			LiveDebounce: 250 * time.Millisecond,
		},
		Upload: UploadConfig{
			Dir:      "uploads",
			MaxBytes: 200 << 20,
			Interval: 30 * time.Second,
		},
		Lightning: LightningConfig{HostSplit: 0.01},
	}
}

// Load builds the configuration. A missing .env or YAML file is not an
// error; an invalid one is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}

	if path == "" {
		path = os.Getenv("RELAYREEL_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			return fmt.Errorf("invalid config: relay %q is not a websocket url", r)
		}
	}
	return nil
}

func parseList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		} else {
			slog.Warn("ignoring non-numeric env var", "name", name, "value", v)
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYS"); v != "" {
		cfg.Relays = parseList(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = parseList(v)
	}
	envString("LOG_LEVEL", &cfg.LogLevel)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	envInt("PORT", &cfg.Port)
	envString("PUBLIC_URL", &cfg.PublicURL)

	envString("REDIS_URL", &cfg.Storage.RedisURL)
	envString("PEBBLE_PATH", &cfg.Storage.PebblePath)
	envInt("MAX_CONCURRENT_PER_RELAY", &cfg.Pool.MaxConcurrentPerRelay)
	envInt("FEED_WINDOW_DAYS", &cfg.Feed.WindowDays)

	envString("UPLOAD_ENDPOINT", &cfg.Upload.Endpoint)
	envString("UPLOAD_DIR", &cfg.Upload.Dir)

	envString("LIGHTNING_PAY_URL", &cfg.Lightning.PayURL)
	envString("LIGHTNING_PAY_KEY", &cfg.Lightning.PayKey)
	envString("HOST_LN_ADDRESS", &cfg.Lightning.HostAddress)

	envString("NSEC", &cfg.Signer.NSEC)
	envString("BUNKER_URL", &cfg.Signer.BunkerURL)
}

// FeedSince is the oldest created_at the default feed asks for.
func (c *Config) FeedSince(now time.Time) int64 {
	return now.AddDate(0, 0, -c.Feed.WindowDays).Unix()
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Package settings stores user preferences in the KV store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"relayreel/internal/cache"
)

const key = "settings"

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

var ErrInvalidTheme = errors.New("invalid theme")

// Settings are the user's preferences.
type Settings struct {
	Theme    string `json:"theme"`
	Autoplay bool   `json:"autoplay"`
}

// Defaults is what a new user gets.
func Defaults() Settings {
	return Settings{Theme: ThemeLight, Autoplay: true}
}

type Store struct {
	kv cache.CacheBackend
}

func NewStore(kv cache.CacheBackend) *Store {
	return &Store{kv: kv}
}

// Load returns the saved settings, or the defaults when none are saved or
// the store cannot be read.
func (s *Store) Load(ctx context.Context) Settings {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return Defaults()
	}
	st := Defaults()
	if json.Unmarshal(raw, &st) != nil || (st.Theme != ThemeLight && st.Theme != ThemeDark) {
		return Defaults()
	}
	return st
}

func (s *Store) Save(ctx context.Context, st Settings) error {
	if st.Theme != ThemeLight && st.Theme != ThemeDark {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, st.Theme)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, raw, 0)
}

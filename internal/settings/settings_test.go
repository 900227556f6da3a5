package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"relayreel/internal/cache"
)

func TestStore(t *testing.T) {
	kv := cache.NewMemoryCache(10, time.Minute)
	defer kv.Close()
	s := NewStore(kv)
	ctx := context.Background()

	if got := s.Load(ctx); got != Defaults() {
		t.Errorf("fresh Load = %+v", got)
	}

	want := Settings{Theme: ThemeDark, Autoplay: false}
	if err := s.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(ctx); got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	if err := s.Save(ctx, Settings{Theme: "neon"}); !errors.Is(err, ErrInvalidTheme) {
		t.Errorf("Save(neon) = %v", err)
	}

	kv.Set(ctx, key, []byte("{"), 0)
	if got := s.Load(ctx); got != Defaults() {
		t.Errorf("corrupt record Load = %+v", got)
	}
}

package social

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"relayreel/internal/cache"
	"relayreel/internal/types"
)

// ZapTotaler reports the sats zapped to a pubkey.
type ZapTotaler interface {
	TotalFor(ctx context.Context, pubkey string) (int64, error)
}

// Identity yields the logged-in user.
type Identity interface {
	RequirePubkey() (string, error)
}

// ProfileUpdate holds the fields a user may change. Nil fields keep their
// current value.
type ProfileUpdate struct {
	Picture *string
	About   *string
}

// Profiles loads kind 0 metadata and caches the parsed result.
type Profiles struct {
	src   Source
	id    Identity
	zaps  ZapTotaler
	store cache.CacheBackend
	ttl   time.Duration
}

// NewProfiles builds a profile service. zaps and store may be nil.
func NewProfiles(src Source, id Identity, zaps ZapTotaler, store cache.CacheBackend, ttl time.Duration) *Profiles {
	if ttl <= 0 {
		ttl = cache.DefaultCacheConfig().ProfileTTL
	}
	return &Profiles{src: src, id: id, zaps: zaps, store: store, ttl: ttl}
}

func profileKey(pubkey string) string {
	return "profile:" + pubkey
}

// Load returns the profile of pubkey with its zap total. A user who never
// published metadata gets an empty profile.
func (p *Profiles) Load(ctx context.Context, pubkey string) (types.Profile, error) {
	info, err := p.info(ctx, pubkey)
	if err != nil {
		return types.Profile{}, err
	}
	prof := types.Profile{PubKey: pubkey, Info: info}
	if p.zaps != nil {
		total, err := p.zaps.TotalFor(ctx, pubkey)
		if err != nil {
			slog.Warn("zap total unavailable", "pubkey", pubkey, "error", err)
		}
		prof.ZapTotal = total
	}
	return prof, nil
}

func (p *Profiles) info(ctx context.Context, pubkey string) (types.ProfileInfo, error) {
	if p.store != nil {
		if raw, ok, _ := p.store.Get(ctx, profileKey(pubkey)); ok {
			var info types.ProfileInfo
			if json.Unmarshal(raw, &info) == nil {
				return info, nil
			}
		}
	}

	events, err := p.src.Query(ctx, []types.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindMetadata},
		Limit:   1,
	}})
	if err != nil {
		return types.ProfileInfo{}, err
	}
	var info types.ProfileInfo
	if evt, ok := latest(events); ok {
		if err := json.Unmarshal([]byte(evt.Content), &info); err != nil {
			slog.Debug("malformed profile metadata", "pubkey", pubkey, "error", err)
		}
	}
	p.remember(ctx, pubkey, info)
	return info, nil
}

func (p *Profiles) remember(ctx context.Context, pubkey string, info types.ProfileInfo) {
	if p.store == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := p.store.Set(ctx, profileKey(pubkey), raw, p.ttl); err != nil {
		slog.Debug("profile cache write failed", "error", err)
	}
}

// Update merges u into the logged-in user's current profile and publishes
// it. It fails with auth.ErrNotAuthenticated when nobody is logged in.
func (p *Profiles) Update(ctx context.Context, u ProfileUpdate) (types.Profile, error) {
	pubkey, err := p.id.RequirePubkey()
	if err != nil {
		return types.Profile{}, err
	}
	info, err := p.info(ctx, pubkey)
	if err != nil {
		return types.Profile{}, err
	}
	if u.Picture != nil {
		info.Picture = *u.Picture
	}
	if u.About != nil {
		info.About = *u.About
	}

	content, err := json.Marshal(info)
	if err != nil {
		return types.Profile{}, err
	}
	if _, err := p.src.Publish(ctx, types.EventTemplate{
		Kind:      types.KindMetadata,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{},
		Content:   string(content),
	}); err != nil {
		return types.Profile{}, err
	}
	p.remember(ctx, pubkey, info)
	return types.Profile{PubKey: pubkey, Info: info}, nil
}

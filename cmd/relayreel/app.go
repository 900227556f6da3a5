package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relayreel/internal/auth"
	"relayreel/internal/cache"
	"relayreel/internal/config"
	"relayreel/internal/coordinator"
	"relayreel/internal/feed"
	"relayreel/internal/media"
	"relayreel/internal/relay"
	"relayreel/internal/settings"
	"relayreel/internal/social"
	"relayreel/internal/types"
	"relayreel/internal/upload"
	"relayreel/internal/zap"
)

// app owns every long-lived component. Nothing here is global; commands
// receive the app and use what they need.
type app struct {
	cfg     *config.Config
	store   cache.CacheBackend
	pool    *relay.Pool
	coord   *coordinator.Coordinator
	session *auth.Session

	// signerPool carries NIP-46 traffic. It is separate from pool because
	// pool.Connect replaces the relay set.
	signerPool *relay.Pool

	videos   *media.VideoValidator
	queue    *upload.Queue
	uploads  *upload.Processor
	receipts *zap.Receipts
	settings *settings.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, backend := cache.Open(cache.Options{
		RedisURL:   cfg.Storage.RedisURL,
		PebblePath: cfg.Storage.PebblePath,
		Prefix:     cfg.Storage.Prefix,
	})
	slog.Info("storage ready", "backend", backend)

	dialer := relay.WebsocketDialer{AllowPrivate: cfg.Pool.AllowPrivate}
	pool := relay.NewPool(relay.Options{
		Dialer:                dialer,
		MaxConcurrentPerRelay: cfg.Pool.MaxConcurrentPerRelay,
	})
	if err := pool.Connect(ctx, cfg.Relays); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect relays: %w", err)
	}

	coord := coordinator.New(pool, coordinator.Options{
		ResultTTL:    cache.DefaultCacheConfig().ResultTTL,
		QueryTimeout: cfg.Pool.QueryTimeout,
	})

	a := &app{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		coord:    coord,
		session:  auth.NewSession(coord, store),
		videos:   media.NewVideoValidator(nil, store, 0),
		queue:    upload.NewQueue(store),
		receipts: zap.NewReceipts(store),
		settings: settings.NewStore(store),
	}
	a.signerPool = relay.NewPool(relay.Options{Dialer: dialer})
	a.uploads = upload.NewProcessor(a.queue, &upload.HTTPUploader{Client: &http.Client{Timeout: 5 * time.Minute}}, coord, pool, upload.Options{})
	return a, nil
}

// Close releases connections and the store. The session is left intact so
// a remote signer pairing survives the restart.
func (a *app) Close() {
	a.coord.Close()
	a.signerPool.Close()
	a.pool.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

// localURL is where this process's own HTTP API can be reached.
func (a *app) localURL() string {
	if a.cfg.PublicURL != "" {
		return strings.TrimRight(a.cfg.PublicURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", a.cfg.Port)
}

// login picks a signer: NSEC, then BUNKER_URL, then a stored remote
// session. No signer is not an error; read-only commands still work.
func (a *app) login(ctx context.Context) (string, error) {
	var (
		pubkey string
		err    error
	)
	switch {
	case a.cfg.Signer.NSEC != "":
		signer, kerr := auth.NewKeySigner(a.cfg.Signer.NSEC)
		if kerr != nil {
			return "", kerr
		}
		pubkey, err = a.session.Login(ctx, signer)
	case a.cfg.Signer.BunkerURL != "":
		pubkey, err = a.session.LoginRemote(ctx, a.signerPool, a.cfg.Signer.BunkerURL)
	default:
		pubkey, err = a.session.RestoreRemote(ctx, a.signerPool)
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return "", nil
		}
	}
	if err != nil {
		return "", err
	}
	a.extendRelays(ctx, pubkey)
	return pubkey, nil
}

// extendRelays adds the user's NIP-65 read relays to the pool.
func (a *app) extendRelays(ctx context.Context, pubkey string) {
	list, err := social.LoadRelayList(ctx, a.coord, pubkey)
	if err != nil || list == nil || len(list.Read) == 0 {
		return
	}
	urls := append(append([]string(nil), a.cfg.Relays...), list.Read...)
	if err := a.pool.Connect(ctx, urls); err != nil {
		slog.Warn("could not add user relays", "error", err)
		return
	}
	slog.Info("relay set extended", "relays", len(a.pool.Relays()))
}

// feedFilters is the default video feed. The window start is truncated to
// the hour so the filter key, and with it the stored session, stays stable
// between runs.
func (a *app) feedFilters(now time.Time) []types.Filter {
	return []types.Filter{{
		Kinds: []int{types.KindTextNote},
		Since: types.Int64Ptr(a.cfg.FeedSince(now.Truncate(time.Hour))),
	}}
}

func (a *app) newFeed() *feed.Assembler {
	return feed.New(a.coord, a.store, feed.HTTPPreloader{}, feed.Options{
		PageSize:     a.cfg.Feed.PageSize,
		SnapshotCap:  a.cfg.Feed.SnapshotCap,
		LiveDebounce: a.cfg.Feed.LiveDebounce,
		Accept: func(ctx context.Context, evt types.Event) bool {
			return a.videos.Valid(ctx, strings.TrimSpace(evt.Content))
		},
	})
}

func (a *app) newZapper() *zap.Zapper {
	z := zap.NewZapper(zap.NewClient(), a.coord, &zap.Bolt11Payer{Endpoint: a.localURL() + "/api/bolt11"}, a.receipts)
	z.HostAddress = a.cfg.Lightning.HostAddress
	z.HostSplit = a.cfg.Lightning.HostSplit
	return z
}

func (a *app) newProfiles() *social.Profiles {
	return social.NewProfiles(a.coord, a.session, a.receipts, a.store, 0)
}

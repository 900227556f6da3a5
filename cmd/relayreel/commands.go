package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"relayreel/internal/api"
	"relayreel/internal/auth"
	"relayreel/internal/feed"
	"relayreel/internal/nips"
	"relayreel/internal/nostr"
	"relayreel/internal/settings"
	"relayreel/internal/social"
	"relayreel/internal/thread"
	"relayreel/internal/types"
	"relayreel/internal/upload"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"serve":    runServe,
	"feed":     runFeed,
	"thread":   runThread,
	"comment":  runComment,
	"like":     runLike,
	"follow":   followCommand(false),
	"unfollow": followCommand(true),
	"profile":  runProfile,
	"zap":      runZap,
	"zaps":     runZaps,
	"upload":   runUpload,
	"queue":    runQueue,
	"pair":     runPair,
	"logout":   runLogout,
	"settings": runSettings,
}

var errUsage = errors.New("invalid arguments, see relayreel -h")

// requireLogin logs in and fails when no signer is configured.
func requireLogin(ctx context.Context, a *app) (string, error) {
	pubkey, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	if pubkey == "" {
		return "", fmt.Errorf("%w: set NSEC or BUNKER_URL, or run relayreel pair", auth.ErrNotAuthenticated)
	}
	return pubkey, nil
}

func npub(pubkey string) string {
	if s, err := nips.EncodePubkey(pubkey); err == nil {
		return s
	}
	return pubkey
}

// pubkeyArg accepts hex or npub.
func pubkeyArg(s string) (string, error) {
	pk, err := nips.DecodePubkey(s)
	if err != nil {
		return "", fmt.Errorf("invalid pubkey %q: %w", s, err)
	}
	return pk, nil
}

func runServe(ctx context.Context, a *app, args []string) error {
	if _, err := a.login(ctx); err != nil {
		slog.Warn("login failed, serving read-only", "error", err)
	}

	srv := &http.Server{
		Addr: a.cfg.Addr(),
		Handler: api.New(api.Options{
			UploadDir:      a.cfg.Upload.Dir,
			MaxUploadBytes: a.cfg.Upload.MaxBytes,
			PublicURL:      a.cfg.PublicURL,
			PayURL:         a.cfg.Lightning.PayURL,
			PayKey:         a.cfg.Lightning.PayKey,
			CORSOrigins:    a.cfg.CORSOrigins,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	interval := a.cfg.Upload.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go a.uploads.Run(ctx, interval)

	videos := a.newFeed()
	defer videos.Close()
	videos.OnChange(func(s feed.Snapshot) {
		slog.Debug("feed updated", "events", len(s.Events), "has_more", s.HasMore)
	})
	go func() {
		if err := videos.SetFilters(ctx, a.feedFilters(time.Now())); err != nil {
			slog.Warn("feed warmup failed", "error", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr, "relays", len(a.pool.Relays()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runFeed(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	n := fs.Int("n", 0, "number of videos to print (default one page)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := a.login(ctx); err != nil {
		slog.Warn("login failed, continuing logged out", "error", err)
	}

	videos := a.newFeed()
	defer videos.Close()
	if err := videos.SetFilters(ctx, a.feedFilters(time.Now())); err != nil {
		return err
	}
	snap := videos.Snapshot()
	if snap.Offline {
		slog.Warn("no relay answered, feed may be incomplete")
	}
	for *n > len(snap.Events) && snap.HasMore && !snap.Offline {
		if err := videos.LoadMore(ctx); err != nil {
			return err
		}
		snap = videos.Snapshot()
	}

	events := snap.Events
	if *n > 0 && len(events) > *n {
		events = events[:*n]
	}
	for i, evt := range events {
		marker := " "
		if i == snap.Index {
			marker = ">"
		}
		fmt.Printf("%s %s  %s  %s  %s\n", marker, evt.ID,
			time.Unix(evt.CreatedAt, 0).Format(time.DateTime), npub(evt.PubKey), strings.TrimSpace(evt.Content))
	}
	if len(events) == 0 {
		fmt.Println("no videos found")
	}
	return nil
}

func runThread(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	t := thread.New(a.coord, thread.Options{PageSize: a.cfg.Feed.PageSize})
	defer t.Close()
	if err := t.SetRoot(ctx, args[0]); err != nil {
		return err
	}
	for t.HasMore() {
		before := t.Len()
		if err := t.LoadMore(ctx); err != nil {
			return err
		}
		if t.Len() == before {
			break
		}
	}
	printNodes(t.Comments(), 0)
	if t.Len() == 0 {
		fmt.Println("no comments")
	}
	return nil
}

func printNodes(nodes []*thread.Node, depth int) {
	for _, n := range nodes {
		fmt.Printf("%s%s %s: %s\n", strings.Repeat("  ", depth),
			nostr.ShortID(n.Event.ID), nostr.ShortID(n.Event.PubKey), n.Event.Content)
		printNodes(n.Replies, depth+1)
	}
}

func runComment(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("comment", flag.ContinueOnError)
	reply := fs.String("reply", "", "comment id to reply to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errUsage
	}
	if _, err := requireLogin(ctx, a); err != nil {
		return err
	}

	t := thread.New(a.coord, thread.Options{PageSize: a.cfg.Feed.PageSize})
	defer t.Close()
	if err := t.SetRoot(ctx, fs.Arg(0)); err != nil {
		return err
	}
	content := strings.Join(fs.Args()[1:], " ")
	var (
		evt types.Event
		err error
	)
	if *reply != "" {
		evt, err = t.ReplyTo(ctx, *reply, content)
	} else {
		evt, err = t.AddComment(ctx, content)
	}
	if err != nil {
		return err
	}
	fmt.Println(evt.ID)
	return nil
}

func runLike(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	pubkey, err := requireLogin(ctx, a)
	if err != nil {
		return err
	}
	author, err := pubkeyArg(args[1])
	if err != nil {
		return err
	}
	reactions := social.NewReactions(a.coord)
	if err := reactions.Load(ctx, a.coord, pubkey); err != nil {
		slog.Warn("could not load previous reactions", "error", err)
	}
	liked, err := reactions.ToggleLike(ctx, args[0], author)
	if err != nil {
		return err
	}
	if liked {
		fmt.Println("liked")
	} else {
		fmt.Println("unliked")
	}
	return nil
}

func followCommand(unfollow bool) command {
	return func(ctx context.Context, a *app, args []string) error {
		if len(args) != 1 {
			return errUsage
		}
		pubkey, err := requireLogin(ctx, a)
		if err != nil {
			return err
		}
		target, err := pubkeyArg(args[0])
		if err != nil {
			return err
		}
		follows := social.NewFollows(a.coord)
		if err := follows.Load(ctx, pubkey); err != nil {
			return fmt.Errorf("load contact list: %w", err)
		}
		if unfollow {
			err = follows.Unfollow(ctx, target)
		} else {
			err = follows.Follow(ctx, target)
		}
		if err != nil {
			return err
		}
		fmt.Printf("following %d users\n", len(follows.Following()))
		return nil
	}
}

func runProfile(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	about := fs.String("about", "", "new about text")
	picture := fs.String("picture", "", "new picture URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	profiles := a.newProfiles()
	var update social.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "about":
			update.About = about
		case "picture":
			update.Picture = picture
		}
	})

	var (
		p   types.Profile
		err error
	)
	switch {
	case update.About != nil || update.Picture != nil:
		if _, err := requireLogin(ctx, a); err != nil {
			return err
		}
		p, err = profiles.Update(ctx, update)
	case fs.NArg() == 1:
		var pk string
		if pk, err = pubkeyArg(fs.Arg(0)); err != nil {
			return err
		}
		p, err = profiles.Load(ctx, pk)
	default:
		var pk string
		if pk, err = requireLogin(ctx, a); err != nil {
			return err
		}
		p, err = profiles.Load(ctx, pk)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", npub(p.PubKey))
	for _, row := range [][2]string{
		{"name", displayName(p.Info)},
		{"about", p.Info.About},
		{"picture", p.Info.Picture},
		{"lightning", p.Info.LightningAddress()},
	} {
		if row[1] != "" {
			fmt.Printf("  %-10s %s\n", row[0], row[1])
		}
	}
	fmt.Printf("  %-10s %d sats\n", "zapped", p.ZapTotal)
	return nil
}

func displayName(info types.ProfileInfo) string {
	if info.DisplayName != "" {
		return info.DisplayName
	}
	return info.Name
}

func runZap(ctx context.Context, a *app, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errUsage
	}
	sats, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || sats <= 0 {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	recipient, err := pubkeyArg(args[2])
	if err != nil {
		return err
	}
	var videoID string
	if len(args) == 4 {
		videoID = args[3]
	}
	if _, err := requireLogin(ctx, a); err != nil {
		return err
	}

	rec, err := a.newZapper().Zap(ctx, args[0], sats, recipient, videoID)
	if err != nil {
		return err
	}
	fmt.Printf("zapped %d sats, event %s\n", rec.Sats, rec.ID)
	for _, s := range rec.Splits {
		fmt.Printf("  split %s %d msats\n", s.Address, s.Msats)
	}
	return nil
}

func runZaps(ctx context.Context, a *app, args []string) error {
	z := a.newZapper()
	totals, err := z.Totals(ctx)
	if err != nil {
		return err
	}
	fmt.Println("by user:")
	for pk, sats := range totals.ByUser {
		fmt.Printf("  %s %d sats\n", npub(pk), sats)
	}
	fmt.Println("by video:")
	for id, sats := range totals.ByVideo {
		fmt.Printf("  %s %d sats\n", nostr.ShortID(id), sats)
	}

	recent, err := a.receipts.Recent(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Println("recent:")
	for _, r := range recent {
		fmt.Printf("  %s  %d sats to %s\n", time.Unix(r.CreatedAt, 0).Format(time.DateTime), r.Sats, npub(r.Recipient))
	}
	return nil
}

func runUpload(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	pubkey, err := requireLogin(ctx, a)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	endpoint := a.cfg.Upload.Endpoint
	if endpoint == "" {
		endpoint = a.localURL() + "/api/upload"
	}
	contentType := mime.TypeByExtension(filepath.Ext(args[0]))
	if contentType == "" {
		contentType = "video/mp4"
	}

	res, queued, err := a.uploads.Submit(ctx, upload.Record{
		Endpoint:    endpoint,
		ContentType: contentType,
		Payload:     data,
		Creator:     pubkey,
		Caption:     strings.Join(args[1:], " "),
	})
	switch {
	case err != nil:
		return err
	case queued:
		fmt.Println("upload queued, it will be retried by relayreel serve")
	default:
		fmt.Printf("%s\n%s\n", res.URL, res.Event.ID)
	}
	return nil
}

func runQueue(ctx context.Context, a *app, args []string) error {
	ids, err := a.queue.IDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("upload queue is empty")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runPair(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	qrPath := fs.String("qr", "", "also write the pairing QR code as a PNG")
	timeout := fs.Duration("timeout", 2*time.Minute, "how long to wait for the signer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pairing, err := auth.NewPairing(a.signerPool, a.cfg.Relays, "relayreel")
	if err != nil {
		return err
	}
	fmt.Println(pairing.URI)
	if *qrPath != "" {
		png, err := qrcode.Encode(pairing.URI, qrcode.Medium, 256)
		if err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
		if err := os.WriteFile(*qrPath, png, 0o644); err != nil {
			return err
		}
		fmt.Printf("QR code written to %s\n", *qrPath)
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	signer, err := pairing.Wait(waitCtx)
	if err != nil {
		return err
	}
	pubkey, err := a.session.LoginRemoteSigner(ctx, signer)
	if err != nil {
		return err
	}
	fmt.Printf("paired as %s\n", npub(pubkey))
	return nil
}

func runLogout(ctx context.Context, a *app, args []string) error {
	a.session.Logout(ctx)
	fmt.Println("logged out")
	return nil
}

func runSettings(ctx context.Context, a *app, args []string) error {
	st := a.settings.Load(ctx)
	if len(args) > 0 {
		st.Theme = args[0]
		if len(args) > 1 {
			autoplay, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid autoplay %q", args[1])
			}
			st.Autoplay = autoplay
		}
		if err := a.settings.Save(ctx, st); err != nil {
			return err
		}
	}
	fmt.Printf("theme    %s\nautoplay %t\n", st.Theme, st.Autoplay)
	if st == settings.Defaults() && len(args) == 0 {
		fmt.Println("(defaults)")
	}
	return nil
}

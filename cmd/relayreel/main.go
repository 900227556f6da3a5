// Command relayreel is a short-video client for Nostr relays. It serves the
// upload and payment API and drives the feed, threads, social actions, zaps
// and the offline upload queue from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"relayreel/internal/config"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: relayreel [-config path] <command> [args]

commands:
  serve                          run the HTTP API and upload worker (default)
  feed [-n count]                print the video feed
  thread <event-id>              print the comments below a video
  comment <event-id> <text>      comment on a video, or reply with -reply <id>
  like <event-id> <author>       toggle a like
  follow <pubkey>                follow a user
  unfollow <pubkey>              unfollow a user
  profile [pubkey]               show a profile, or update yours with -about/-picture
  zap <target> <sats> <recipient> [video-id]
                                 pay a lightning address and publish the zap
  zaps                           show zap totals and recent receipts
  upload <file> [caption]        upload a video, queueing it when offline
  queue                          list pending uploads
  pair                           pair with a remote signer via nostrconnect
  logout                         forget the stored remote signer
  settings [theme] [autoplay]    show or change settings
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayreel: %v\n", err)
		os.Exit(2)
	}
	config.InitLogger(cfg.LogLevel)

	name, args := "serve", flag.Args()
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	cmd, ok := commands[name]
	if !ok {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	err = cmd(ctx, a, args)
	a.Close()
	if err != nil {
		slog.Error(name+" failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/JassCoder/atm-video-call/internal/abuse"
	"github.com/JassCoder/atm-video-call/internal/chat"
	"github.com/JassCoder/atm-video-call/internal/config"
	"github.com/JassCoder/atm-video-call/internal/match"
	"github.com/JassCoder/atm-video-call/internal/media"
	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/ratelimit"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/session"
	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

const storeDialTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting atm-client",
		"store_url", cfg.StoreURL,
		"mode", cfg.Mode,
		"gender", string(cfg.Filters.Gender),
		"language", cfg.Filters.Language,
		"tag", cfg.Filters.Tag,
		"match_grace_window", cfg.GraceWindow,
		"chat_messages_per_minute", cfg.ChatMessagesPerMinute,
		"capture_video", cfg.CaptureVideo,
		"capture_audio", cfg.CaptureAudio,
		"ice_servers", len(cfg.ICEServers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, storeDialTimeout)
	client, err := store.Dial(dialCtx, cfg.StoreURL, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to room store", "url", cfg.StoreURL, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	m := metrics.New()
	client.SetDropHandler(func() { m.Inc(metrics.StoreSnapshotsDropped) })
	rooms := room.NewManager(client, m, logger)
	constraints := media.Constraints{Video: cfg.CaptureVideo, Audio: cfg.CaptureAudio}

	sess := session.New(cfg.Filters, session.Deps{
		Capture:      media.NewDeviceCapture(logger),
		Constraints:  &constraints,
		Rooms:        rooms,
		Matcher:      match.New(rooms, cfg.GraceWindow, m, logger),
		Chat:         chat.NewRelay(client, chatLimiter(cfg.ChatMessagesPerMinute), m, logger),
		Blocked:      abuse.NewBlockedSet(),
		Reporter:     abuse.NewReporter(client, m, logger),
		NewTransport: pionFactory(cfg, logger),
		Metrics:      m,
		Logger:       logger,
	})

	err = sess.Run(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("session ended", "err", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

// chatLimiter turns the per-minute config value into a bucket: a full-minute
// burst refilled one send at a time. Zero keeps the bucket permanently empty,
// which disables sending.
func chatLimiter(perMinute int) *ratelimit.TokenBucket {
	if perMinute <= 0 {
		return ratelimit.NewTokenBucketEvery(nil, 0, time.Minute)
	}
	return ratelimit.NewTokenBucketEvery(nil, int64(perMinute), time.Minute/time.Duration(perMinute))
}

func pionFactory(cfg config.Config, logger *slog.Logger) session.TransportFactory {
	return func(configure func(*webrtc.MediaEngine) error) (transport.Transport, error) {
		return transport.NewPion(transport.Config{
			ICEServers:     cfg.ICEServers,
			Logger:         logger,
			ConfigureMedia: configure,
		})
	}
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"sessionsync/config"
	"sessionsync/internal/metrics"
	"sessionsync/internal/poller"
	"sessionsync/internal/presence"
	"sessionsync/internal/session"
	"sessionsync/internal/stream"
	"sessionsync/internal/syncer"
	"sessionsync/logger"
	"sessionsync/pkg/arena"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.New(nil)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	token := config.NewTokenProvider(cfg.Auth)

	restClient := arena.NewRESTClient(cfg.Arena.BaseURL, cfg.Arena.Timeout, token)

	mux := stream.New(cfg.Arena.WSURL, stream.TokenProvider(token), stream.Options{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ReconnectMin:     cfg.Stream.ReconnectMin,
		ReconnectMax:     cfg.Stream.ReconnectMax,
	}, log, rec)

	store := session.NewStore(log, rec)

	poll := poller.New(restClient, cfg.Poll.Interval, cfg.Poll.CoalesceWindow, log, rec)

	pres := presence.NewMachine(presence.Dismiss{
		Narrator:    cfg.Presence.NarratorDismiss,
		Trade:       cfg.Presence.TradeDismiss,
		Alpha:       cfg.Presence.AlphaDismiss,
		Celebration: cfg.Presence.CelebrationDismiss,
		IdleGrace:   cfg.Presence.IdleGrace,
	}, log)

	// Log committed aggregate changes at debug for visibility.
	store.Watch(func(c session.Change) {
		log.Debug("session updated",
			zap.String("session", c.SessionID),
			zap.String("event", string(c.Kind)),
			zap.String("status", string(c.State.Status)),
			zap.Int("candles", len(c.State.Candles)),
			zap.Int("trades", len(c.State.Trades)))
	})

	log.Info("session sync starting",
		zap.String("arena", cfg.Arena.BaseURL),
		zap.String("stream", cfg.Arena.WSURL))

	s := syncer.New(restClient, mux, store, poll, pres, log)
	s.Run(ctx)

	log.Info("session sync stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shelfshare/api"
	"shelfshare/arbitration"
	"shelfshare/config"
	"shelfshare/db"
	"shelfshare/identity"
	"shelfshare/jobs"
	"shelfshare/listing"
	"shelfshare/notify"
	"shelfshare/outbox"
	"shelfshare/request"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("bootstrap database pool", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	listings := listing.NewRepository(pool)
	requests := request.NewRepository(pool)
	users := identity.NewRepository(pool)

	identityService := identity.NewService(users, cfg.JWT.Secret)
	arbiter := arbitration.NewService(pool, listings, requests, nil, outbox.NewWriter())

	gateway := notify.NewLogGateway(log)
	dispatcher := outbox.NewDispatcher(pool, gateway, identityService, log)

	scheduler, err := jobs.NewScheduler(jobs.Config{
		OutboxDispatch: cfg.Scheduler.OutboxDispatch,
		OverdueSweep:   cfg.Scheduler.OverdueSweep,
	}, dispatcher, arbiter, log)
	if err != nil {
		log.Error("bootstrap scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(arbiter, identityService, listings, requests, log)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	log.Info("listening", slog.String("addr", cfg.Server.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

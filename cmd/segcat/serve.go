package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"segcat/api/internal/app"
	"segcat/api/internal/config"
	"segcat/api/internal/history"
	"segcat/api/internal/lock"
	"segcat/api/internal/logging"
	"segcat/api/internal/presence"
	"segcat/api/internal/realtime"
	"segcat/api/internal/search"
	"segcat/api/internal/session"
	"segcat/api/internal/store"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	opts := []app.Option{
		app.WithLogger(log),
		app.WithHistory(history.New(cfg.HistoryDir)),
	}

	var meiliClient *search.Meili
	if cfg.MeiliURL != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.With("component", "meili"))
		defer meiliClient.Close()
	}
	opts = append(opts, app.WithSearch(search.NewService(meiliClient, search.NewPgFTS(db), log.With("component", "search"))))

	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		log.Info("using redis for access sessions")
		opts = append(opts, app.WithSessions(redisStore))
	} else {
		log.Info("using postgres revocation list for access tokens")
	}

	service := app.New(cfg, store.NewPostgresStore(db), opts...)
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	coordinator := realtime.NewCoordinator(
		lock.NewTable(lock.WithTTL(cfg.LockTTL)),
		presence.NewRegistry(),
		service,
		realtime.WithLogger(log.With("component", "realtime")),
	)
	transport := realtime.NewTransport(coordinator, service.Authenticate,
		realtime.WithSendBuffer(cfg.SendBuffer),
		realtime.WithAllowedOrigin(cfg.CORSOrigin),
		realtime.WithTransportLogger(log.With("component", "ws")),
	)

	httpServer := app.NewHTTPServer(service, coordinator, transport, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("segcat listening", "addr", cfg.Addr, "lock_ttl", cfg.LockTTL.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return coordinator.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		transport.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

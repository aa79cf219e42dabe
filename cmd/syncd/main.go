package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/realtime"
	"tasksync/internal/session"
	"tasksync/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := realtime.Options{
		PresenceTimeout:    cfg.PresenceTimeout,
		SweepInterval:      cfg.PresenceSweepInterval,
		NotificationBuffer: cfg.NotificationBuffer,
		Logger:             logger.With().Str("component", "hub").Logger(),
	}
	checks := map[string]app.Pinger{}
	var directory app.Directory

	// Redis carries cross-instance fan-out and the live-session directory.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		opts.Bus = realtime.NewRedisBus(redisStore.Client(), logger.With().Str("component", "bus").Logger())
		opts.Directory = redisStore
		directory = redisStore
		checks["redis"] = redisStore
		logger.Info().Msg("using redis for fan-out and session directory")
	} else {
		logger.Info().Msg("running single-instance without redis")
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		notifications := store.NewNotificationStore(db)
		opts.ReadMarker = notifications
		checks["database"] = notifications
	}

	hub := realtime.NewHub(opts)
	service := app.New(cfg, hub, directory, checks)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger.With().Str("component", "http").Logger()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		listener := store.NewListener(cfg.DatabaseURL, hub, logger.With().Str("component", "listener").Logger())
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("tasksync sync server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, service, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func shutdown(server *http.Server, service *app.Service, logger zerolog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	service.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

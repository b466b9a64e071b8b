// Roomcast - Calendar Synchronization and Display Distribution
// Copyright 2026 Roomcast Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/roomcast/roomcast

// Package main is the entry point for the Roomcast server.
//
// Roomcast pulls events from external calendar backends (Exchange Online,
// Google Calendar, CalDAV servers, and static ICS feeds), caches them in an
// embedded DuckDB store, and pushes live snapshots to connected room
// displays over SSE.
//
// Startup order:
//
//  1. Configuration: koanf-layered defaults, YAML file, ROOMCAST_* env vars
//  2. Logging: zerolog, configured from the loaded config
//  3. Store: DuckDB event cache with idempotent schema migration
//  4. Credential codec: argon2-derived key, AES-GCM sealed blobs
//  5. Sync: provider adapters, reconciler, cron-driven scheduler
//  6. Distribution: client registry with heartbeat loop
//  7. HTTP server: operator API, display stream, Prometheus metrics
//
// All long-running pieces run under a suture supervisor tree and shut down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roomcast/roomcast/internal/api"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/database"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/models"
	"github.com/roomcast/roomcast/internal/provider"
	"github.com/roomcast/roomcast/internal/registry"
	"github.com/roomcast/roomcast/internal/secrets"
	"github.com/roomcast/roomcast/internal/supervisor"
	"github.com/roomcast/roomcast/internal/supervisor/services"
	syncpkg "github.com/roomcast/roomcast/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("roomcast starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing store")
		}
	}()
	logging.Info().Str("path", cfg.Database.Path).Msg("store opened")

	codec, err := secrets.NewCodec(cfg.Encryption.Secret)
	if err != nil {
		return fmt.Errorf("create credential codec: %w", err)
	}

	adapterOpts := provider.Options{}
	if cfg.FeedCache.Enabled {
		feedCache, err := provider.OpenFeedCache(cfg.FeedCache.Path)
		if err != nil {
			return fmt.Errorf("open feed cache: %w", err)
		}
		defer func() {
			if err := feedCache.Close(); err != nil {
				logging.Error().Err(err).Msg("error closing feed cache")
			}
		}()
		adapterOpts.FeedCache = feedCache
		logging.Info().Str("path", cfg.FeedCache.Path).Msg("feed cache opened")
	}
	adapters := func(kind models.ProviderKind) (provider.Adapter, error) {
		return provider.New(kind, adapterOpts)
	}

	reg := registry.NewRegistry(cfg.SSE.HeartbeatInterval)
	reconciler := syncpkg.NewReconciler(db, codec, adapters, reg)
	scheduler := syncpkg.NewScheduler(reconciler, db, cfg.Sync.ScanInterval, cfg.Sync.MaxConcurrent)

	handler := api.NewHandler(db, reg, codec, scheduler, cfg.Sync)
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     api.NewRouter(handler, &cfg.Server),
		ReadTimeout: cfg.Server.Timeout,
		// WriteTimeout stays unset: the SSE stream writes for the lifetime
		// of the connection.
		IdleTimeout: 60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(scheduler)
	tree.AddDistributionService(reg)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("supervisor tree assembled")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("roomcast stopped")
	return nil
}

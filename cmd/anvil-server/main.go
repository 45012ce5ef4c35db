// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

// anvil-server runs the build-farm control plane core: the agent and
// session registry, the content-addressed storage engine with its
// garbage collector, and the artifact catalog with retention sweeps.
// Transport frontends connect to these services in-process; this
// binary owns their lifecycle and background loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/anvil-build/anvil/agent"
	"github.com/anvil-build/anvil/artifacts"
	"github.com/anvil-build/anvil/lib/clock"
	"github.com/anvil-build/anvil/lib/config"
	"github.com/anvil-build/anvil/lib/docstore"
	"github.com/anvil-build/anvil/lib/process"
	"github.com/anvil-build/anvil/lib/sharedcache"
	"github.com/anvil-build/anvil/lib/sqlitepool"
	"github.com/anvil-build/anvil/storage"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "anvil.yaml", "path to the server configuration file")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Server.DatabasePath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.Real()
	cache := sharedcache.NewMemory(clk)
	store := docstore.New(pool, logger)

	sessions, err := agent.NewSessions(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("creating session collection: %w", err)
	}
	registry, err := agent.NewRegistry(ctx, store, sessions, cache, clk, logger)
	if err != nil {
		return fmt.Errorf("creating agent registry: %w", err)
	}

	storageSvc, err := storage.NewService(ctx, storage.Options{
		Store:  store,
		Cache:  cache,
		Clock:  clk,
		Logger: logger,
		Config: cfg,
	})
	if err != nil {
		return fmt.Errorf("creating storage service: %w", err)
	}

	catalog, err := artifacts.NewCatalog(ctx, store, artifacts.NumericCommitResolver{}, storageSvc, clk, logger)
	if err != nil {
		return fmt.Errorf("creating artifact catalog: %w", err)
	}
	sweeper := artifacts.NewSweeper(catalog, cfg, clk, logger)

	logger.Info("anvil server started",
		"config", configPath,
		"revision", cfg.Revision,
		"database", cfg.Server.DatabasePath,
		"namespaces", len(cfg.Storage.Namespaces),
	)

	// Background loops stop within one tick of the signal context.
	var wg sync.WaitGroup
	runLoop := func(name string, loop func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop exited", "loop", name, "error", err)
			}
		}()
	}
	runLoop("storage", storageSvc.Run)
	runLoop("session-expiry", registry.RunExpiry)
	runLoop("artifact-retention", sweeper.Run)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

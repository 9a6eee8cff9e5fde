// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/leseb/deepsearch-gw/pkg/adapters/http"
	"github.com/leseb/deepsearch-gw/pkg/auth"
	"github.com/leseb/deepsearch-gw/pkg/core/config"
	"github.com/leseb/deepsearch-gw/pkg/core/engine"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"

	// KV backends for the cache and rate limiter
	_ "github.com/leseb/deepsearch-gw/pkg/kv/memory"
	_ "github.com/leseb/deepsearch-gw/pkg/kv/postgres"
	_ "github.com/leseb/deepsearch-gw/pkg/kv/s3"
	_ "github.com/leseb/deepsearch-gw/pkg/kv/sqlite"

	// Chat store backends
	_ "github.com/leseb/deepsearch-gw/pkg/storage/memory"
	_ "github.com/leseb/deepsearch-gw/pkg/storage/postgres"
	_ "github.com/leseb/deepsearch-gw/pkg/storage/sqlite"
)

var (
	// Version is set via ldflags during build
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("Deep Search Gateway Server\nVersion: %s\nBuild Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.Default()
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("Starting Deep Search Gateway Server",
		"version", Version,
		"build_time", BuildTime)
	if cfgErr != nil {
		logger.Warn("Failed to load config, using defaults", "error", cfgErr)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.Providers.New(ctx, cfg.Cache.Backend, cfg.Cache.Params)
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	defer store.Close(context.Background()) //nolint:errcheck
	logger.Info("Initialized KV store", "backend", cfg.Cache.Backend)

	chats, err := state.Providers.New(ctx, cfg.ChatStore.Type, cfg.ChatStore.Params())
	if err != nil {
		return fmt.Errorf("chat store: %w", err)
	}
	defer chats.Close() //nolint:errcheck
	logger.Info("Initialized chat store", "type", cfg.ChatStore.Type)

	var authn auth.Authenticator
	if cfg.Auth.Tokens != "" {
		tokens, err := auth.ParseTokens(cfg.Auth.Tokens)
		if err != nil {
			return err
		}
		authn = tokens
		logger.Info("Initialized token auth", "tokens", tokens.Len())
	} else {
		authn = auth.Anonymous{UserID: "anonymous"}
		logger.Warn("No auth tokens configured, every request runs as the anonymous user")
	}

	tracer := tracing.NewLogTracer(logger)

	eng, comps, err := engine.FromConfig(ctx, cfg, store, tracer, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	logger.Info("Initialized engine",
		"model", cfg.Engine.Model,
		"search_provider", comps.SearchProvider,
		"max_steps", eng.MaxSteps())

	handler := httpAdapter.New(httpAdapter.Options{
		Engine:          eng,
		Chats:           chats,
		Auth:            authn,
		Tracer:          tracer,
		Logger:          logger,
		SearchProvider:  comps.SearchProvider,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.Timeout,
		// turns stream for up to engine.timeout, which bounds them instead
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

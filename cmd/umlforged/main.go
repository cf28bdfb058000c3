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

	"github.com/getsentry/sentry-go"

	"github.com/umlforge/umlforge/internal/cache"
	"github.com/umlforge/umlforge/internal/config"
	"github.com/umlforge/umlforge/internal/gate"
	"github.com/umlforge/umlforge/internal/metrics"
	"github.com/umlforge/umlforge/internal/renderer"
	"github.com/umlforge/umlforge/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	logger.Info().
		Str("server_address", cfg.Server.Address).
		Int("server_port", cfg.Server.Port).
		Str("plantuml_jar", cfg.PlantUML.JarPath).
		Int("max_concurrent", cfg.Render.MaxConcurrent).
		Bool("cache_enabled", cfg.Cache.Enabled).
		Msg("Application started with configuration")

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := cfg.CreateDirectories(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create working directories")
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.New(cache.Options{
			Dir:        cfg.Cache.Dir,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
			Group:      "render",
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open render cache")
		}
	}

	runner := renderer.NewRunner(cfg, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	if err := runner.CheckAvailability(startupCtx); err != nil {
		cancelStartup()
		logger.Fatal().Err(err).Msg("Rendering engine is not available")
	}
	engineVersion, err := runner.Version(startupCtx)
	if err == nil {
		logger.Info().Str("version", engineVersion).Msg("Rendering engine detected")
	}
	cancelStartup()

	admission := gate.New(cfg.Render.MaxConcurrent, cfg.Render.MaxPending)
	pipeline := renderer.New(cfg, store, admission, runner, logger)
	srv := server.New(cfg, pipeline, store, logger)
	srv.SetEngineVersion(engineVersion)

	// Start Prometheus metrics HTTP server
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewHTTPServer(cfg.Server.Address, cfg.Metrics.Port)
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("Starting Prometheus metrics HTTP server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Msg("Failed to serve metrics")
			}
		}()
		defer func() {
			if err := metricsServer.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shutdown metrics server")
			}
		}()
	}

	// Periodic sweep of expired cache files on disk.
	if store != nil && cfg.Cache.SweepInterval > 0 {
		ticker := time.NewTicker(cfg.Cache.SweepInterval)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				store.Sweep()
			}
		}()
	}

	address := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         address,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Render.Timeout + cfg.Render.GracePeriod + 30*time.Second,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
		}
	}()

	logger.Info().Str("address", address).Msg("Starting HTTP server")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Failed to serve HTTP")
	}

	if store != nil {
		store.Sweep()
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close render cache")
		}
	}

	logger.Info().Msg("Server stopped gracefully")
}

// Package main is the entry point for the artifact store server.
// The server implements the artifact upload protocol, exposes Prometheus
// metrics and sweeps unreferenced artifacts periodically.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/artifact-store/internal/app"
	"github.com/prn-tf/artifact-store/internal/auth"
	"github.com/prn-tf/artifact-store/internal/config"
	"github.com/prn-tf/artifact-store/internal/handler"
	"github.com/prn-tf/artifact-store/internal/metrics"
	"github.com/prn-tf/artifact-store/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Initialize logger
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	log.Logger = logger

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting artifact store server")

	if cfg.Auth.Enabled() {
		if err := auth.ValidatePasswordHash(cfg.Auth.AdminPasswordHash); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.DefaultNamespace)
	}

	store, err := app.NewArtifactStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close artifact store")
		}
	}()

	router := handler.NewRouter(handler.RouterConfig{
		ArtifactHandler: handler.NewArtifactHandler(store, cfg.Server.MaxBodySize, logger),
		AuthMiddleware:  auth.BasicAuth(app.AuthConfig(cfg.Auth)),
		Metrics:         m,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Str("path", cfg.Metrics.Path).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var gc *service.GarbageCollector
	if cfg.GC.Enabled {
		gc = service.NewGarbageCollector(store, logger, service.GCConfig{
			Enabled:  cfg.GC.Enabled,
			Interval: cfg.GC.Interval,
			Timeout:  cfg.GC.Timeout,
		})
		gc.Start()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
	case err = <-errCh:
		logger.Error().Err(err).Msg("Server error, shutting down")
	}

	if gc != nil {
		gc.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("HTTP server shutdown failed")
	}
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error().Err(shutdownErr).Msg("Metrics server shutdown failed")
		}
	}

	return err
}

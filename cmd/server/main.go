// Package main is the entry point for adpilot, the bandit budget allocator and
// safety-queued change executor.
//
// Startup order:
// 1. Load configuration (.env, environment, optional tuning file)
// 2. Initialize logging
// 3. Wire databases, repositories and services
// 4. Start the tick scheduler, executor workers and maintenance processor
// 5. Serve HTTP until SIGINT or SIGTERM, then shut down gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/adpilot/internal/config"
	"github.com/aristath/adpilot/internal/di"
	"github.com/aristath/adpilot/internal/server"
	"github.com/aristath/adpilot/internal/version"
	"github.com/aristath/adpilot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("version", version.Version).
		Str("data_dir", cfg.DataDir).
		Str("execution_mode", cfg.ExecutionMode).
		Str("queue_backend", cfg.QueueBackend).
		Msg("Starting adpilot")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover what a previous process left behind before new work is claimed
	if n, err := container.Executor.Reclaim(ctx); err != nil {
		log.Error().Err(err).Msg("Startup reclaim failed")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("Reclaimed stale claims from a previous run")
	}

	container.Start(ctx)

	srv := server.New(server.Config{
		Log:       log,
		Container: container,
		Version:   version.Version,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Executor workers finish or abandon their current change; an abandoned
	// change mid-call is failed as interrupted
	cancel()
	container.Stop()

	log.Info().Msg("Server stopped")
}

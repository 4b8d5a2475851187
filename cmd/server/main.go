// Package main is the entry point for the riskmatch risk-pattern engine.
// The service ingests market and portfolio signals, fingerprints each
// fund's risk state, retrieves similar historical episodes, and proposes
// evidence-backed mitigation actions for human review.
//
// The application follows clean architecture principles:
// - Domain layer is pure (no infrastructure dependencies)
// - Dependency injection via DI container
// - Repository pattern for data access
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianfm/riskmatch/internal/config"
	"github.com/meridianfm/riskmatch/internal/di"
	"github.com/meridianfm/riskmatch/internal/scheduler"
	"github.com/meridianfm/riskmatch/internal/server"
	"github.com/meridianfm/riskmatch/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting riskmatch")

	// Wire all dependencies: databases, repositories, services, work
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Start the background work processor
	go container.WorkProcessor.Run()
	log.Info().Int("work_types", container.WorkRegistry.Count()).Msg("Work processor started")

	// Schedule the periodic processor wake-up, and the backup window when
	// an object store is configured
	sched := scheduler.New(log)
	if err := sched.AddFunc("0 * * * * *", "work:tick", container.WorkProcessor.Trigger); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule processor tick")
	}
	if container.Snapshots != nil {
		err := sched.AddFunc(cfg.Backup.Schedule, "corpus:backup", func() {
			if err := container.WorkProcessor.ExecuteNow("corpus:backup", ""); err != nil {
				log.Error().Err(err).Msg("Scheduled backup failed")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}
	sched.Start()

	// Start HTTP server
	srv := server.New(cfg, container, log)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	sched.Stop()
	container.WorkProcessor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

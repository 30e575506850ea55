// Package main is the entry point for the portfolio optimization service.
//
// Startup order:
//  1. Load configuration (.env and environment)
//  2. Open the run history database and the optional S3 archive
//  3. Register the retention job with the scheduler
//  4. Serve HTTP until SIGINT/SIGTERM, then drain in-flight work
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/portfolio-optimizer/internal/config"
	"github.com/aristath/portfolio-optimizer/internal/database"
	"github.com/aristath/portfolio-optimizer/internal/modules/cleanup"
	"github.com/aristath/portfolio-optimizer/internal/modules/history"
	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/portfolio-optimizer/internal/modules/optimization/handlers"
	"github.com/aristath/portfolio-optimizer/internal/scheduler"
	"github.com/aristath/portfolio-optimizer/internal/server"
	"github.com/aristath/portfolio-optimizer/internal/workers"
	"github.com/aristath/portfolio-optimizer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("method", cfg.Optimizer.Method).
		Int("min_observations", cfg.MinObservations).
		Int("max_concurrent_solves", cfg.MaxConcurrentSolves).
		Msg("Starting portfolio optimizer")

	svc, err := optimization.NewOptimizerService(optimization.OptionsFromConfig(cfg.Optimizer), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create optimizer")
	}

	pool := workers.NewPool(cfg.MaxConcurrentSolves)
	sched := scheduler.New(log)

	var (
		historyDB *database.DB
		recorder  *history.Recorder
	)
	if cfg.History.Enabled {
		historyDB, recorder, err = setupHistory(cfg, sched, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize run history")
		}
		defer historyDB.Close()
	} else {
		log.Info().Msg("Run history disabled")
	}

	// A nil *Recorder must not reach the handler as a non-nil interface
	var runs optimizationhandlers.RunStore
	if recorder != nil {
		runs = recorder
	}
	handler := optimizationhandlers.NewHandler(svc, pool, runs, cfg.MinObservations, log)

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		HistoryDB:    historyDB,
		Optimization: handler,
		Pool:         pool,
		Scheduler:    sched,
	})

	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if recorder != nil {
		recorder.Wait()
		log.Info().Msg("Pending archive uploads finished")
	}

	log.Info().Msg("Server stopped")
}

// setupHistory opens history.db, wires the optional archive and registers
// the retention job.
func setupHistory(cfg *config.Config, sched *scheduler.Scheduler, log zerolog.Logger) (*database.DB, *history.Recorder, error) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Str("path", db.Path()).Msg("History database ready")

	repo := history.NewRepository(db.Conn(), log)

	var archiver history.Archiver
	if cfg.Archive.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s3Archiver, err := history.NewS3Archiver(ctx, history.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		archiver = s3Archiver
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Run archive enabled")
	}

	retention := cleanup.NewRunRetentionJob(repo, db, cfg.History.RetentionDays, log)
	if err := sched.AddJob(cfg.History.RetentionSchedule, retention); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, history.NewRecorder(repo, archiver, log), nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"citestack/internal/app"
	"citestack/internal/config"
	"citestack/internal/logging"
	"citestack/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init services")
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("runner_schedule", cfg.RunnerSchedule).Int("batch_size", cfg.RunnerBatchSize).
		Int("concurrency", cfg.RunnerConcurrency).Msg("worker started")
	if err := a.Scheduler().Run(ctx); err != nil {
		logger.Error().Err(err).Msg("scheduler stopped")
		return
	}
	logger.Info().Msg("worker stopped")
}

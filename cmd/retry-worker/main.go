package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/notification-dispatch/internal/app"
	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("retry-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build dispatch engine")
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelClose()
		if err := a.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	scheduler, err := queue.NewScheduler(a.Engine, cfg.Retry.Schedule, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid retry schedule")
	}

	logger.Info().
		Dur("base_delay", cfg.Retry.BaseDelay).
		Int("max_retries", cfg.Retry.MaxRetries).
		Msg("retry worker started")
	if err := scheduler.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("retry worker stopped")
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kodisha/billing/internal/config"
	"github.com/kodisha/billing/internal/daraja"
	"github.com/kodisha/billing/internal/database"
	"github.com/kodisha/billing/internal/logging"
	"github.com/kodisha/billing/internal/notify"
	"github.com/kodisha/billing/internal/queue"
	"github.com/kodisha/billing/internal/settlement"
	"github.com/kodisha/billing/internal/store"
	"github.com/kodisha/billing/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("json", "info")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	logger.Info().Msg("billing worker starting")

	ctx := context.Background()

	db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	q, err := queue.New(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue")
	}
	defer q.Close()

	gwCfg := cfg.Daraja()
	gateway := daraja.NewClient(gwCfg, logger)

	engine := settlement.NewService(
		store.NewPayments(db.Pool),
		store.NewUsers(db.Pool),
		notify.NewEnqueuer(q.Client, logger),
		gateway,
		gwCfg,
		logger,
	)

	deliverer := notify.NewDeliverer(cfg.NotifyURL, cfg.NotifySecret, logger)
	processor := worker.NewProcessor(engine, deliverer, logger)
	processor.Register(q.Mux)

	asynqServer := q.NewServer(cfg.WorkerConcurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info().Msg("shutting down worker")
		asynqServer.Shutdown()
	}()

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started, processing tasks")
	if err := asynqServer.Run(q.Mux); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}

	logger.Info().Msg("worker shutdown complete")
}

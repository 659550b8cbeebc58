package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imageTasks/internal/broker"
	"imageTasks/internal/events"
	"imageTasks/internal/metrics"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
	"imageTasks/worker/config"
	"imageTasks/worker/converter"
	"imageTasks/worker/pool"
	"imageTasks/worker/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Worker Service stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker Service starting",
		zap.Int("workers", cfg.WorkerCount),
		zap.String("queue", cfg.Broker.Queue),
		zap.String("group_id", cfg.GroupID),
	)

	if cfg.RunMigrations {
		if err := repository.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
	}

	db, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := repository.NewPostgresRepo(db)

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := events.Open(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	m := metrics.New()
	processor := service.NewProcessor(repo, blobs, converter.NewConverter(logger), notifier, m, logger)
	manager := broker.NewManager(cfg.Broker, logger)

	workers := pool.NewWorkerPool(cfg.WorkerCount, func(id int) pool.Runner {
		return broker.NewConsumer(manager, cfg.Consumer(), processor, logger.With(zap.Int("worker_id", id)))
	}, logger)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	err = workers.Run(ctx)
	logger.Info("Worker Service shutting down")
	return err
}

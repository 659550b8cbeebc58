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

	"imageTasks/api/cache"
	"imageTasks/api/config"
	"imageTasks/api/database"
	"imageTasks/api/handlers"
	"imageTasks/api/service"
	"imageTasks/internal/broker"
	"imageTasks/internal/events"
	"imageTasks/internal/metrics"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("API Service stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("API Service starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	if cfg.RunMigrations {
		if err := repository.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("Migrations applied")
	}

	pool, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := repository.NewPostgresRepo(pool)

	redisCache, err := database.ConnectCache(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisCache.Close()

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
	publisher := broker.NewPublisher(broker.NewManager(cfg.Broker, logger), cfg.Broker.Queue, logger)

	submissions := service.NewSubmissionService(repo, blobs, publisher, notifier, m, logger)
	statuses := service.NewStatusService(repo, blobs, cache.NewStatusCache(redisCache, cfg.StatusCacheTTL), logger)

	var files http.Handler
	if local, ok := blobs.(*storage.LocalStore); ok {
		files = http.FileServer(http.Dir(local.Dir()))
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Tasks: handlers.NewTaskHandler(submissions, statuses, cfg.MaxFileSize, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.Checker{
			"database": repo.Ping,
			"redis":    redisCache.Ping,
		}, logger),
		Metrics: m.Handler(),
		Files:   files,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"imageTasks/api/middleware"
)

const statusTimeout = 30 * time.Second

type RouterConfig struct {
	Tasks   *TaskHandler
	Health  *HealthHandler
	Metrics http.Handler
	// Files serves blobs from the local backend; nil when blobs live in S3.
	Files  http.Handler
	Logger *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.TraceID)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimw.RealIP)

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Files != nil {
		r.Handle("/files/*", http.StripPrefix("/files/", cfg.Files))
	}

	// No request timeout on upload: the broker connect retries bound it.
	r.Post("/upload-and-process", cfg.Tasks.Upload)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(statusTimeout))
		r.Get("/status/{task_id}", cfg.Tasks.Status)
	})

	return r
}

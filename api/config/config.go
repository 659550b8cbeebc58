package config

import (
	"fmt"
	"time"

	"imageTasks/internal/broker"
	shared "imageTasks/internal/config"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
)

type Config struct {
	Port           string
	Env            string
	MaxFileSize    int64
	RedisAddr      string
	StatusCacheTTL time.Duration
	RunMigrations  bool

	Broker   broker.Config
	Database repository.PoolConfig
	Storage  storage.Config
	Events   shared.EventsConfig
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	cfg := &Config{
		Port:           shared.GetEnv("SERVICE_PORT", "8081"),
		Env:            shared.GetEnv("ENV", "development"),
		MaxFileSize:    shared.GetEnvAsInt64("MAX_FILE_SIZE", 100*1024*1024),
		RedisAddr:      shared.GetEnv("REDIS_ADDR", "localhost:6379"),
		StatusCacheTTL: shared.GetEnvAsDuration("STATUS_CACHE_TTL", 10*time.Minute),
		RunMigrations:  shared.RunMigrations(),
		Events:         shared.Events(),
	}

	var err error
	if cfg.Broker, err = shared.Broker(); err != nil {
		return nil, err
	}
	if cfg.Database, err = shared.Database(); err != nil {
		return nil, err
	}
	if cfg.Storage, err = shared.Storage(); err != nil {
		return nil, err
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", cfg.MaxFileSize)
	}
	return cfg, nil
}

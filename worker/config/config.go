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
	WorkerCount   int
	GroupID       string
	RequeueDelay  time.Duration
	MetricsPort   string
	RunMigrations bool

	Broker   broker.Config
	Database repository.PoolConfig
	Storage  storage.Config
	Events   shared.EventsConfig
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	cfg := &Config{
		WorkerCount:   shared.GetEnvAsInt("WORKER_COUNT", 5),
		GroupID:       shared.GetEnv("KAFKA_GROUP_ID", "image-workers"),
		RequeueDelay:  shared.GetEnvAsDuration("WORKER_REQUEUE_DELAY", time.Second),
		MetricsPort:   shared.GetEnv("METRICS_PORT", "9091"),
		RunMigrations: shared.RunMigrations(),
		Events:        shared.Events(),
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
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}
	return cfg, nil
}

func (c *Config) Consumer() broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Queue:           c.Broker.Queue,
		DeadLetterQueue: c.Broker.DeadLetterQueue,
		GroupID:         c.GroupID,
		RequeueDelay:    c.RequeueDelay,
	}
}

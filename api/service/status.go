package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"imageTasks/internal/models"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
)

var ErrTaskNotFound = errors.New("task not found")

// StatusCache caches terminal task snapshots.
type StatusCache interface {
	Get(ctx context.Context, taskID string) (*models.Task, bool, error)
	Set(ctx context.Context, task *models.Task) error
}

type StatusView struct {
	TaskID       string
	Status       models.TaskStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedURL string
	Error        string
}

type StatusService struct {
	repo   repository.Repository
	blobs  storage.BlobStore
	cache  StatusCache
	logger *zap.Logger
}

// NewStatusService builds a StatusService. cache may be nil.
func NewStatusService(repo repository.Repository, blobs storage.BlobStore, cache StatusCache, logger *zap.Logger) *StatusService {
	return &StatusService{
		repo:   repo,
		blobs:  blobs,
		cache:  cache,
		logger: logger,
	}
}

func (s *StatusService) GetStatus(ctx context.Context, taskID string) (*StatusView, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		TaskID:    task.TaskID,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}

	switch task.Status {
	case models.StatusCompleted:
		url, err := s.blobs.URL(ctx, task.ProcessedImageKey)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve processed image: %w", ErrBlobStore, err)
		}
		view.ProcessedURL = url
	case models.StatusFailed:
		if task.ErrorMessage != nil {
			view.Error = *task.ErrorMessage
		}
	}

	return view, nil
}

func (s *StatusService) load(ctx context.Context, taskID string) (*models.Task, error) {
	if s.cache != nil {
		task, ok, err := s.cache.Get(ctx, taskID)
		if err != nil {
			s.logger.Warn("Status cache read failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		} else if ok {
			return task, nil
		}
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, task); err != nil {
			s.logger.Warn("Status cache write failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
	return task, nil
}

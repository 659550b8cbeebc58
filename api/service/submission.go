package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageTasks/internal/events"
	"imageTasks/internal/metrics"
	"imageTasks/internal/models"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
)

const (
	originalKeyPrefix  = "original"
	processedKeyPrefix = "processed"
)

var (
	ErrBlobStore = errors.New("blob store failure")
	ErrPublish   = errors.New("publish failure")
)

// PublishError reports a submission whose record was stored but whose
// message never reached the queue. The record is left FAILED.
type PublishError struct {
	TaskID string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish task %s: %v", e.TaskID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublish }

type Publisher interface {
	Publish(ctx context.Context, msg *models.TaskMessage) error
}

type SubmitRequest struct {
	Data           []byte
	ContentType    string
	ProcessingType string
	Parameters     map[string]any
}

type SubmitResult struct {
	TaskID string
	Status models.TaskStatus
}

type SubmissionService struct {
	repo      repository.Repository
	blobs     storage.BlobStore
	publisher Publisher
	notifier  events.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewSubmissionService(
	repo repository.Repository,
	blobs storage.BlobStore,
	publisher Publisher,
	notifier events.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SubmissionService {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &SubmissionService{
		repo:      repo,
		blobs:     blobs,
		publisher: publisher,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
	}
}

// Submit stores the upload, records a PENDING task and enqueues it. The
// record is always committed before the message is published.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	taskID := uuid.NewString()
	originalKey := storage.GenerateKey(originalKeyPrefix)

	if err := s.blobs.Put(ctx, originalKey, req.Data, req.ContentType); err != nil {
		s.countSubmission("blob_store_failure")
		s.logger.Error("Failed to store original image",
			zap.String("task_id", taskID),
			zap.String("key", originalKey),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrBlobStore, err)
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	task := &models.Task{
		TaskID:            taskID,
		OriginalImageKey:  originalKey,
		ProcessedImageKey: storage.GenerateKey(processedKeyPrefix),
		ProcessingType:    req.ProcessingType,
		Parameters:        params,
		Status:            models.StatusPending,
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		s.countSubmission("error")
		s.logger.Error("Failed to create task",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.transitioned(ctx, task)

	if err := s.publisher.Publish(ctx, task.Message()); err != nil {
		s.countSubmission("publish_failure")
		s.failUnpublished(ctx, task, err)
		return nil, &PublishError{TaskID: taskID, Err: err}
	}

	s.countSubmission("accepted")
	s.logger.Info("Task submitted",
		zap.String("task_id", taskID),
		zap.String("processing_type", task.ProcessingType),
	)

	return &SubmitResult{TaskID: taskID, Status: models.StatusPending}, nil
}

// failUnpublished leaves the record as an auditable FAILED trace. The
// caller's context may already be cancelled, so the update gets its own.
func (s *SubmissionService) failUnpublished(ctx context.Context, task *models.Task, publishErr error) {
	msg := fmt.Sprintf("Failed to publish task to queue: %v", publishErr)

	failed, err := s.repo.UpdateTaskStatus(context.WithoutCancel(ctx), task.TaskID, models.StatusFailed,
		repository.WithErrorMessage(msg))
	if err != nil {
		s.logger.Error("Failed to mark unpublished task as failed",
			zap.String("task_id", task.TaskID),
			zap.NamedError("publish_error", publishErr),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("Task publish failed",
		zap.String("task_id", task.TaskID),
		zap.Error(publishErr),
	)
	s.transitioned(ctx, failed)
}

func (s *SubmissionService) transitioned(ctx context.Context, task *models.Task) {
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(task.Status)).Inc()
	}
	s.notifier.TaskChanged(ctx, task)
}

func (s *SubmissionService) countSubmission(result string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(result).Inc()
	}
}

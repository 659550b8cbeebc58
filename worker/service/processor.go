package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"imageTasks/internal/broker"
	"imageTasks/internal/events"
	"imageTasks/internal/metrics"
	"imageTasks/internal/models"
	"imageTasks/internal/repository"
	"imageTasks/internal/storage"
	"imageTasks/worker/converter"
)

// ImageProcessor runs a processing algorithm over an encoded image.
type ImageProcessor interface {
	Process(processingType string, params map[string]any, data []byte) (*converter.Result, error)
}

// Processor handles one queue delivery at a time. Every store transition
// happens before the delivery is acknowledged, so a crash at any point
// leads to redelivery rather than lost work.
type Processor struct {
	repo      repository.Repository
	blobs     storage.BlobStore
	processor ImageProcessor
	notifier  events.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewProcessor(
	repo repository.Repository,
	blobs storage.BlobStore,
	processor ImageProcessor,
	notifier events.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Processor {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Processor{
		repo:      repo,
		blobs:     blobs,
		processor: processor,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
	}
}

var _ broker.Handler = (*Processor)(nil)

func (p *Processor) HandleDelivery(ctx context.Context, body []byte) broker.Outcome {
	outcome := p.handle(ctx, body)
	if p.metrics != nil {
		p.metrics.Deliveries.WithLabelValues(outcome.String()).Inc()
	}
	return outcome
}

func (p *Processor) handle(ctx context.Context, body []byte) broker.Outcome {
	msg, err := models.DecodeTaskMessage(body)
	if err != nil {
		p.logger.Error("Malformed task message", zap.Error(err), zap.Int("bytes", len(body)))
		return broker.Reject
	}

	log := p.logger.With(zap.String("task_id", msg.TaskID))

	if outcome, proceed := p.begin(ctx, msg, log); !proceed {
		return outcome
	}

	data, err := p.blobs.Get(ctx, msg.OriginalImageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return p.fail(ctx, msg, log, fmt.Errorf("original image missing: %w", err))
	}
	if err != nil {
		log.Warn("Failed to fetch original image", zap.String("key", msg.OriginalImageKey), zap.Error(err))
		return broker.Requeue
	}

	result, err := p.run(msg, data)
	if err != nil {
		return p.fail(ctx, msg, log, err)
	}

	if err := p.blobs.Put(ctx, msg.ProcessedImageKey, result.Data, result.ContentType); err != nil {
		log.Warn("Failed to store processed image", zap.String("key", msg.ProcessedImageKey), zap.Error(err))
		return broker.Requeue
	}

	return p.finish(ctx, msg.TaskID, models.StatusCompleted, log)
}

// begin moves the task to PROCESSING. It reports whether processing should
// go ahead and, when not, what to do with the delivery.
func (p *Processor) begin(ctx context.Context, msg *models.TaskMessage, log *zap.Logger) (broker.Outcome, bool) {
	task, err := p.repo.UpdateTaskStatus(ctx, msg.TaskID, models.StatusProcessing)
	if err == nil {
		log.Info("Processing task", zap.String("processing_type", msg.ProcessingType))
		p.transitioned(ctx, task)
		return broker.Ack, true
	}

	var invalid *repository.InvalidTransitionError
	switch {
	case errors.As(err, &invalid) && invalid.From == models.StatusProcessing:
		// An earlier attempt died after claiming the task.
		log.Warn("Resuming task after redelivery")
		return broker.Ack, true
	case errors.As(err, &invalid) && invalid.From.IsTerminal():
		log.Info("Discarding duplicate delivery", zap.String("status", string(invalid.From)))
		return broker.Ack, false
	case errors.Is(err, repository.ErrTaskNotFound):
		log.Error("Task record not found for message")
		return broker.Reject, false
	default:
		log.Warn("Failed to mark task processing", zap.Error(err))
		return broker.Requeue, false
	}
}

// run invokes the processing algorithm. A panic is reported as a failure
// of this task rather than taking the worker down.
func (p *Processor) run(msg *models.TaskMessage, data []byte) (result *converter.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panicked: %v", r)
		}
	}()
	return p.processor.Process(msg.ProcessingType, msg.Parameters, data)
}

func (p *Processor) fail(ctx context.Context, msg *models.TaskMessage, log *zap.Logger, cause error) broker.Outcome {
	log.Error("Task processing failed", zap.String("processing_type", msg.ProcessingType), zap.Error(cause))
	return p.finish(ctx, msg.TaskID, models.StatusFailed, log, repository.WithErrorMessage(cause.Error()))
}

func (p *Processor) finish(ctx context.Context, taskID string, status models.TaskStatus, log *zap.Logger, opts ...repository.UpdateOption) broker.Outcome {
	task, err := p.repo.UpdateTaskStatus(ctx, taskID, status, opts...)
	if errors.Is(err, repository.ErrInvalidTransition) {
		// A concurrent delivery already settled the task.
		log.Info("Task already settled", zap.String("status", string(status)), zap.Error(err))
		return broker.Ack
	}
	if err != nil {
		log.Warn("Failed to record task outcome", zap.String("status", string(status)), zap.Error(err))
		return broker.Requeue
	}

	if status == models.StatusCompleted {
		log.Info("Task completed")
	}
	p.transitioned(ctx, task)
	return broker.Ack
}

func (p *Processor) transitioned(ctx context.Context, task *models.Task) {
	if p.metrics != nil {
		p.metrics.Transitions.WithLabelValues(string(task.Status)).Inc()
	}
	p.notifier.TaskChanged(ctx, task)
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"imageTasks/internal/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvalidTransitionError is returned when a status update is not legal from the
// task's current status. It matches ErrInvalidTransition with errors.Is.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Repository is the durable task ledger. Implementations serialize status
// updates per task and never hold a lock across tasks.
type Repository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, opts ...UpdateOption) (*models.Task, error)
	Ping(ctx context.Context) error
}

type updateParams struct {
	ErrorMessage *string
}

type UpdateOption func(*updateParams)

// WithErrorMessage records msg alongside a FAILED transition.
func WithErrorMessage(msg string) UpdateOption {
	return func(p *updateParams) {
		p.ErrorMessage = &msg
	}
}

func buildParams(status models.TaskStatus, opts []UpdateOption) (*updateParams, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown task status %q", status)
	}
	params := &updateParams{}
	for _, opt := range opts {
		opt(params)
	}
	if status != models.StatusFailed {
		params.ErrorMessage = nil
	}
	return params, nil
}

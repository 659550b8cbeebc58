package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"imageTasks/internal/models"
)

// MemoryRepo keeps tasks in process memory. Each record carries its own lock;
// the index lock is only held for map lookups. It backs tests and
// single-process development runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[string]*memoryRecord
	now   func() time.Time
}

type memoryRecord struct {
	mu   sync.Mutex
	task models.Task
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tasks: make(map[string]*memoryRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepo) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepo) CreateTask(ctx context.Context, task *models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyExists, task.TaskID)
	}

	now := r.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.TaskID] = &memoryRecord{task: cloneTask(task)}
	return nil
}

func (r *MemoryRepo) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := r.lookup(taskID)
	if rec == nil {
		return nil, ErrTaskNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	task := cloneTask(&rec.task)
	return &task, nil
}

func (r *MemoryRepo) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, opts ...UpdateOption) (*models.Task, error) {
	params, err := buildParams(status, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := r.lookup(taskID)
	if rec == nil {
		return nil, ErrTaskNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	current := rec.task.Status
	if !current.CanTransitionTo(status) {
		return nil, &InvalidTransitionError{TaskID: taskID, From: current, To: status}
	}

	now := r.now()
	rec.task.Status = status
	rec.task.ErrorMessage = params.ErrorMessage
	rec.task.UpdatedAt = now
	if status.IsTerminal() {
		rec.task.CompletedAt = &now
	}

	task := cloneTask(&rec.task)
	return &task, nil
}

func (r *MemoryRepo) lookup(taskID string) *memoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[taskID]
}

func cloneTask(t *models.Task) models.Task {
	c := *t
	c.Parameters = maps.Clone(t.Parameters)
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		c.ErrorMessage = &msg
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

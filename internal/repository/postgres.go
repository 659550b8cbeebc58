package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageTasks/internal/models"
)

const taskColumns = `task_id, original_image_key, processed_image_key, processing_type, parameters,
	status, error_message, created_at, updated_at, completed_at`

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepo) CreateTask(ctx context.Context, task *models.Task) error {
	params := task.Parameters
	if params == nil {
		params = map[string]any{}
	}

	query := `
		INSERT INTO tasks (task_id, original_image_key, processed_image_key, processing_type, parameters, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		task.TaskID,
		task.OriginalImageKey,
		task.ProcessedImageKey,
		task.ProcessingType,
		params,
		string(task.Status),
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrTaskAlreadyExists, task.TaskID)
		}
		return fmt.Errorf("create task: %w", err)
	}

	return nil
}

func (r *PostgresRepo) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus locks the task row, checks the transition against the
// current status and applies it in the same transaction.
func (r *PostgresRepo) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, opts ...UpdateOption) (*models.Task, error) {
	params, err := buildParams(status, opts)
	if err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}

	if !current.CanTransitionTo(status) {
		return nil, &InvalidTransitionError{TaskID: taskID, From: current, To: status}
	}

	query := `
		UPDATE tasks
		SET status = $2, error_message = $3, updated_at = NOW(),
			completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
		WHERE task_id = $1
		RETURNING ` + taskColumns

	task, err := scanTask(tx.QueryRow(ctx, query, taskID, string(status), params.ErrorMessage, status.IsTerminal()))
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return task, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.TaskID,
		&task.OriginalImageKey,
		&task.ProcessedImageKey,
		&task.ProcessingType,
		&task.Parameters,
		&task.Status,
		&task.ErrorMessage,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"imageTasks/internal/models"
	"imageTasks/internal/repository"
)

// setupTestDB starts a Postgres container and applies the embedded migrations.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tasks_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, repository.RunMigrations(connStr))

	pool, err := repository.Connect(ctx, repository.PoolConfig{URL: connStr, MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestPostgresRepo_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	repo := repository.NewPostgresRepo(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Ping(ctx))

	task := newPendingTask()
	require.NoError(t, repo.CreateTask(ctx, task))
	assert.False(t, task.CreatedAt.IsZero())

	err := repo.CreateTask(ctx, task)
	assert.ErrorIs(t, err, repository.ErrTaskAlreadyExists)

	got, err := repo.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, task.OriginalImageKey, got.OriginalImageKey)
	assert.Equal(t, float64(80), got.Parameters["quality"])
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)

	_, err = repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusCompleted)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)

	processing, err := repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, processing.Status)

	done, err := repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.False(t, done.UpdatedAt.Before(got.UpdatedAt))

	_, err = repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusFailed, repository.WithErrorMessage("late"))
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestPostgresRepo_FailedKeepsErrorMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	repo := repository.NewPostgresRepo(setupTestDB(t))
	ctx := context.Background()

	task := newPendingTask()
	require.NoError(t, repo.CreateTask(ctx, task))

	failed, err := repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusFailed, repository.WithErrorMessage("Failed to publish task to queue"))
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "Failed to publish task to queue", *failed.ErrorMessage)

	got, err := repo.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
}

func TestPostgresRepo_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	repo := repository.NewPostgresRepo(setupTestDB(t))

	_, err := repo.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	_, err = repo.UpdateTaskStatus(context.Background(), "missing", models.StatusProcessing)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestPostgresRepo_ConcurrentTransitionsSerialize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	repo := repository.NewPostgresRepo(setupTestDB(t))
	ctx := context.Background()

	task := newPendingTask()
	require.NoError(t, repo.CreateTask(ctx, task))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.UpdateTaskStatus(ctx, task.TaskID, models.StatusProcessing); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"imageTasks/api/database"
	"imageTasks/internal/models"
)

const (
	statusKeyPrefix = "task:status:"
	DefaultTTL      = 10 * time.Minute
)

// StatusCache holds snapshots of tasks that reached a terminal status.
// Terminal records never change, so a cached snapshot cannot go stale.
type StatusCache struct {
	cache *database.Cache
	ttl   time.Duration
}

func NewStatusCache(cache *database.Cache, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{cache: cache, ttl: ttl}
}

// Get returns the cached task and true on a hit.
func (sc *StatusCache) Get(ctx context.Context, taskID string) (*models.Task, bool, error) {
	data, err := sc.cache.Get(ctx, statusKey(taskID))
	if errors.Is(err, database.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, false, fmt.Errorf("decode cached task %s: %w", taskID, err)
	}
	return &task, true, nil
}

// Set stores the task only when its status is terminal.
func (sc *StatusCache) Set(ctx context.Context, task *models.Task) error {
	if !task.Status.IsTerminal() {
		return nil
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return sc.cache.Set(ctx, statusKey(task.TaskID), data, sc.ttl)
}

func (sc *StatusCache) Delete(ctx context.Context, taskID string) error {
	return sc.cache.Del(ctx, statusKey(taskID))
}

func statusKey(taskID string) string {
	return statusKeyPrefix + taskID
}

package models

import (
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// transitions lists every legal status change. Anything absent is rejected.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Task struct {
	TaskID            string         `json:"task_id"`
	OriginalImageKey  string         `json:"original_image_key"`
	ProcessedImageKey string         `json:"processed_image_key"`
	ProcessingType    string         `json:"processing_type"`
	Parameters        map[string]any `json:"parameters"`
	Status            TaskStatus     `json:"status"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Message builds the queue body for t. The body is a copy of the task at
// PENDING time and never refers back to the store.
func (t *Task) Message() *TaskMessage {
	params := t.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return &TaskMessage{
		TaskID:            t.TaskID,
		OriginalImageKey:  t.OriginalImageKey,
		ProcessedImageKey: t.ProcessedImageKey,
		ProcessingType:    t.ProcessingType,
		Parameters:        params,
	}
}

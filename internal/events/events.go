package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"imageTasks/internal/models"
)

const DefaultSubject = "tasks.status"

// TaskEvent announces that a task reached a new status.
type TaskEvent struct {
	TaskID     string            `json:"task_id"`
	Status     models.TaskStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	HappenedAt int64             `json:"happened_at"`
}

func NewTaskEvent(task *models.Task) TaskEvent {
	evt := TaskEvent{
		TaskID:     task.TaskID,
		Status:     task.Status,
		HappenedAt: task.UpdatedAt.Unix(),
	}
	if evt.HappenedAt <= 0 {
		evt.HappenedAt = time.Now().Unix()
	}
	if task.ErrorMessage != nil {
		evt.Error = *task.ErrorMessage
	}
	return evt
}

// Notifier publishes task events. Delivery is best effort; the task store
// stays the source of truth.
type Notifier interface {
	TaskChanged(ctx context.Context, task *models.Task)
}

type Nop struct{}

func (Nop) TaskChanged(context.Context, *models.Task) {}

type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

func Connect(url, subject string, logger *zap.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("image-tasks"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSNotifier(nc, subject, logger), nil
}

func NewNATSNotifier(nc *nats.Conn, subject string, logger *zap.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{nc: nc, subject: subject, logger: logger}
}

// TaskChanged publishes on "<subject>.<status>" so subscribers can filter
// by status with wildcards.
func (n *NATSNotifier) TaskChanged(_ context.Context, task *models.Task) {
	data, err := json.Marshal(NewTaskEvent(task))
	if err != nil {
		n.logger.Warn("Failed to encode task event", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	if err := n.nc.Publish(n.subject+"."+string(task.Status), data); err != nil {
		n.logger.Warn("Failed to publish task event",
			zap.String("task_id", task.TaskID),
			zap.String("status", string(task.Status)),
			zap.Error(err),
		)
	}
}

func (n *NATSNotifier) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

// Open returns a NATS notifier for url, or Nop when url is empty. The
// returned func releases the connection.
func Open(url, subject string, logger *zap.Logger) (Notifier, func(), error) {
	if url == "" {
		return Nop{}, func() {}, nil
	}
	n, err := Connect(url, subject, logger)
	if err != nil {
		return nil, nil, err
	}
	return n, n.Close, nil
}

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"imageTasks/internal/models"
)

var ErrPublish = errors.New("publish task message")

type Publisher struct {
	connector Connector
	queue     string
	logger    *zap.Logger
}

func NewPublisher(connector Connector, queue string, logger *zap.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Publisher{
		connector: connector,
		queue:     queue,
		logger:    logger,
	}
}

// Publish enqueues msg as a persistent message on the durable queue. It opens
// a connection for the call and releases it before returning. Any failure is
// reported as an error matching ErrPublish.
func (p *Publisher) Publish(ctx context.Context, msg *models.TaskMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}

	if err := p.send(ctx, p.queue, msg.TaskID, body); err != nil {
		p.logger.Error("Error publishing task",
			zap.String("task_id", msg.TaskID),
			zap.String("queue", p.queue),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	p.logger.Info("Task published",
		zap.String("task_id", msg.TaskID),
		zap.String("queue", p.queue),
	)
	return nil
}

func (p *Publisher) send(ctx context.Context, queue, key string, body []byte) error {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeclareQueue(ctx, queue); err != nil {
		return err
	}

	producer, err := conn.Producer()
	if err != nil {
		return fmt.Errorf("open producer: %w", err)
	}
	defer producer.Close()

	_, _, err = producer.SendMessage(newMessage(queue, key, body))
	return err
}

func newMessage(queue, key string, body []byte) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: queue,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}
}

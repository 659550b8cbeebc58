package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Outcome tells the consumer what to do with a delivery once it is handled.
type Outcome int

const (
	// Ack commits the delivery; it will not be seen again.
	Ack Outcome = iota
	// Reject drops the delivery without requeue, parking it on the
	// dead-letter queue when one is configured.
	Reject
	// Requeue leaves the delivery uncommitted so the broker redelivers it.
	Requeue
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler processes a single delivery body.
type Handler interface {
	HandleDelivery(ctx context.Context, body []byte) Outcome
}

type HandlerFunc func(ctx context.Context, body []byte) Outcome

func (f HandlerFunc) HandleDelivery(ctx context.Context, body []byte) Outcome {
	return f(ctx, body)
}

var errRequeue = errors.New("delivery requeued")

type ConsumerConfig struct {
	Queue           string
	DeadLetterQueue string
	GroupID         string
	RequeueDelay    time.Duration
}

// Consumer pulls deliveries from the queue and hands them to a Handler one at
// a time.
type Consumer struct {
	connector Connector
	cfg       ConsumerConfig
	handler   Handler
	logger    *zap.Logger
}

func NewConsumer(connector Connector, cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "image-workers"
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	return &Consumer{
		connector: connector,
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled. A connection failure is returned to
// the caller, as is any consumer group error that ends the loop.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := c.connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeclareQueue(ctx, c.cfg.Queue); err != nil {
		return err
	}

	var deadLetters sarama.SyncProducer
	if c.cfg.DeadLetterQueue != "" {
		if err := conn.DeclareQueue(ctx, c.cfg.DeadLetterQueue); err != nil {
			return err
		}
		deadLetters, err = conn.Producer()
		if err != nil {
			return fmt.Errorf("open dead-letter producer: %w", err)
		}
		defer deadLetters.Close()
	}

	group, err := conn.ConsumerGroup(c.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("join consumer group %s: %w", c.cfg.GroupID, err)
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for err := range group.Errors() {
			// A requeue ends the session on purpose and is logged where it happens.
			if errors.Is(err, errRequeue) {
				continue
			}
			c.logger.Error("Consumer group error", zap.Error(err))
		}
	}()
	defer func() {
		group.Close()
		<-drained
	}()

	h := &groupHandler{
		handler:     c.handler,
		deadLetters: deadLetters,
		deadQueue:   c.cfg.DeadLetterQueue,
		logger:      c.logger,
	}

	c.logger.Info("Consuming",
		zap.String("queue", c.cfg.Queue),
		zap.String("group_id", c.cfg.GroupID),
	)

	for {
		err := group.Consume(ctx, []string{c.cfg.Queue}, h)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
		}

		if h.takeRequeued() {
			select {
			case <-time.After(c.cfg.RequeueDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler. The mutex keeps a
// single delivery in flight even when several partitions are claimed.
type groupHandler struct {
	inflight    sync.Mutex
	handler     Handler
	deadLetters sarama.SyncProducer
	deadQueue   string
	logger      *zap.Logger

	mu       sync.Mutex
	requeued bool
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.deliver(session, msg); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) deliver(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	h.inflight.Lock()
	defer h.inflight.Unlock()

	outcome := h.handler.HandleDelivery(session.Context(), msg.Value)

	switch outcome {
	case Ack:
	case Reject:
		h.deadLetter(msg)
	default:
		// Returning ends the session; the uncommitted offset is redelivered
		// when the group rejoins.
		h.logger.Warn("Delivery requeued",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		h.mu.Lock()
		h.requeued = true
		h.mu.Unlock()
		return errRequeue
	}

	session.MarkMessage(msg, "")
	session.Commit()
	return nil
}

func (h *groupHandler) deadLetter(msg *sarama.ConsumerMessage) {
	if h.deadLetters == nil {
		h.logger.Warn("Delivery rejected",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
		)
		return
	}

	out := newMessage(h.deadQueue, string(msg.Key), msg.Value)
	out.Headers = append(out.Headers,
		sarama.RecordHeader{Key: []byte("x-original-topic"), Value: []byte(msg.Topic)},
	)
	if _, _, err := h.deadLetters.SendMessage(out); err != nil {
		h.logger.Error("Failed to dead-letter delivery",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	h.logger.Warn("Delivery rejected to dead-letter queue",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.String("dead_letter_queue", h.deadQueue),
	)
}

func (h *groupHandler) takeRequeued() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.requeued
	h.requeued = false
	return r
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ConnectionError is returned once every connection attempt has failed.
// Callers treat it as fatal for the operation at hand.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to broker after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Connection is a ready broker session handed out by Manager.
type Connection interface {
	// DeclareQueue makes sure the durable queue exists. Safe to call repeatedly.
	DeclareQueue(ctx context.Context, name string) error
	Producer() (sarama.SyncProducer, error)
	ConsumerGroup(groupID string) (sarama.ConsumerGroup, error)
	Close() error
}

// Connector hands out ready connections.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

type Dialer func(ctx context.Context, cfg Config) (Connection, error)

type ManagerOption func(*Manager)

// WithDialer replaces the network dial.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithTimer sets the timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) ManagerOption {
	return func(m *Manager) { m.newTimer = newTimer }
}

// Manager is the only component that dials the broker.
type Manager struct {
	cfg      Config
	dial     Dialer
	newTimer func() backoff.Timer
	logger   *zap.Logger
}

func NewManager(cfg Config, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		dial:   DialKafka,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Connect dials the broker, retrying up to the configured count with the
// configured delay between attempts.
func (m *Manager) Connect(ctx context.Context) (Connection, error) {
	var (
		conn     Connection
		attempts int
	)

	operation := func() error {
		attempts++
		c, err := m.dial(ctx, m.cfg)
		if err != nil {
			m.logger.Warn("Broker not ready",
				zap.Int("attempt", attempts),
				zap.Int("retries", m.cfg.Retries),
				zap.Strings("brokers", m.cfg.Brokers),
				zap.Error(err),
			)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(m.backOff(), uint64(m.cfg.Retries-1)), ctx)

	var timer backoff.Timer
	if m.newTimer != nil {
		timer = m.newTimer()
	}

	if err := backoff.RetryNotifyWithTimer(operation, b, nil, timer); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		m.logger.Error("Broker connection failed",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, &ConnectionError{Attempts: attempts, Err: err}
	}

	return conn, nil
}

func (m *Manager) backOff() backoff.BackOff {
	if m.cfg.Backoff == BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.RetryDelay
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = m.cfg.MaxRetryDelay
		b.MaxElapsedTime = 0
		return b
	}
	return backoff.NewConstantBackOff(m.cfg.RetryDelay)
}

type kafkaConnection struct {
	client sarama.Client
	admin  sarama.ClusterAdmin
	cfg    Config
}

// DialKafka opens a sarama client configured for durable, acknowledged
// delivery.
func DialKafka(ctx context.Context, cfg Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Version = sarama.V2_8_0_0
	config.Net.DialTimeout = 10 * time.Second
	config.Metadata.Retry.Max = 0

	if cfg.Username != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = cfg.Username
		config.Net.SASL.Password = cfg.Password
	}

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = false
	config.Consumer.Return.Errors = true
	config.ChannelBufferSize = 1

	client, err := sarama.NewClient(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &kafkaConnection{client: client, admin: admin, cfg: cfg}, nil
}

func (c *kafkaConnection) DeclareQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.admin.CreateTopic(name, &sarama.TopicDetail{
		NumPartitions:     c.cfg.Partitions,
		ReplicationFactor: c.cfg.ReplicationFactor,
	}, false)
	if err == nil || isTopicExists(err) {
		return nil
	}
	return fmt.Errorf("declare queue %s: %w", name, err)
}

func (c *kafkaConnection) Producer() (sarama.SyncProducer, error) {
	return sarama.NewSyncProducerFromClient(c.client)
}

func (c *kafkaConnection) ConsumerGroup(groupID string) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroupFromClient(groupID, c.client)
}

// Close releases the admin, which also closes the underlying client.
func (c *kafkaConnection) Close() error {
	return c.admin.Close()
}

func isTopicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

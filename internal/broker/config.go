package broker

import "time"

const (
	DefaultQueue      = "image_processing_tasks"
	DefaultRetries    = 10
	DefaultRetryDelay = 5 * time.Second

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config is everything the connection manager needs to reach the broker.
type Config struct {
	Brokers  []string
	Username string
	Password string
	ClientID string

	Queue             string
	DeadLetterQueue   string
	Partitions        int32
	ReplicationFactor int16

	Retries       int
	RetryDelay    time.Duration
	Backoff       string
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.ClientID == "" {
		c.ClientID = "image-tasks"
	}
	return c
}

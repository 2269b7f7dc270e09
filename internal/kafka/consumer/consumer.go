// Package consumer runs a consumer group on the notification bus and hands
// each record to a handler, committing only after the handler is done.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Handler processes one record. A non-nil error makes the consumer call it
// again, up to Config.MaxAttempts.
type Handler func(ctx context.Context, record *Record) error

// SkipFunc observes a record the consumer gave up on.
type SkipFunc func(record *Record, err error)

// Record is a message delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Config describes a consumer group subscription.
type Config struct {
	Brokers []string
	GroupID string
	// ClientID defaults to the group id.
	ClientID string
	// CommitOnSuccessOnly commits synchronously after every record and turns
	// auto-commit off.
	CommitOnSuccessOnly bool
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt up to
	// MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// OnSkip is called when a record is marked after its last failed attempt.
	OnSkip SkipFunc
	Sarama *sarama.Config
}

// Consumer is a joined consumer group.
type Consumer struct {
	cfg      Config
	group    sarama.ConsumerGroup
	logger   zerolog.Logger
	errsDone chan struct{}
}

// New validates cfg and creates the group. Partitions are only claimed once
// Consume is called.
func New(cfg Config, logger zerolog.Logger) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New("kafka consumer: at least one broker is required")
	case cfg.GroupID == "":
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	cfg = withDefaults(cfg)

	sc := groupConfig()
	if cfg.Sarama != nil {
		copied := *cfg.Sarama
		sc = &copied
	}
	sc.ClientID = cfg.ClientID
	sc.Consumer.Offsets.AutoCommit.Enable = !cfg.CommitOnSuccessOnly

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: join group %s: %w", cfg.GroupID, err)
	}

	c := &Consumer{
		cfg:      cfg,
		group:    group,
		logger:   logger.With().Str("group_id", cfg.GroupID).Logger(),
		errsDone: make(chan struct{}),
	}
	go c.logGroupErrors()
	return c, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.GroupID
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 10 * cfg.RetryBackoff
	}
	return cfg
}

// Consume blocks until ctx ends or the group is closed. Each rebalance ends
// a session; Consume rejoins until then.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	claims := &claimHandler{c: c, handler: handler}
	for ctx.Err() == nil {
		err := c.group.Consume(ctx, topics, claims)
		switch {
		case err == nil:
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		default:
			c.logger.Error().Err(err).Strs("topics", topics).Msg("kafka consumer: session failed, rejoining")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return ctx.Err()
}

// Close leaves the group. Records being handled finish first.
func (c *Consumer) Close() error {
	err := c.group.Close()
	<-c.errsDone
	return err
}

func (c *Consumer) logGroupErrors() {
	defer close(c.errsDone)
	for err := range c.group.Errors() {
		c.logger.Error().Err(err).Msg("kafka consumer: group error")
	}
}

func groupConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Group.Rebalance.Timeout = time.Minute
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	return cfg
}

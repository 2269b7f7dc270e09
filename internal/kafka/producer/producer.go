// Package producer writes envelopes to one notification bus topic and waits
// for every in-sync replica before reporting success.
package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// ErrUnknownTopic is returned by New when the topic has no partitions.
var ErrUnknownTopic = errors.New("kafka producer: unknown topic")

// Record is one message for the bound topic.
type Record struct {
	Key     []byte
	Headers map[string][]byte
	Value   []byte
}

// Ack locates an acknowledged record.
type Ack struct {
	Partition int32
	Offset    int64
}

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config     *sarama.Config
	clientID   string
	checkTopic bool
}

// WithConfig replaces the default Sarama config. The value is copied.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithClientID sets the client id reported to the brokers.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithoutTopicCheck skips the partition lookup in New, for clusters that
// create topics on first write.
func WithoutTopicCheck() Option {
	return func(o *options) { o.checkTopic = false }
}

// Producer is bound to a single topic.
type Producer struct {
	topic    string
	logger   zerolog.Logger
	client   sarama.Client
	producer sarama.SyncProducer
}

// New connects to brokers and, unless disabled, confirms topic exists.
func New(brokers []string, topic string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{config: defaultConfig(), clientID: "bulk-dispatch-" + topic, checkTopic: true}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	cfg := *settings.config
	cfg.ClientID = settings.clientID

	client, err := sarama.NewClient(brokers, &cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}
	if settings.checkTopic {
		if err := checkPartitions(client, topic); err != nil {
			client.Close()
			return nil, err
		}
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	logger.Info().Str("topic", topic).Strs("brokers", brokers).Msg("kafka producer: connected")
	return &Producer{
		topic:    topic,
		logger:   logger.With().Str("topic", topic).Logger(),
		client:   client,
		producer: sp,
	}, nil
}

// Topic returns the bound topic.
func (p *Producer) Topic() string { return p.topic }

// Send writes rec and blocks until it is acknowledged. A context that is
// already done prevents the write; once started the write runs to completion.
func (p *Producer) Send(ctx context.Context, rec Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Value:   sarama.ByteEncoder(rec.Value),
		Headers: recordHeaders(rec.Headers),
	}
	if len(rec.Key) > 0 {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return Ack{}, fmt.Errorf("kafka producer: send to %s: %w", p.topic, err)
	}
	p.logger.Debug().
		Int32("partition", partition).
		Int64("offset", offset).
		Dur("took", time.Since(start)).
		Msg("kafka producer: record acknowledged")
	return Ack{Partition: partition, Offset: offset}, nil
}

// Check refreshes metadata for the bound topic and reports whether it still
// has partitions with leaders.
func (p *Producer) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.client.RefreshMetadata(p.topic); err != nil {
		return fmt.Errorf("kafka producer: refresh metadata: %w", err)
	}
	return checkPartitions(p.client, p.topic)
}

// Close flushes the producer and releases the client.
func (p *Producer) Close() error {
	var errs []error
	if err := p.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkPartitions(client sarama.Client, topic string) error {
	parts, err := client.Partitions(topic)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrUnknownTopic, topic, err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w %q: no partitions", ErrUnknownTopic, topic)
	}
	return nil
}

func recordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: append([]byte(nil), v...)})
	}
	return out
}

// defaultConfig makes retries safe: idempotent writes need a single
// in-flight request per connection and acks from all replicas.
func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Metadata.Full = false
	return cfg
}

// Package publisher puts response envelopes on the notification bus.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/producer"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Header names carried by every envelope record.
const (
	HeaderContentType    = "content-type"
	HeaderResponseStatus = "response-status"
)

// ErrNoProducer is returned by a publisher built without a producer.
var ErrNoProducer = errors.New("kafka publisher: producer not initialised")

// Sender is satisfied by *producer.Producer.
type Sender interface {
	Send(ctx context.Context, rec producer.Record) (producer.Ack, error)
}

// EnvelopePublisher fans envelopes out to every consumer group on the
// response topic. Records are keyed by recipient so outcomes for one number
// land on one partition in order.
type EnvelopePublisher struct {
	sender Sender
	logger zerolog.Logger
}

// NewEnvelopePublisher returns nil when sender is nil.
func NewEnvelopePublisher(sender Sender, logger zerolog.Logger) *EnvelopePublisher {
	if sender == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &EnvelopePublisher{sender: sender, logger: logger}
}

// PublishEnvelope writes env and waits for the acknowledgement.
func (p *EnvelopePublisher) PublishEnvelope(ctx context.Context, env models.ResponseEnvelope) error {
	if p == nil {
		return ErrNoProducer
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal envelope: %w", err)
	}

	rec := producer.Record{
		Headers: map[string][]byte{
			HeaderContentType:    []byte("application/json"),
			HeaderResponseStatus: []byte(strconv.Itoa(env.Status)),
		},
		Value: payload,
	}
	if to := env.MessageParams.Recipient(); to != "" {
		rec.Key = []byte(to)
	}

	ack, err := p.sender.Send(ctx, rec)
	if err != nil {
		return fmt.Errorf("kafka publisher: publish envelope: %w", err)
	}
	p.logger.Debug().
		Int("status", env.Status).
		Int32("partition", ack.Partition).
		Int64("offset", ack.Offset).
		Msg("kafka publisher: envelope published")
	return nil
}

// Package classifier applies the side effects every response envelope gets:
// it is always recorded and archived, and escalated when the provider did
// not accept the message. The sinks run concurrently and independently.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/consumer"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/records"
)

// Sink names used in logs and metrics.
const (
	SinkRecord   = "record"
	SinkArchive  = "archive"
	SinkEscalate = "escalate"
)

// RecordStore persists response records.
type RecordStore interface {
	Put(ctx context.Context, rec models.ResponseRecord) error
}

// Archiver keeps a raw copy of an envelope.
type Archiver interface {
	Archive(ctx context.Context, env models.ResponseEnvelope) (string, error)
}

// Escalator publishes failed envelopes to the escalation bus.
type Escalator interface {
	Escalate(ctx context.Context, env models.ResponseEnvelope) (bool, error)
}

// Dependencies wires the sinks. Archive and Escalator may be nil.
type Dependencies struct {
	Records   RecordStore
	Archive   Archiver
	Escalator Escalator
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Outcome reports what each sink did.
type Outcome struct {
	Record      models.ResponseRecord
	RecordErr   error
	ArchiveKey  string
	ArchiveErr  error
	Escalated   bool
	EscalateErr error
}

// Err joins the sink errors.
func (o Outcome) Err() error {
	return errors.Join(o.RecordErr, o.ArchiveErr, o.EscalateErr)
}

// Classifier fans one envelope out to the sinks.
type Classifier struct {
	records   RecordStore
	archive   Archiver
	escalator Escalator
	logger    zerolog.Logger
	now       func() time.Time
}

// New validates deps.
func New(deps Dependencies) (*Classifier, error) {
	if deps.Records == nil {
		return nil, errors.New("classifier: record store dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Classifier{
		records:   deps.Records,
		archive:   deps.Archive,
		escalator: deps.Escalator,
		logger:    logger.With().Str("component", "classifier").Logger(),
		now:       now,
	}, nil
}

// Classify runs every sink for env and waits for all of them. A failing sink
// never prevents the others from running.
func (c *Classifier) Classify(ctx context.Context, env models.ResponseEnvelope) Outcome {
	now := c.now()
	out := Outcome{Record: records.NewRecord(env, now)}

	var g errgroup.Group
	g.Go(func() error {
		out.RecordErr = c.records.Put(ctx, out.Record)
		return nil
	})
	if c.archive != nil {
		g.Go(func() error {
			out.ArchiveKey, out.ArchiveErr = c.archive.Archive(ctx, env)
			return nil
		})
	}
	if c.escalator != nil && !env.Succeeded() {
		g.Go(func() error {
			out.Escalated, out.EscalateErr = c.escalator.Escalate(ctx, env)
			return nil
		})
	}
	_ = g.Wait()

	c.observe(SinkRecord, out.RecordErr, true)
	c.observe(SinkArchive, out.ArchiveErr, c.archive != nil)
	c.observe(SinkEscalate, out.EscalateErr, out.Escalated || out.EscalateErr != nil)

	log := c.logger.Info()
	if out.Err() != nil {
		log = c.logger.Error().Err(out.Err())
	}
	log.Int("status", env.Status).
		Str("pk", out.Record.PK).
		Str("sk", out.Record.SK).
		Str("archive_key", out.ArchiveKey).
		Bool("escalated", out.Escalated).
		Msg("classifier: envelope classified")

	return out
}

func (c *Classifier) observe(sink string, err error, ran bool) {
	if !ran {
		return
	}
	metrics.EnvelopesClassified.WithLabelValues(sink, metrics.Result(err)).Inc()
}

// KafkaHandler adapts Classify to the notification bus consumer. Undecodable
// records are logged and dropped. A failed record write is returned so the
// consumer redelivers the envelope; archive and escalation failures are only
// logged.
func (c *Classifier) KafkaHandler() consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		var env models.ResponseEnvelope
		if err := json.Unmarshal(rec.Value, &env); err != nil {
			c.logger.Error().
				Err(err).
				Str("topic", rec.Topic).
				Int32("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Msg("classifier: undecodable envelope dropped")
			return nil
		}
		out := c.Classify(ctx, env)
		if out.RecordErr != nil {
			return fmt.Errorf("classifier: record envelope: %w", out.RecordErr)
		}
		return nil
	}
}

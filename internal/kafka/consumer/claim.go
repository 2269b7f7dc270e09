package consumer

import (
	"context"
	"time"

	"github.com/IBM/sarama"
)

// claimHandler implements sarama.ConsumerGroupHandler.
type claimHandler struct {
	c       *Consumer
	handler Handler
}

func (h *claimHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.c.logger.Info().
		Int32("generation", s.GenerationID()).
		Interface("claims", s.Claims()).
		Msg("kafka consumer: partitions assigned")
	return nil
}

func (h *claimHandler) Cleanup(s sarama.ConsumerGroupSession) error {
	h.c.logger.Info().Int32("generation", s.GenerationID()).Msg("kafka consumer: partitions released")
	return nil
}

// ConsumeClaim handles one partition in offset order. A record is marked
// once the handler succeeded or ran out of attempts.
func (h *claimHandler) ConsumeClaim(s sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := s.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.c.deliver(ctx, h.handler, toRecord(msg)) {
				return nil
			}
			s.MarkMessage(msg, "")
			if h.c.cfg.CommitOnSuccessOnly {
				s.Commit()
			}
		}
	}
}

// deliver calls handler until it succeeds or attempts run out. It returns
// false only when the session ended before that, so the record is left for
// the next owner of the partition.
func (c *Consumer) deliver(ctx context.Context, handler Handler, rec *Record) bool {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, rec)
		if err == nil {
			return true
		}

		evt := c.logger.Warn()
		if attempt >= c.cfg.MaxAttempts {
			evt = c.logger.Error()
		}
		evt = evt.Err(err).
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Int("attempt", attempt)

		if attempt >= c.cfg.MaxAttempts {
			evt.Msg("kafka consumer: giving up on record")
			if c.cfg.OnSkip != nil {
				c.cfg.OnSkip(rec, err)
			}
			return true
		}
		evt.Dur("backoff", backoff).Msg("kafka consumer: handler failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		backoff = min(2*backoff, c.cfg.MaxRetryBackoff)
	}
}

func toRecord(msg *sarama.ConsumerMessage) *Record {
	rec := &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string][]byte, len(msg.Headers))
		for _, hdr := range msg.Headers {
			if hdr != nil && len(hdr.Key) > 0 {
				rec.Headers[string(hdr.Key)] = hdr.Value
			}
		}
	}
	return rec
}

package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher puts escalation events on the bus.
type Publisher struct {
	conn   MsgPublisher
	cfg    EventConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewPublisher validates cfg.
func NewPublisher(conn MsgPublisher, cfg EventConfig, logger zerolog.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("escalation: connection is required")
	}
	if cfg.BusName == "" {
		return nil, errors.New("escalation: bus name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Publisher{conn: conn, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Escalate publishes an event for env. Successful envelopes are ignored and
// report false.
func (p *Publisher) Escalate(ctx context.Context, env models.ResponseEnvelope) (bool, error) {
	if env.Succeeded() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	event := NewEvent(env, p.cfg, p.now())
	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("escalation: marshal event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.cfg.BusName, event.Detail.ErrorCode))
	msg.Header.Set(HeaderSource, p.cfg.Source)
	msg.Header.Set(HeaderDetailType, p.cfg.DetailType)
	msg.Data = data

	if err := p.conn.PublishMsg(msg); err != nil {
		return false, fmt.Errorf("escalation: publish %s: %w", msg.Subject, err)
	}

	p.logger.Info().
		Str("subject", msg.Subject).
		Str("error_code", event.Detail.ErrorCode).
		Int("status", env.Status).
		Msg("escalation: event published")
	return true, nil
}

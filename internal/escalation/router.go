package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// HandlerFunc reacts to one escalation event matched by rule.
type HandlerFunc func(ctx context.Context, rule Rule, event models.EscalationEvent) error

// Subscriber is satisfied by *nats.Conn.
type Subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// RouterConfig names the bus and the queue group shared by handler replicas.
type RouterConfig struct {
	BusName    string
	QueueGroup string
}

// Router delivers events to the handler named by their rule.
type Router struct {
	rules  RuleSet
	cfg    RouterConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter returns a router with the built-in "log" handler registered.
func NewRouter(rules RuleSet, cfg RouterConfig, logger zerolog.Logger) (*Router, error) {
	if cfg.BusName == "" {
		return nil, errors.New("escalation: bus name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	r := &Router{
		rules:    rules,
		cfg:      cfg,
		logger:   logger.With().Str("component", "escalation_router").Logger(),
		handlers: make(map[string]HandlerFunc),
	}
	r.Register("log", LogHandler(r.logger))
	return r, nil
}

// Register binds name to fn, replacing any previous binding.
func (r *Router) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Subscribe creates one subscription per rule code plus a wildcard
// subscription for the catch-all. Codes owned by a rule are skipped by the
// catch-all so each event is handled once.
func (r *Router) Subscribe(ctx context.Context, sub Subscriber) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	cb := func(msg *nats.Msg) {
		if err := r.Handle(ctx, msg); err != nil {
			r.logger.Error().Err(err).Str("subject", msg.Subject).Msg("escalation: handler failed")
		}
	}

	for _, rule := range r.rules.Rules {
		for _, code := range rule.Codes {
			s, err := sub.QueueSubscribe(Subject(r.cfg.BusName, code), r.cfg.QueueGroup, cb)
			if err != nil {
				return subs, fmt.Errorf("escalation: subscribe %s: %w", rule.Name, err)
			}
			subs = append(subs, s)
		}
	}

	catchAll := func(msg *nats.Msg) {
		if _, owned := r.rules.Match(codeFromSubject(r.cfg.BusName, msg.Subject)); owned {
			return
		}
		cb(msg)
	}
	s, err := sub.QueueSubscribe(r.cfg.BusName+".*", r.cfg.QueueGroup, catchAll)
	if err != nil {
		return subs, fmt.Errorf("escalation: subscribe catch-all: %w", err)
	}
	subs = append(subs, s)

	r.logger.Info().
		Int("subscriptions", len(subs)).
		Str("bus", r.cfg.BusName).
		Msg("escalation: router subscribed")
	return subs, nil
}

// Handle decodes msg and runs the matching rule's handler.
func (r *Router) Handle(ctx context.Context, msg *nats.Msg) error {
	var event models.EscalationEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return fmt.Errorf("escalation: decode event: %w", err)
	}
	code := event.Detail.ErrorCode
	if code == "" {
		code = codeFromSubject(r.cfg.BusName, msg.Subject)
	}

	rule, _ := r.rules.Match(code)
	r.mu.RLock()
	fn, ok := r.handlers[rule.Handler]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("escalation: rule %q names unknown handler %q", rule.Name, rule.Handler)
	}

	metrics.EscalationsHandled.WithLabelValues(rule.Name).Inc()
	return fn(ctx, rule, event)
}

func codeFromSubject(bus, subject string) string {
	return strings.TrimPrefix(subject, bus+".")
}

// LogHandler logs the event at the rule's level.
func LogHandler(logger zerolog.Logger) HandlerFunc {
	return func(_ context.Context, rule Rule, event models.EscalationEvent) error {
		fields := event.Detail.Fields()
		logger.WithLevel(rule.LogLevel()).
			Str("rule", rule.Name).
			Str("error_code", event.Detail.ErrorCode).
			Int("status", event.Detail.Status).
			Str("to", event.Detail.MessageParams.Recipient()).
			Str("from", event.Detail.MessageParams.Sender()).
			Str("provider_message", fields.Message).
			Str("source", event.Source).
			Time("event_time", event.Time).
			Msg(rule.Description)
		return nil
	}
}

// Package caller is the API call worker: it receives due dispatch records
// from the delay queue, makes exactly one provider call per record and
// publishes the resulting envelope before acknowledging the record.
package caller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/providers/twilio"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/queue"
)

// Receiver is the consuming side of the delay queue.
type Receiver interface {
	Receive(ctx context.Context, max int, visibility time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Provider performs the outbound API call.
type Provider interface {
	Send(ctx context.Context, params url.Values) (*twilio.Response, error)
}

// Publisher hands envelopes to the classifier.
type Publisher interface {
	PublishEnvelope(ctx context.Context, env models.ResponseEnvelope) error
}

// Config controls polling and batch concurrency.
type Config struct {
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Concurrency       int
}

// Dependencies collects the worker's collaborators.
type Dependencies struct {
	Queue     Receiver
	Provider  Provider
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// BatchResult counts what happened to a received batch.
type BatchResult struct {
	Received  int
	Acked     int
	Unacked   int
	Discarded int
}

// Worker polls the queue until its context ends.
type Worker struct {
	cfg       Config
	queue     Receiver
	provider  Provider
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// bounds provider calls in flight across the worker
	sem     *semaphore.Weighted
	idleLog rate.Sometimes
}

// New validates cfg and deps.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.BatchSize < 1 {
		return nil, errors.New("caller: batch size must be >= 1")
	}
	if cfg.VisibilityTimeout <= 0 {
		return nil, errors.New("caller: visibility timeout must be positive")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("caller: concurrency must be >= 1")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if deps.Queue == nil {
		return nil, errors.New("caller: queue dependency is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("caller: provider dependency is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("caller: publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		cfg:       cfg,
		queue:     deps.Queue,
		provider:  deps.Provider,
		publisher: deps.Publisher,
		logger:    logger.With().Str("component", "api_call_worker").Logger(),
		now:       now,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		idleLog:   rate.Sometimes{First: 1, Interval: time.Minute},
	}, nil
}

// Run receives and handles batches until ctx is cancelled. A batch already
// received is always finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("batch_size", w.cfg.BatchSize).
		Int("concurrency", w.cfg.Concurrency).
		Msg("caller: worker started")

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info().Msg("caller: worker stopping")
			return nil
		}

		msgs, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Msg("caller: receive failed")
			w.wait(ctx, w.cfg.PollInterval)
			continue
		}
		if len(msgs) == 0 {
			w.idleLog.Do(func() {
				w.logger.Debug().Msg("caller: no due messages")
			})
			w.wait(ctx, w.cfg.PollInterval)
			continue
		}

		res := w.HandleBatch(ctx, msgs)
		w.logger.Info().
			Int("received", res.Received).
			Int("acked", res.Acked).
			Int("unacked", res.Unacked).
			Int("discarded", res.Discarded).
			Msg("caller: batch handled")
	}
}

// HandleBatch processes msgs concurrently and waits for all of them. One
// item's failure never affects the others.
func (w *Worker) HandleBatch(ctx context.Context, msgs []queue.Message) BatchResult {
	ctx = context.WithoutCancel(ctx)

	var acked, unacked, discarded atomic.Int64
	var g errgroup.Group

	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				unacked.Add(1)
				return nil
			}
			defer w.sem.Release(1)

			switch w.process(ctx, msg) {
			case outcomeAcked:
				acked.Add(1)
			case outcomeDiscarded:
				discarded.Add(1)
			default:
				unacked.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Received:  len(msgs),
		Acked:     int(acked.Load()),
		Unacked:   int(unacked.Load()),
		Discarded: int(discarded.Load()),
	}
}

type outcome int

const (
	outcomeUnacked outcome = iota
	outcomeAcked
	outcomeDiscarded
)

func (w *Worker) process(ctx context.Context, msg queue.Message) outcome {
	log := w.logger.With().
		Str("queue_message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Logger()

	var rec models.DispatchRecord
	if err := json.Unmarshal(msg.Body, &rec); err != nil || rec.Params == nil {
		if err == nil {
			err = errors.New("record carries no params")
		}
		log.Error().Err(err).Msg("caller: undecodable dispatch record discarded")
		if derr := w.queue.Delete(ctx, msg.ReceiptHandle); derr != nil {
			log.Error().Err(derr).Msg("caller: delete of undecodable record failed")
			return outcomeUnacked
		}
		return outcomeDiscarded
	}

	log = log.With().
		Str("manifest", rec.ManifestID).
		Int("window", rec.WindowIndex).
		Int("position", rec.Position).
		Logger()

	start := w.now()
	resp, callErr := w.provider.Send(ctx, rec.Params.Form())
	metrics.APICallDuration.Observe(w.now().Sub(start).Seconds())

	env := BuildEnvelope(resp, callErr, rec.Params)
	metrics.APICalls.WithLabelValues(metrics.StatusClass(env.Status)).Inc()
	if callErr != nil {
		log.Warn().Err(callErr).Msg("caller: provider call failed, publishing transport envelope")
	}

	if err := w.publisher.PublishEnvelope(ctx, env); err != nil {
		metrics.EnvelopesPublished.WithLabelValues(metrics.Result(err)).Inc()
		log.Error().Err(err).Int("status", env.Status).Msg("caller: publish failed, leaving record for redelivery")
		return outcomeUnacked
	}
	metrics.EnvelopesPublished.WithLabelValues(metrics.Result(nil)).Inc()

	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error().Err(fmt.Errorf("delete: %w", err)).Msg("caller: acknowledge failed, envelope may be duplicated")
		return outcomeUnacked
	}

	log.Debug().Int("status", env.Status).Msg("caller: record handled")
	return outcomeAcked
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/queue"
)

// DepthSource reports queue depth.
type DepthSource interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// Scheduler runs periodic jobs such as queue depth sampling.
type Scheduler struct {
	c      *cron.Cron
	logger zerolog.Logger
}

// NewScheduler returns a scheduler using descriptor or five-field specs.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		c:      cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
}

// Every registers job under spec (for example "@every 30s").
func (s *Scheduler) Every(spec, name string, job func(ctx context.Context) error) error {
	if job == nil {
		return errors.New("metrics: job is required")
	}
	_, err := s.c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := job(ctx); err != nil {
			s.logger.Warn().Err(err).Str("job", name).Msg("metrics: scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("metrics: schedule %s: %w", name, err)
	}
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// SampleQueueDepth copies the current depth into the queue_depth gauge.
func SampleQueueDepth(src DepthSource) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d, err := src.Depth(ctx)
		if err != nil {
			return err
		}
		QueueDepth.WithLabelValues("visible").Set(float64(d.Visible))
		QueueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
		QueueDepth.WithLabelValues("in_flight").Set(float64(d.InFlight))
		return nil
	}
}

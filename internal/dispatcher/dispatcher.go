// Package dispatcher drains released windows into the delay queue. Each item
// is enqueued with the delay assigned at partition time, which makes the
// queue's delivery schedule the only throttle in the pipeline.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/windowstore"
)

// Sender enqueues a body with a delivery delay.
type Sender interface {
	Send(ctx context.Context, body []byte, delay time.Duration) (string, error)
}

// Config controls the dispatcher.
type Config struct {
	ProcessBucket string
	Concurrency   int
}

// Dependencies are the dispatcher's collaborators.
type Dependencies struct {
	Blobs   blobstore.Store
	Queue   Sender
	Tracker *Tracker
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Result summarises one drained window. Err is set when the window itself
// could not be read; per-item send failures only show up in Failed.
type Result struct {
	Handle   models.WindowHandle
	Total    int
	Enqueued int
	Failed   int
	Err      error
}

// Dispatcher enqueues released windows.
type Dispatcher struct {
	cfg     Config
	blobs   blobstore.Store
	queue   Sender
	tracker *Tracker
	logger  zerolog.Logger
	now     func() time.Time
}

// New validates cfg and deps.
func New(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if cfg.ProcessBucket == "" {
		return nil, errors.New("dispatcher: process bucket must be provided")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("dispatcher: concurrency must be >= 1")
	}
	if deps.Blobs == nil {
		return nil, errors.New("dispatcher: blob store dependency is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("dispatcher: queue dependency is required")
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker()
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		cfg:     cfg,
		blobs:   deps.Blobs,
		queue:   deps.Queue,
		tracker: deps.Tracker,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		now:     now,
	}, nil
}

// Tracker returns the tracker drain results are reported to.
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// HandleObject is the blobstore.Handler for the process bucket.
func (d *Dispatcher) HandleObject(ctx context.Context, ev blobstore.ObjectEvent) error {
	if ev.Bucket != d.cfg.ProcessBucket {
		return nil
	}
	res := d.Dispatch(ctx, models.WindowHandle(ev.Key))
	return res.Err
}

// Dispatch enqueues every item of handle and reports the outcome to the
// tracker. All items are attempted even when some sends fail.
func (d *Dispatcher) Dispatch(ctx context.Context, handle models.WindowHandle) Result {
	res := Result{Handle: handle}
	defer func() { d.tracker.MarkDrained(res) }()

	w, err := windowstore.Load(ctx, d.blobs, d.cfg.ProcessBucket, handle)
	if err != nil {
		res.Err = err
		d.logger.Error().Err(err).Str("window", string(handle)).Msg("dispatcher: failed to load window")
		return res
	}
	res.Total = w.Len()

	var enqueued, failed atomic.Int64
	// a released window is drained completely even during shutdown
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(d.cfg.Concurrency)
	for pos, item := range w.Items {
		pos, item := pos, item
		g.Go(func() error {
			if err := d.enqueue(gctx, w, pos, item); err != nil {
				failed.Add(1)
				metrics.ItemsEnqueued.WithLabelValues("error").Inc()
				d.logger.Error().
					Err(err).
					Str("window", string(handle)).
					Int("position", pos).
					Str("to", item.Params.Recipient()).
					Msg("dispatcher: failed to enqueue item")
				return nil
			}
			enqueued.Add(1)
			metrics.ItemsEnqueued.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	res.Enqueued = int(enqueued.Load())
	res.Failed = int(failed.Load())
	d.logger.Info().
		Str("window", string(handle)).
		Int("total", res.Total).
		Int("enqueued", res.Enqueued).
		Int("failed", res.Failed).
		Msg("dispatcher: window drained")
	return res
}

func (d *Dispatcher) enqueue(ctx context.Context, w models.Window, pos int, item models.WindowItem) error {
	rec := models.DispatchRecord{
		ManifestID:   w.ManifestID,
		WindowIndex:  w.Index,
		Position:     pos,
		DelaySeconds: item.DelaySeconds,
		Params:       item.Params,
		EnqueuedAt:   d.now(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dispatch record: %w", err)
	}
	if _, err := d.queue.Send(ctx, body, time.Duration(item.DelaySeconds)*time.Second); err != nil {
		return err
	}
	return nil
}

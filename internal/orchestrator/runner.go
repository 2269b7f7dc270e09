// Package orchestrator drives manifest executions: it releases one window at
// a time through the sequencer, waits for the dispatcher to drain it, and
// paces releases so consecutive windows never overlap.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/dispatcher"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/sequencer"
)

// defaultRetryMax caps release retries when no ceiling is configured.
const defaultRetryMax = 30 * time.Second

// DrainWaiter blocks until a released window has been drained.
type DrainWaiter interface {
	WaitDrained(ctx context.Context, handle models.WindowHandle) (dispatcher.Result, error)
}

// Config controls pacing and retries.
type Config struct {
	HoldingBucket   string
	ProcessBucket   string
	ReleaseInterval time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	DrainTimeout    time.Duration
}

// Dependencies are the runner's collaborators.
type Dependencies struct {
	Copier sequencer.Copier
	Drains DrainWaiter
	Store  ExecutionStore
	Logger zerolog.Logger
	Now    func() time.Time
	// After defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// Runner executes manifest runs.
type Runner struct {
	cfg    Config
	copier sequencer.Copier
	drains DrainWaiter
	store  ExecutionStore
	logger zerolog.Logger
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time

	wg     sync.WaitGroup
	randMu sync.Mutex
	rnd    *rand.Rand
}

// New validates cfg and deps.
func New(cfg Config, deps Dependencies) (*Runner, error) {
	if cfg.HoldingBucket == "" || cfg.ProcessBucket == "" {
		return nil, errors.New("orchestrator: holding and process buckets must be provided")
	}
	if cfg.ReleaseInterval < 0 {
		return nil, errors.New("orchestrator: release interval cannot be negative")
	}
	if cfg.RetryBase > 0 && cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if deps.Copier == nil {
		return nil, errors.New("orchestrator: copier dependency is required")
	}
	if deps.Drains == nil {
		return nil, errors.New("orchestrator: drain waiter dependency is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: execution store dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	after := deps.After
	if after == nil {
		after = time.After
	}
	return &Runner{
		cfg:    cfg,
		copier: deps.Copier,
		drains: deps.Drains,
		store:  deps.Store,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    now,
		after:  after,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// StartExecution records a new execution for input and runs it in the
// background under ctx. It returns the execution id once the initial state
// is stored.
func (r *Runner) StartExecution(ctx context.Context, manifestID string, input models.ExecutionInput) (string, error) {
	exec, seq, err := r.create(ctx, manifestID, input)
	if err != nil {
		return "", err
	}
	r.launch(ctx, exec, seq)
	return exec.ID, nil
}

// Execute records and runs an execution, blocking until it finishes or ctx
// ends.
func (r *Runner) Execute(ctx context.Context, manifestID string, input models.ExecutionInput) (Execution, error) {
	exec, seq, err := r.create(ctx, manifestID, input)
	if err != nil {
		return Execution{}, err
	}
	return r.run(ctx, exec, seq)
}

// Resume restarts every execution still marked running. A window that was
// released but never confirmed drained is copied into the process bucket
// again and must drain before the next window goes out, so its items may be
// sent twice but never skipped.
func (r *Runner) Resume(ctx context.Context) (int, error) {
	execs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list executions: %w", err)
	}
	resumed := 0
	for _, exec := range execs {
		if exec.Status != StatusRunning {
			continue
		}
		seq, err := sequencer.Restore(r.copier, r.cfg.HoldingBucket, r.cfg.ProcessBucket, exec.Sequencer)
		if err != nil {
			r.logger.Error().Err(err).Str("execution", exec.ID).Msg("orchestrator: cannot restore execution")
			continue
		}
		ev := r.logger.Info().Str("execution", exec.ID).Int("remaining", seq.State().Count)
		if h, ok := seq.Pending(); ok {
			ev = ev.Str("unconfirmed", string(h))
		}
		ev.Msg("orchestrator: resuming execution")
		r.launch(ctx, exec, seq)
		resumed++
	}
	return resumed, nil
}

// Execution returns the stored state of id.
func (r *Runner) Execution(ctx context.Context, id string) (Execution, error) {
	return r.store.Load(ctx, id)
}

// Wait blocks until all background executions have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) create(ctx context.Context, manifestID string, input models.ExecutionInput) (Execution, *sequencer.Sequencer, error) {
	seq, err := sequencer.New(r.copier, r.cfg.HoldingBucket, r.cfg.ProcessBucket, input.Payload)
	if err != nil {
		return Execution{}, nil, err
	}
	now := r.now()
	exec := Execution{
		ID:         uuid.NewString(),
		ManifestID: manifestID,
		Status:     StatusRunning,
		Windows:    len(input.Payload.RemainingHandles),
		StartedAt:  now,
		UpdatedAt:  now,
		Sequencer:  seq.Snapshot(),
	}
	if err := r.store.Save(ctx, exec); err != nil {
		return Execution{}, nil, err
	}
	r.logger.Info().
		Str("execution", exec.ID).
		Str("manifest", manifestID).
		Int("windows", exec.Windows).
		Msg("orchestrator: execution started")
	return exec, seq, nil
}

func (r *Runner) launch(ctx context.Context, exec Execution, seq *sequencer.Sequencer) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.run(ctx, exec, seq); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Str("execution", exec.ID).Msg("orchestrator: execution ended with error")
		}
	}()
}

func (r *Runner) run(ctx context.Context, exec Execution, seq *sequencer.Sequencer) (Execution, error) {
	log := r.logger.With().Str("execution", exec.ID).Str("manifest", exec.ManifestID).Logger()

	for {
		if seq.Phase() == sequencer.PhaseDone {
			return r.finish(ctx, exec, seq, nil)
		}

		var handle models.WindowHandle
		if pending, ok := seq.Pending(); ok {
			log.Warn().Str("window", string(pending)).Msg("orchestrator: redelivering unconfirmed window")
			h, _, err := r.withRetry(ctx, log, func(ctx context.Context) (models.WindowHandle, int, error) {
				h, err := seq.Redeliver(ctx)
				return h, 0, err
			})
			if err != nil {
				return exec, err
			}
			handle = h
		} else {
			if !r.pace(ctx, exec, log) {
				return exec, ctx.Err()
			}

			h, remaining, err := r.withRetry(ctx, log, seq.ReleaseNext)
			if errors.Is(err, sequencer.ErrDone) {
				return r.finish(ctx, exec, seq, nil)
			}
			if err != nil {
				return exec, err
			}
			handle = h

			exec.Released++
			exec.LastReleasedAt = r.now()
			exec = r.checkpoint(ctx, exec, seq)
			log.Info().
				Str("window", string(handle)).
				Int("remaining", remaining).
				Msg("orchestrator: window released")
		}

		res, err := r.waitDrained(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return exec, ctx.Err()
			}
			return r.finish(ctx, exec, seq, fmt.Errorf("orchestrator: window %s not drained: %w", handle, err))
		}
		if res.Err != nil {
			return r.finish(ctx, exec, seq, fmt.Errorf("orchestrator: window %s: %w", handle, res.Err))
		}
		if err := seq.ConfirmDrained(handle); err != nil {
			return r.finish(ctx, exec, seq, err)
		}
		exec.LastDrainedAt = r.now()
		exec = r.checkpoint(ctx, exec, seq)
	}
}

// pace waits until the release interval has passed since the previous window
// was confirmed drained. It reports false when ctx ends first.
func (r *Runner) pace(ctx context.Context, exec Execution, log zerolog.Logger) bool {
	from := exec.LastDrainedAt
	if from.IsZero() {
		from = exec.LastReleasedAt
	}
	if from.IsZero() || r.cfg.ReleaseInterval <= 0 {
		return true
	}
	wait := from.Add(r.cfg.ReleaseInterval).Sub(r.now())
	if wait <= 0 {
		return true
	}
	log.Debug().Dur("wait", wait).Msg("orchestrator: pacing next release")
	return r.wait(ctx, wait)
}

func (r *Runner) withRetry(ctx context.Context, log zerolog.Logger, step func(context.Context) (models.WindowHandle, int, error)) (models.WindowHandle, int, error) {
	for attempt := 1; ; attempt++ {
		handle, remaining, err := step(ctx)
		if err == nil {
			metrics.WindowsReleased.WithLabelValues("ok").Inc()
			return handle, remaining, nil
		}
		if errors.Is(err, sequencer.ErrDone) {
			return "", 0, err
		}
		metrics.WindowsReleased.WithLabelValues("error").Inc()

		backoff := r.computeBackoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("orchestrator: release failed; retrying same window")
		if !r.wait(ctx, backoff) {
			return "", 0, ctx.Err()
		}
	}
}

func (r *Runner) waitDrained(ctx context.Context, handle models.WindowHandle) (dispatcher.Result, error) {
	if r.cfg.DrainTimeout <= 0 {
		return r.drains.WaitDrained(ctx, handle)
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer cancel()
	return r.drains.WaitDrained(waitCtx, handle)
}

func (r *Runner) finish(ctx context.Context, exec Execution, seq *sequencer.Sequencer, cause error) (Execution, error) {
	exec.Status = StatusSucceeded
	if cause != nil {
		exec.Status = StatusFailed
		exec.LastError = cause.Error()
	}
	exec = r.checkpoint(ctx, exec, seq)

	ev := r.logger.Info()
	if cause != nil {
		ev = r.logger.Error().Err(cause)
	}
	ev.Str("execution", exec.ID).
		Str("status", string(exec.Status)).
		Int("released", exec.Released).
		Int("windows", exec.Windows).
		Msg("orchestrator: execution finished")
	return exec, cause
}

// checkpoint stores the execution. A failed save is logged; the run keeps
// going with its in-memory state.
func (r *Runner) checkpoint(ctx context.Context, exec Execution, seq *sequencer.Sequencer) Execution {
	exec.Sequencer = seq.Snapshot()
	exec.UpdatedAt = r.now()
	if err := r.store.Save(context.WithoutCancel(ctx), exec); err != nil {
		r.logger.Error().Err(err).Str("execution", exec.ID).Msg("orchestrator: failed to persist execution")
	}
	return exec
}

func (r *Runner) computeBackoff(attempt int) time.Duration {
	if r.cfg.RetryBase <= 0 {
		return 0
	}
	ceiling := r.cfg.RetryMax
	if ceiling <= 0 {
		ceiling = defaultRetryMax
	}
	raw := ceiling
	if f := float64(r.cfg.RetryBase) * math.Pow(2, float64(attempt-1)); f < float64(ceiling) {
		raw = time.Duration(f)
	}

	r.randMu.Lock()
	defer r.randMu.Unlock()
	return time.Duration(r.rnd.Int63n(int64(raw) + 1))
}

func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.after(d):
		return true
	}
}

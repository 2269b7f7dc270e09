// Package sequencer releases the windows of one manifest run strictly one
// after another.
//
// A run moves through three phases:
//
//	Pending(handles) --ReleaseNext--> Draining(active, remaining)
//	Draining --ConfirmDrained, ReleaseNext--> Draining(next, remaining-1)
//	Draining --ConfirmDrained with nothing remaining--> Done
//
// The sequencer does no timing of its own. Pacing between windows is the
// driver's job.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Phase is the lifecycle position of a run.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseDraining Phase = "draining"
	PhaseDone     Phase = "done"
)

var (
	// ErrDone is returned by ReleaseNext once every window was released.
	ErrDone = errors.New("sequencer: all windows released")
	// ErrNotDrained is returned when the active window has not been
	// confirmed as handed to the dispatcher yet.
	ErrNotDrained = errors.New("sequencer: active window not drained")
	// ErrUnexpectedHandle is returned by ConfirmDrained for a handle that is
	// not the active window.
	ErrUnexpectedHandle = errors.New("sequencer: handle is not the active window")
)

// Copier copies an object between buckets.
type Copier interface {
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

// Release copies the head of state from the holding bucket into the process
// bucket and returns the state without it. On failure the input state is
// returned unchanged so the same window can be retried.
func Release(ctx context.Context, copier Copier, holding, process string, state models.SequencerState) (models.SequencerState, models.WindowHandle, error) {
	if len(state.RemainingHandles) == 0 {
		return state, "", ErrDone
	}
	head := state.RemainingHandles[0]
	if err := copier.Copy(ctx, holding, string(head), process, string(head)); err != nil {
		return state, "", fmt.Errorf("sequencer: release %s: %w", head, err)
	}
	rest := append([]models.WindowHandle(nil), state.RemainingHandles[1:]...)
	return models.SequencerState{RemainingHandles: rest, Count: len(rest)}, head, nil
}

// Snapshot is the serialisable state of a Sequencer.
type Snapshot struct {
	Phase   Phase                 `json:"phase"`
	State   models.SequencerState `json:"state"`
	Active  models.WindowHandle   `json:"active,omitempty"`
	Drained bool                  `json:"drained"`
}

// Sequencer owns the remaining handles of a single run.
type Sequencer struct {
	mu      sync.Mutex
	copier  Copier
	holding string
	process string

	phase   Phase
	state   models.SequencerState
	active  models.WindowHandle
	drained bool
}

// New starts a run over state. A run with no windows starts out Done.
func New(copier Copier, holding, process string, state models.SequencerState) (*Sequencer, error) {
	return Restore(copier, holding, process, Snapshot{Phase: PhasePending, State: state})
}

// Restore resumes a run from a snapshot.
func Restore(copier Copier, holding, process string, snap Snapshot) (*Sequencer, error) {
	if copier == nil {
		return nil, errors.New("sequencer: copier is required")
	}
	if holding == "" || process == "" {
		return nil, errors.New("sequencer: holding and process buckets are required")
	}
	s := &Sequencer{
		copier:  copier,
		holding: holding,
		process: process,
		phase:   snap.Phase,
		state:   models.NewSequencerState(snap.State.RemainingHandles),
		active:  snap.Active,
		drained: snap.Drained,
	}
	switch s.phase {
	case PhasePending, PhaseDraining, PhaseDone:
	default:
		return nil, fmt.Errorf("sequencer: unknown phase %q", snap.Phase)
	}
	if s.phase == PhasePending && s.state.Count == 0 {
		s.phase = PhaseDone
	}
	return s, nil
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// State returns a copy of the remaining handles.
func (s *Sequencer) State() models.SequencerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.NewSequencerState(s.state.RemainingHandles)
}

// Snapshot captures the sequencer for persistence.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:   s.phase,
		State:   models.NewSequencerState(s.state.RemainingHandles),
		Active:  s.active,
		Drained: s.drained,
	}
}

// Active returns the window currently draining.
func (s *Sequencer) Active() (models.WindowHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.phase == PhaseDraining
}

// ReleaseNext releases the next window and returns it with the number of
// windows still pending. It fails with ErrNotDrained while the active window
// is unconfirmed and leaves the state untouched on copy errors.
func (s *Sequencer) ReleaseNext(ctx context.Context) (models.WindowHandle, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.phase == PhaseDone:
		return "", 0, ErrDone
	case s.phase == PhaseDraining && !s.drained:
		return "", s.state.Count, ErrNotDrained
	}

	next, head, err := Release(ctx, s.copier, s.holding, s.process, s.state)
	if err != nil {
		if errors.Is(err, ErrDone) {
			s.phase = PhaseDone
		}
		return "", s.state.Count, err
	}

	s.state = next
	s.active = head
	s.drained = false
	s.phase = PhaseDraining
	return head, next.Count, nil
}

// Pending returns the active window when it was released but not yet
// confirmed drained.
func (s *Sequencer) Pending() (models.WindowHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.phase == PhaseDraining && !s.drained
}

// Redeliver copies the unconfirmed active window into the process bucket
// again. The remaining handles are not touched.
func (s *Sequencer) Redeliver(ctx context.Context) (models.WindowHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseDraining || s.drained || s.active == "" {
		return "", fmt.Errorf("%w: nothing to redeliver", ErrUnexpectedHandle)
	}
	h := string(s.active)
	if err := s.copier.Copy(ctx, s.holding, h, s.process, h); err != nil {
		return "", fmt.Errorf("sequencer: redeliver %s: %w", h, err)
	}
	return s.active, nil
}

// ConfirmDrained records that every item of handle reached the delay queue.
// Confirming the last window finishes the run.
func (s *Sequencer) ConfirmDrained(handle models.WindowHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseDraining || handle != s.active {
		return fmt.Errorf("%w: %s", ErrUnexpectedHandle, handle)
	}
	s.drained = true
	if s.state.Count == 0 {
		s.phase = PhaseDone
	}
	return nil
}

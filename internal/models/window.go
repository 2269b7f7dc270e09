package models

import "time"

// WindowHandle is the storage key of a persisted window.
type WindowHandle string

// WindowItem is a message annotated with its send delay relative to the
// moment its window is released.
type WindowItem struct {
	Params       MessageRequest `json:"params"`
	DelaySeconds int            `json:"delaySeconds"`
}

// Window is one rate-bounded slice of a manifest.
type Window struct {
	ManifestID string       `json:"manifest"`
	Index      int          `json:"index"`
	Items      []WindowItem `json:"messages"`
}

// Len returns the number of items in the window.
func (w Window) Len() int { return len(w.Items) }

// DispatchRecord is the body of a delay queue message.
type DispatchRecord struct {
	ManifestID   string         `json:"manifest"`
	WindowIndex  int            `json:"window"`
	Position     int            `json:"position"`
	DelaySeconds int            `json:"delaySeconds"`
	Params       MessageRequest `json:"params"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
}

// SequencerState is the list of windows still waiting to be released. The
// JSON names match the execution payload used by the release step.
type SequencerState struct {
	RemainingHandles []WindowHandle `json:"FileArray"`
	Count            int            `json:"FileArrayLength"`
}

// NewSequencerState builds a state whose count matches its handles.
func NewSequencerState(handles []WindowHandle) SequencerState {
	cp := append([]WindowHandle(nil), handles...)
	return SequencerState{RemainingHandles: cp, Count: len(cp)}
}

// ExecutionInput wraps the initial sequencer state for a new execution.
type ExecutionInput struct {
	Payload SequencerState `json:"Payload"`
}

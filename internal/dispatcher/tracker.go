package dispatcher

import (
	"context"
	"sync"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Tracker hands drain results from the dispatcher to whoever waits for them.
// A result recorded before anyone waits is kept until it is collected.
type Tracker struct {
	mu      sync.Mutex
	results map[models.WindowHandle]Result
	waiters map[models.WindowHandle][]chan Result
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		results: make(map[models.WindowHandle]Result),
		waiters: make(map[models.WindowHandle][]chan Result),
	}
}

// MarkDrained publishes res to current and future waiters of res.Handle.
func (t *Tracker) MarkDrained(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.results[res.Handle] = res
	for _, ch := range t.waiters[res.Handle] {
		ch <- res
	}
	delete(t.waiters, res.Handle)
}

// WaitDrained blocks until handle is drained or ctx ends. The stored result
// is consumed.
func (t *Tracker) WaitDrained(ctx context.Context, handle models.WindowHandle) (Result, error) {
	t.mu.Lock()
	if res, ok := t.results[handle]; ok {
		delete(t.results, handle)
		t.mu.Unlock()
		return res, nil
	}
	ch := make(chan Result, 1)
	t.waiters[handle] = append(t.waiters[handle], ch)
	t.mu.Unlock()

	select {
	case res := <-ch:
		t.mu.Lock()
		delete(t.results, handle)
		t.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		t.mu.Lock()
		waiters := t.waiters[handle]
		for i, w := range waiters {
			if w == ch {
				t.waiters[handle] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(t.waiters[handle]) == 0 {
			delete(t.waiters, handle)
		}
		t.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

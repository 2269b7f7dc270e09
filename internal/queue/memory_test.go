package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryHonoursDelay(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q := NewMemory(clock.Now)

	for i, delay := range []time.Duration{2 * time.Second, time.Second, 2 * time.Second} {
		if _, err := q.Send(ctx, []byte{byte('a' + i)}, delay); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if msgs, _ := q.Receive(ctx, 10, 30*time.Second); len(msgs) != 0 {
		t.Fatalf("expected nothing before the delay elapsed, got %d", len(msgs))
	}

	clock.Advance(time.Second)
	msgs, err := q.Receive(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Body) != "b" {
		t.Fatalf("expected only b after 1s, got %+v", msgs)
	}

	clock.Advance(time.Second)
	msgs, _ = q.Receive(ctx, 10, 30*time.Second)
	if len(msgs) != 2 {
		t.Fatalf("expected a and c after 2s, got %+v", msgs)
	}
	got := map[string]bool{string(msgs[0].Body): true, string(msgs[1].Body): true}
	if !got["a"] || !got["c"] {
		t.Fatalf("expected a and c after 2s, got %+v", msgs)
	}
}

func TestMemoryVisibilityAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	q := NewMemory(clock.Now)
	if _, err := q.Send(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	first, _ := q.Receive(ctx, 1, 30*time.Second)
	if len(first) != 1 {
		t.Fatalf("expected one message")
	}
	if again, _ := q.Receive(ctx, 1, 30*time.Second); len(again) != 0 {
		t.Fatalf("leased message must be hidden")
	}

	d, _ := q.Depth(ctx)
	if d.InFlight != 1 || d.Visible != 0 {
		t.Fatalf("unexpected depth %+v", d)
	}

	clock.Advance(31 * time.Second)
	second, _ := q.Receive(ctx, 1, 30*time.Second)
	if len(second) != 1 || second[0].ReceiveCount != 2 {
		t.Fatalf("expected redelivery with count 2, got %+v", second)
	}

	if err := q.Delete(ctx, first[0].ReceiptHandle); !errors.Is(err, ErrReceiptNotFound) {
		t.Fatalf("stale receipt should fail, got %v", err)
	}
	if err := q.Delete(ctx, second[0].ReceiptHandle); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d, _ := q.Depth(ctx); d != (Depth{}) {
		t.Fatalf("expected empty queue, got %+v", d)
	}
}

func TestMemoryReceiveRespectsMax(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(nil)
	for i := 0; i < 15; i++ {
		_, _ = q.Send(ctx, []byte("m"), 0)
	}
	msgs, _ := q.Receive(ctx, 10, time.Minute)
	if len(msgs) != 10 {
		t.Fatalf("expected batch of 10, got %d", len(msgs))
	}
	d, _ := q.Depth(ctx)
	if d.Visible != 5 || d.InFlight != 10 {
		t.Fatalf("unexpected depth %+v", d)
	}
}

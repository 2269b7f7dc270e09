package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	msg       Message
	visibleAt time.Time
	leased    bool
	index     int
}

type visibilityHeap []*memEntry

func (h visibilityHeap) Len() int { return len(h) }
func (h visibilityHeap) Less(i, j int) bool {
	if h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].msg.SentAt.Before(h[j].msg.SentAt)
	}
	return h[i].visibleAt.Before(h[j].visibleAt)
}
func (h visibilityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *visibilityHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *visibilityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Memory is an in-process Queue ordered by visibility time.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	entries  visibilityHeap
	receipts map[string]*memEntry
}

// NewMemory returns an empty queue. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, receipts: make(map[string]*memEntry)}
}

// Send enqueues body so it becomes receivable after delay.
func (q *Memory) Send(ctx context.Context, body []byte, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	e := &memEntry{
		msg: Message{
			ID:     uuid.NewString(),
			Body:   append([]byte(nil), body...),
			SentAt: now,
		},
		visibleAt: now.Add(delay),
	}
	heap.Push(&q.entries, e)
	return e.msg.ID, nil
}

// Receive leases up to max visible messages for the visibility timeout.
func (q *Memory) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var leased []*memEntry
	for len(leased) < max && q.entries.Len() > 0 && !q.entries[0].visibleAt.After(now) {
		leased = append(leased, heap.Pop(&q.entries).(*memEntry))
	}

	out := make([]Message, 0, len(leased))
	for _, e := range leased {
		if e.leased {
			delete(q.receipts, e.msg.ReceiptHandle)
		}
		e.leased = true
		e.msg.ReceiptHandle = uuid.NewString()
		e.msg.ReceiveCount++
		e.visibleAt = now.Add(visibility)
		q.receipts[e.msg.ReceiptHandle] = e
		heap.Push(&q.entries, e)

		m := e.msg
		m.Body = append([]byte(nil), e.msg.Body...)
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the message leased under receiptHandle.
func (q *Memory) Delete(ctx context.Context, receiptHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.receipts[receiptHandle]
	if !ok {
		return ErrReceiptNotFound
	}
	delete(q.receipts, receiptHandle)
	heap.Remove(&q.entries, e.index)
	return nil
}

// Depth reports message counts.
func (q *Memory) Depth(ctx context.Context) (Depth, error) {
	if err := ctx.Err(); err != nil {
		return Depth{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var d Depth
	for _, e := range q.entries {
		switch {
		case !e.visibleAt.After(now):
			d.Visible++
		case e.leased:
			d.InFlight++
		default:
			d.Delayed++
		}
	}
	return d, nil
}

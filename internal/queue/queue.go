// Package queue implements the delay queue between the dispatcher and the
// API call workers. A message becomes receivable once its delay has elapsed,
// is hidden from other receivers for a visibility timeout after each receive,
// and disappears only when deleted with its latest receipt handle.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptNotFound is returned by Delete when the receipt handle is stale,
// usually because the message became visible again and was received by
// another worker.
var ErrReceiptNotFound = errors.New("queue: receipt handle not found")

// Message is one received queue message.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
	SentAt        time.Time
}

// Depth counts messages by state.
type Depth struct {
	Visible  int64
	Delayed  int64
	InFlight int64
}

// Queue is a delay-capable work queue.
type Queue interface {
	Send(ctx context.Context, body []byte, delay time.Duration) (string, error)
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	Depth(ctx context.Context) (Depth, error)
}

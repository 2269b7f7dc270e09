package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/database"
)

//go:embed schema.sql
var schemaSQL string

const (
	sendSQL = `INSERT INTO dispatch_queue (id, queue, body, visible_at)
VALUES ($1, $2, $3, now() + ($4::bigint * interval '1 millisecond'))`

	receiveSQL = `UPDATE dispatch_queue AS q
SET receipt_handle = gen_random_uuid(),
    visible_at = now() + ($3::bigint * interval '1 millisecond'),
    receive_count = q.receive_count + 1
WHERE q.id IN (
    SELECT id FROM dispatch_queue
    WHERE queue = $1 AND visible_at <= now()
    ORDER BY visible_at, sent_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING q.id::text, q.receipt_handle::text, q.body, q.receive_count, q.sent_at`

	deleteSQL = `DELETE FROM dispatch_queue WHERE queue = $1 AND receipt_handle = $2::uuid`

	depthSQL = `SELECT
    count(*) FILTER (WHERE visible_at <= now()),
    count(*) FILTER (WHERE visible_at > now() AND receipt_handle IS NULL),
    count(*) FILTER (WHERE visible_at > now() AND receipt_handle IS NOT NULL)
FROM dispatch_queue WHERE queue = $1`
)

// Postgres keeps queue messages in the dispatch_queue table. Several logical
// queues can share the table; each Postgres value serves one of them.
type Postgres struct {
	db     database.DB
	name   string
	logger zerolog.Logger
}

// NewPostgres returns a queue named name backed by db.
func NewPostgres(db database.DB, name string, logger zerolog.Logger) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("queue: database is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("queue: name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Postgres{db: db, name: name, logger: logger}, nil
}

// EnsureSchema creates the queue table if it does not exist.
func (q *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("queue: ensure schema: %w", err)
	}
	return nil
}

// Send enqueues body so it becomes receivable after delay.
func (q *Postgres) Send(ctx context.Context, body []byte, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	id := uuid.NewString()
	if _, err := q.db.Exec(ctx, sendSQL, id, q.name, body, delay.Milliseconds()); err != nil {
		return "", fmt.Errorf("queue: send: %w", err)
	}
	return id, nil
}

// Receive leases up to max visible messages for the visibility timeout.
func (q *Postgres) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, receiveSQL, q.name, max, visibility.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ReceiptHandle, &m.Body, &m.ReceiveCount, &m.SentAt); err != nil {
			return nil, fmt.Errorf("queue: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: receive rows: %w", err)
	}
	return out, nil
}

// Delete removes the message leased under receiptHandle.
func (q *Postgres) Delete(ctx context.Context, receiptHandle string) error {
	tag, err := q.db.Exec(ctx, deleteSQL, q.name, receiptHandle)
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// Depth reports message counts for this queue.
func (q *Postgres) Depth(ctx context.Context) (Depth, error) {
	var d Depth
	if err := q.db.QueryRow(ctx, depthSQL, q.name).Scan(&d.Visible, &d.Delayed, &d.InFlight); err != nil {
		return Depth{}, fmt.Errorf("queue: depth: %w", err)
	}
	return d, nil
}

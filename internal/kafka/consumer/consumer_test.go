package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

func newTestConsumer(cfg Config) *Consumer {
	cfg.GroupID = "classifier"
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return &Consumer{cfg: withDefaults(cfg), logger: zerolog.Nop()}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	c := newTestConsumer(Config{MaxAttempts: 3})
	calls := 0
	handler := func(context.Context, *Record) error {
		calls++
		if calls < 2 {
			return errors.New("sink unavailable")
		}
		return nil
	}
	if !c.deliver(context.Background(), handler, &Record{Topic: "t"}) {
		t.Fatalf("expected record to be marked")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDeliverSkipsAfterMaxAttempts(t *testing.T) {
	var skipped *Record
	var skipErr error
	c := newTestConsumer(Config{MaxAttempts: 2, OnSkip: func(rec *Record, err error) {
		skipped, skipErr = rec, err
	}})
	calls := 0
	poison := errors.New("poison")
	handler := func(context.Context, *Record) error {
		calls++
		return poison
	}
	rec := &Record{Offset: 42}
	if !c.deliver(context.Background(), handler, rec) {
		t.Fatalf("expected poison record to be marked after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if skipped != rec || !errors.Is(skipErr, poison) {
		t.Fatalf("expected skip hook with the last error, got %v %v", skipped, skipErr)
	}
}

func TestDeliverStopsOnCancel(t *testing.T) {
	c := newTestConsumer(Config{MaxAttempts: 5, RetryBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(context.Context, *Record) error {
		cancel()
		return errors.New("fail")
	}
	if c.deliver(ctx, handler, &Record{}) {
		t.Fatalf("expected record to stay unmarked when the session ends")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(Config{GroupID: "g", RetryBackoff: time.Second})
	if cfg.ClientID != "g" || cfg.MaxAttempts != 3 || cfg.MaxRetryBackoff != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestToRecordCopiesHeaders(t *testing.T) {
	rec := toRecord(&sarama.ConsumerMessage{
		Topic:     "api-responses",
		Partition: 1,
		Offset:    7,
		Key:       []byte("+1555"),
		Value:     []byte(`{}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("response-status"), Value: []byte("400")},
			nil,
			{Key: nil, Value: []byte("dropped")},
		},
	})
	if rec.Offset != 7 || string(rec.Key) != "+1555" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Headers) != 1 || string(rec.Headers["response-status"]) != "400" {
		t.Fatalf("unexpected headers %v", rec.Headers)
	}
}

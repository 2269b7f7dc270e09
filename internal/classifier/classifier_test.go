package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/kafka/consumer"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

type memRecords struct {
	mu   sync.Mutex
	recs []models.ResponseRecord
	err  error
}

func (m *memRecords) Put(_ context.Context, rec models.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

type memArchive struct {
	mu   sync.Mutex
	envs []models.ResponseEnvelope
	err  error
}

func (m *memArchive) Archive(_ context.Context, env models.ResponseEnvelope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.envs = append(m.envs, env)
	return "key.json", nil
}

type memEscalator struct {
	mu   sync.Mutex
	envs []models.ResponseEnvelope
	err  error
}

func (m *memEscalator) Escalate(_ context.Context, env models.ResponseEnvelope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	m.envs = append(m.envs, env)
	return true, nil
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newClassifier(t *testing.T, r *memRecords, a *memArchive, e *memEscalator) *Classifier {
	t.Helper()
	deps := Dependencies{Records: r, Logger: zerolog.Nop(), Now: func() time.Time { return fixedNow }}
	if a != nil {
		deps.Archive = a
	}
	if e != nil {
		deps.Escalator = e
	}
	c, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassifyInvalidNumber(t *testing.T) {
	r, a, e := &memRecords{}, &memArchive{}, &memEscalator{}
	c := newClassifier(t, r, a, e)

	env := models.ResponseEnvelope{
		Status:        400,
		Body:          json.RawMessage(`{"code":21211,"message":"invalid"}`),
		MessageParams: models.MessageRequest{"To": "+1999"},
	}
	out := c.Classify(context.Background(), env)
	if err := out.Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(r.recs) != 1 || r.recs[0].PK != "400" || r.recs[0].SK != "21211::+1999::1700000000000" {
		t.Fatalf("unexpected records %+v", r.recs)
	}
	if len(a.envs) != 1 {
		t.Fatalf("expected archive write")
	}
	if !out.Escalated || len(e.envs) != 1 || e.envs[0].ErrorCode() != "21211" {
		t.Fatalf("expected escalation of 21211, got %+v", e.envs)
	}
}

func TestClassifySuccessDoesNotEscalate(t *testing.T) {
	r, a, e := &memRecords{}, &memArchive{}, &memEscalator{}
	c := newClassifier(t, r, a, e)

	env := models.ResponseEnvelope{Status: 201, Body: json.RawMessage(`{"sid":"SM1","status":"queued"}`)}
	out := c.Classify(context.Background(), env)
	if out.Escalated || len(e.envs) != 0 {
		t.Fatalf("success must not escalate")
	}
	if r.recs[0].PK != "SM1" || r.recs[0].SK != "queued" {
		t.Fatalf("unexpected record %+v", r.recs[0])
	}
}

func TestClassifySinksAreIndependent(t *testing.T) {
	r := &memRecords{err: errors.New("db down")}
	a := &memArchive{}
	e := &memEscalator{}
	c := newClassifier(t, r, a, e)

	env := models.ResponseEnvelope{Status: 500, Body: json.RawMessage(`{"code":20500}`)}
	out := c.Classify(context.Background(), env)
	if out.RecordErr == nil {
		t.Fatalf("expected record error")
	}
	if len(a.envs) != 1 || len(e.envs) != 1 {
		t.Fatalf("archive and escalation must run despite record failure")
	}

	r2 := &memRecords{}
	e2 := &memEscalator{err: errors.New("bus down")}
	c2 := newClassifier(t, r2, &memArchive{}, e2)
	out = c2.Classify(context.Background(), env)
	if out.EscalateErr == nil || len(r2.recs) != 1 {
		t.Fatalf("record must be written despite escalation failure")
	}
}

func TestKafkaHandler(t *testing.T) {
	r := &memRecords{}
	c := newClassifier(t, r, nil, nil)
	h := c.KafkaHandler()

	if err := h(context.Background(), &consumer.Record{Value: []byte("garbage")}); err != nil {
		t.Fatalf("undecodable record should be dropped, got %v", err)
	}

	data, _ := json.Marshal(models.ResponseEnvelope{Status: 201, Body: json.RawMessage(`{"sid":"SM2","status":"sent"}`)})
	if err := h(context.Background(), &consumer.Record{Value: data}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(r.recs) != 1 || r.recs[0].PK != "SM2" {
		t.Fatalf("unexpected records %+v", r.recs)
	}

	r.err = errors.New("db down")
	if err := h(context.Background(), &consumer.Record{Value: data}); err == nil {
		t.Fatalf("expected record failure to be returned for redelivery")
	}
}

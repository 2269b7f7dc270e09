package records

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

var fixedNow = time.UnixMilli(1_700_000_123_456).UTC()

func TestKeysSuccess(t *testing.T) {
	env := models.ResponseEnvelope{
		Status:        201,
		Body:          json.RawMessage(`{"sid":"SM123","status":"queued"}`),
		MessageParams: models.MessageRequest{"To": "+1555"},
	}
	pk, sk := Keys(env, fixedNow)
	if pk != "SM123" || sk != "queued" {
		t.Fatalf("unexpected keys %q %q", pk, sk)
	}
}

func TestKeysFailure(t *testing.T) {
	env := models.ResponseEnvelope{
		Status:        400,
		Body:          json.RawMessage(`{"code":21211,"message":"invalid"}`),
		MessageParams: models.MessageRequest{"To": "+1555"},
	}
	pk, sk := Keys(env, fixedNow)
	if pk != "400" || sk != "21211::+1555::1700000123456" {
		t.Fatalf("unexpected keys %q %q", pk, sk)
	}

	env.Body = json.RawMessage(`{}`)
	_, sk = Keys(env, fixedNow)
	if sk != "UNKNOWN::+1555::1700000123456" {
		t.Fatalf("expected UNKNOWN code in sort key, got %q", sk)
	}
}

func TestKeysSuccessWithoutSIDFallsBack(t *testing.T) {
	env := models.ResponseEnvelope{Status: 201, Body: json.RawMessage(`{"status":"queued"}`)}
	pk, _ := Keys(env, fixedNow)
	if pk != "201" {
		t.Fatalf("expected status partition key, got %q", pk)
	}
}

func TestPostgresPutUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store, err := NewPostgres(mock, "api_responses", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}

	rec := NewRecord(models.ResponseEnvelope{
		Status:        201,
		Body:          json.RawMessage(`{"sid":"SM1","status":"queued"}`),
		MessageParams: models.MessageRequest{"To": "+1"},
	}, fixedNow)

	mock.ExpectExec(`(?s)INSERT INTO "api_responses" .* ON CONFLICT \(pk, sk\) DO UPDATE`).
		WithArgs("SM1", "queued", 201, []byte(`{"sid":"SM1","status":"queued"}`), []byte(`{"To":"+1"}`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresPutWrapsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store, err := NewPostgres(mock, "api_responses", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	boom := errors.New("connection reset")
	mock.ExpectExec(`INSERT INTO`).WillReturnError(boom)

	err = store.Put(context.Background(), models.ResponseRecord{PK: "400", SK: "x", Body: json.RawMessage(`{}`)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestPostgresRejectsMissingKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store, _ := NewPostgres(mock, "t", zerolog.Nop())
	if err := store.Put(context.Background(), models.ResponseRecord{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "records.db"), "api_responses", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	env := models.ResponseEnvelope{
		Status:        400,
		Body:          json.RawMessage(`{"code":21610,"message":"unsubscribed"}`),
		MessageParams: models.MessageRequest{"To": "+1555", "From": "+1666"},
	}
	rec := NewRecord(env, fixedNow)
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Same key again must not fail.
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put duplicate: %v", err)
	}

	got, err := store.Get(ctx, "400", "21610::+1555::1700000123456")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.Get(ctx, "400", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenSQLiteRejectsBadTable(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"), "drop table;", zerolog.Nop()); err == nil {
		t.Fatalf("expected invalid table error")
	}
}

package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

func TestKey(t *testing.T) {
	now := time.Date(2024, time.January, 5, 23, 59, 0, 0, time.UTC)
	ms := now.UnixMilli()

	ok := models.ResponseEnvelope{Status: 201, Body: json.RawMessage(`{"sid":"SM9","status":"queued"}`)}
	if got, want := Key(ok, now, "abcde"), "2024-01-05/201/"+itoa(ms)+"-SM9.json"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}

	bad := models.ResponseEnvelope{Status: 400, Body: json.RawMessage(`{"code":21211}`)}
	if got, want := Key(bad, now, "abcde"), "2024-01-05/400/"+itoa(ms)+"-21211-abcde.json"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}

	transport := models.ResponseEnvelope{Status: models.StatusTransportFailure, Body: json.RawMessage(`{"code":"TRANSPORT"}`)}
	if got, want := Key(transport, now, "zzzzz"), "2024-01-05/599/"+itoa(ms)+"-TRANSPORT-zzzzz.json"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
}

func TestKeyUsesUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	now := time.Date(2024, time.March, 1, 8, 0, 0, 0, loc) // Feb 29 22:00 UTC
	env := models.ResponseEnvelope{Status: 500}
	got := Key(env, now, "x")
	if got[:10] != "2024-02-29" {
		t.Fatalf("expected UTC date prefix, got %q", got)
	}
}

func TestArchiveWritesEnvelope(t *testing.T) {
	fs, err := blobstore.NewFS(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	now := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	a, err := New(fs, "destination", zerolog.Nop(), WithClock(func() time.Time { return now }), WithSuffix(func() string { return "q1w2e" }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := models.ResponseEnvelope{
		Status:        400,
		Body:          json.RawMessage(`{"code":21610}`),
		MessageParams: models.MessageRequest{"To": "+1"},
	}
	key, err := a.Archive(context.Background(), env)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	data, err := fs.Get(context.Background(), "destination", key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got models.ResponseEnvelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != 400 || got.ErrorCode() != "21610" || got.MessageParams.Recipient() != "+1" {
		t.Fatalf("unexpected archived envelope %s", data)
	}
}

func TestRandomSuffix(t *testing.T) {
	if s := randomSuffix(); len(s) != 5 {
		t.Fatalf("expected 5 characters, got %q", s)
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

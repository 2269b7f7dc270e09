package windowstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

type failingBlobs struct {
	blobstore.Store
	failOn string
}

func (f *failingBlobs) Put(ctx context.Context, bucket, key string, data []byte) error {
	if key == f.failOn {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, bucket, key, data)
}

func TestSaveAllAndLoad(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	store, err := New(blobs, "holding", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	windows := []models.Window{
		{ManifestID: "batch.csv", Index: 0, Items: []models.WindowItem{{Params: models.MessageRequest{"To": "+1", "From": "+2"}, DelaySeconds: 1}}},
		{ManifestID: "batch.csv", Index: 1, Items: []models.WindowItem{{Params: models.MessageRequest{"To": "+3", "From": "+2"}, DelaySeconds: 1}}},
	}
	handles, err := store.SaveAll(context.Background(), windows)
	if err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	if diff := cmp.Diff([]models.WindowHandle{"batch.csv-0.json", "batch.csv-1.json"}, handles); diff != "" {
		t.Fatalf("handles mismatch (-want +got):\n%s", diff)
	}

	got, err := Load(context.Background(), blobs, "holding", handles[1])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(windows[1], got); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAllStopsOnFailure(t *testing.T) {
	blobs, err := blobstore.NewFS(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	store, _ := New(&failingBlobs{Store: blobs, failOn: "m-1.json"}, "holding", zerolog.Nop())

	_, err = store.SaveAll(context.Background(), []models.Window{
		{ManifestID: "m", Index: 0}, {ManifestID: "m", Index: 1}, {ManifestID: "m", Index: 2},
	})
	if err == nil {
		t.Fatalf("expected save failure")
	}
	if _, err := blobs.Get(context.Background(), "holding", "m-2.json"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("windows after the failure must not be written, got %v", err)
	}
}

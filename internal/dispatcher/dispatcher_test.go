package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/windowstore"
)

type sentItem struct {
	record models.DispatchRecord
	delay  time.Duration
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []sentItem
	failTo string
}

func (s *recordingSender) Send(_ context.Context, body []byte, delay time.Duration) (string, error) {
	var rec models.DispatchRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return "", err
	}
	if rec.Params.Recipient() == s.failTo {
		return "", errors.New("queue unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentItem{record: rec, delay: delay})
	return "id", nil
}

func setup(t *testing.T, sender Sender) (*Dispatcher, *blobstore.FS) {
	t.Helper()
	blobs, err := blobstore.NewFS(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	d, err := New(Config{ProcessBucket: "process", Concurrency: 4}, Dependencies{
		Blobs:  blobs,
		Queue:  sender,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, blobs
}

func storeWindow(t *testing.T, blobs blobstore.Store, w models.Window) models.WindowHandle {
	t.Helper()
	ws, _ := windowstore.New(blobs, "process", zerolog.Nop())
	h, err := ws.Save(context.Background(), w)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return h
}

func TestDispatchEnqueuesWithDelays(t *testing.T) {
	sender := &recordingSender{}
	d, blobs := setup(t, sender)
	h := storeWindow(t, blobs, models.Window{ManifestID: "m.csv", Index: 0, Items: []models.WindowItem{
		{Params: models.MessageRequest{"To": "+1", "From": "+9"}, DelaySeconds: 1},
		{Params: models.MessageRequest{"To": "+2", "From": "+9"}, DelaySeconds: 1},
		{Params: models.MessageRequest{"To": "+3", "From": "+9"}, DelaySeconds: 2},
	}})

	res := d.Dispatch(context.Background(), h)
	if res.Err != nil || res.Total != 3 || res.Enqueued != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	sort.Slice(sender.sent, func(i, j int) bool { return sender.sent[i].record.Position < sender.sent[j].record.Position })
	wantDelays := []time.Duration{time.Second, time.Second, 2 * time.Second}
	for i, item := range sender.sent {
		if item.delay != wantDelays[i] {
			t.Fatalf("item %d delay %s, want %s", i, item.delay, wantDelays[i])
		}
		if item.record.ManifestID != "m.csv" || item.record.DelaySeconds != int(wantDelays[i]/time.Second) {
			t.Fatalf("unexpected record %+v", item.record)
		}
	}

	got, err := d.Tracker().WaitDrained(context.Background(), h)
	if err != nil || got.Enqueued != 3 {
		t.Fatalf("tracker result %+v, %v", got, err)
	}
}

func TestDispatchContinuesPastFailedItems(t *testing.T) {
	sender := &recordingSender{failTo: "+2"}
	d, blobs := setup(t, sender)
	h := storeWindow(t, blobs, models.Window{ManifestID: "m", Items: []models.WindowItem{
		{Params: models.MessageRequest{"To": "+1", "From": "+9"}, DelaySeconds: 1},
		{Params: models.MessageRequest{"To": "+2", "From": "+9"}, DelaySeconds: 2},
		{Params: models.MessageRequest{"To": "+3", "From": "+9"}, DelaySeconds: 3},
	}})

	res := d.Dispatch(context.Background(), h)
	if res.Enqueued != 2 || res.Failed != 1 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchMissingWindowReportsError(t *testing.T) {
	d, _ := setup(t, &recordingSender{})
	res := d.Dispatch(context.Background(), "missing-0.json")
	if !errors.Is(res.Err, blobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", res.Err)
	}
	got, err := d.Tracker().WaitDrained(context.Background(), "missing-0.json")
	if err != nil || got.Err == nil {
		t.Fatalf("waiter must see the load error, got %+v %v", got, err)
	}
}

func TestHandleObjectIgnoresOtherBuckets(t *testing.T) {
	sender := &recordingSender{}
	d, _ := setup(t, sender)
	if err := d.HandleObject(context.Background(), blobstore.ObjectEvent{Bucket: "holding", Key: "x-0.json"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends")
	}
}

func TestTrackerWaitBeforeMark(t *testing.T) {
	tr := NewTracker()
	done := make(chan Result, 1)
	go func() {
		res, _ := tr.WaitDrained(context.Background(), "w")
		done <- res
	}()
	time.Sleep(10 * time.Millisecond)
	tr.MarkDrained(Result{Handle: "w", Total: 5, Enqueued: 5})

	select {
	case res := <-done:
		if res.Total != 5 {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
}

func TestTrackerWaitHonoursContext(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := tr.WaitDrained(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

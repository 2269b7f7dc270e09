package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/queue"
)

type staticDepth queue.Depth

func (s staticDepth) Depth(context.Context) (queue.Depth, error) { return queue.Depth(s), nil }

func TestSampleQueueDepthSetsGauge(t *testing.T) {
	job := SampleQueueDepth(staticDepth{Visible: 4, Delayed: 7, InFlight: 2})
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("delayed")); got != 7 {
		t.Fatalf("delayed gauge = %v, want 7", got)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("in_flight")); got != 2 {
		t.Fatalf("in_flight gauge = %v, want 2", got)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	if err := s.Every("not a spec", "depth", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected invalid spec error")
	}
	if err := s.Every("@every 30s", "depth", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{201: "2xx", 400: "4xx", 429: "4xx", 503: "5xx", 599: "5xx", 0: "other"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d) = %s, want %s", status, got, want)
		}
	}
}

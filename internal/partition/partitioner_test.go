package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

func makeMessages(n int) []models.MessageRequest {
	out := make([]models.MessageRequest, n)
	for i := range out {
		out[i] = models.MessageRequest{"To": fmt.Sprintf("+1%09d", i), "From": "+15550000"}
	}
	return out
}

func delaysOf(w models.Window) []int {
	out := make([]int, len(w.Items))
	for i, item := range w.Items {
		out[i] = item.DelaySeconds
	}
	return out
}

func TestPartitionSmallManifest(t *testing.T) {
	windows, err := Partition(makeMessages(3), "batch.csv", 1, DefaultWindowSeconds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if diff := cmp.Diff([]int{1, 2, 3}, delaysOf(windows[0])); diff != "" {
		t.Fatalf("delays mismatch (-want +got):\n%s", diff)
	}
	if windows[0].ManifestID != "batch.csv" || windows[0].Index != 0 {
		t.Fatalf("unexpected window identity %+v", windows[0])
	}
}

func TestPartitionSpillsIntoSecondWindow(t *testing.T) {
	windows, err := Partition(makeMessages(1801), "batch.json", 2, DefaultWindowSeconds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Len() != 1800 || windows[1].Len() != 1 {
		t.Fatalf("unexpected sizes %d/%d", windows[0].Len(), windows[1].Len())
	}
	for j, item := range windows[0].Items {
		if want := (j + 2) / 2; item.DelaySeconds != want {
			t.Fatalf("item %d: delay %d, want %d", j, item.DelaySeconds, want)
		}
	}
	if windows[0].Items[1799].DelaySeconds != 900 {
		t.Fatalf("last delay of full window = %d, want 900", windows[0].Items[1799].DelaySeconds)
	}
	if windows[1].Items[0].DelaySeconds != 1 || windows[1].Index != 1 {
		t.Fatalf("second window restarts numbering: %+v", windows[1].Items[0])
	}
}

func TestPartitionProperties(t *testing.T) {
	cases := []struct {
		n, rate, window int
	}{
		{0, 1, 900}, {1, 1, 900}, {900, 1, 900}, {901, 1, 900},
		{7, 3, 2}, {6, 3, 2}, {100, 7, 5}, {25, 1, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n%d_rate%d_window%d", tc.n, tc.rate, tc.window), func(t *testing.T) {
			msgs := makeMessages(tc.n)
			windows, err := Partition(msgs, "m", tc.rate, tc.window)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			capacity := tc.rate * tc.window
			if want := (tc.n + capacity - 1) / capacity; len(windows) != want {
				t.Fatalf("window count %d, want %d", len(windows), want)
			}

			var flattened []models.MessageRequest
			for i, w := range windows {
				if w.Len() > capacity || w.Len() == 0 {
					t.Fatalf("window %d size %d outside (0,%d]", i, w.Len(), capacity)
				}
				if i < len(windows)-1 && w.Len() != capacity {
					t.Fatalf("non-final window %d is short: %d", i, w.Len())
				}
				prev := 0
				perSecond := map[int]int{}
				for _, item := range w.Items {
					if item.DelaySeconds < prev {
						t.Fatalf("delays decrease in window %d", i)
					}
					prev = item.DelaySeconds
					perSecond[item.DelaySeconds]++
					if perSecond[item.DelaySeconds] > tc.rate {
						t.Fatalf("more than %d items share delay %d", tc.rate, item.DelaySeconds)
					}
					flattened = append(flattened, item.Params)
				}
				if w.Len() > 0 && w.Items[0].DelaySeconds != 1 {
					t.Fatalf("window %d does not start at delay 1", i)
				}
			}
			if diff := cmp.Diff(msgs, flattened, cmp.Comparer(func(a, b models.MessageRequest) bool {
				return a.Recipient() == b.Recipient()
			})); diff != "" && tc.n > 0 {
				t.Fatalf("order not preserved:\n%s", diff)
			}
		})
	}
}

func TestPartitionRejectsInvalidRate(t *testing.T) {
	if _, err := Partition(makeMessages(1), "m", 0, 900); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := Partition(makeMessages(1), "m", -3, 900); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := Partition(makeMessages(1), "m", 1, 0); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	windows, err := Partition(nil, "m", 5, 900)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 0 {
		t.Fatalf("expected no windows, got %d", len(windows))
	}
}

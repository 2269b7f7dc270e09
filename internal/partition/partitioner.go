// Package partition splits a manifest into rate-bounded windows.
package partition

import (
	"errors"
	"fmt"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// DefaultWindowSeconds is the release interval between windows. It matches
// the longest delay a queue message can carry.
const DefaultWindowSeconds = 900

var (
	// ErrInvalidRate is returned when rate is not positive.
	ErrInvalidRate = errors.New("partition: rate must be > 0")
	// ErrInvalidWindow is returned when the window duration is not positive.
	ErrInvalidWindow = errors.New("partition: window duration must be > 0")
)

// Capacity returns how many messages one window holds.
func Capacity(rate, windowSeconds int) int {
	return rate * windowSeconds
}

// DelaySeconds returns the send delay of the item at local position j of a
// window: ceil((j+1)/rate).
func DelaySeconds(j, rate int) int {
	return j/rate + 1
}

// WindowCount returns ceil(n/capacity).
func WindowCount(n, capacity int) int {
	if n <= 0 {
		return 0
	}
	return (n + capacity - 1) / capacity
}

// Partition splits messages into consecutive windows of at most
// rate*windowSeconds items, preserving input order, and assigns each item its
// delay within the window. An empty input yields no windows.
func Partition(messages []models.MessageRequest, manifestID string, rate, windowSeconds int) ([]models.Window, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRate, rate)
	}
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, windowSeconds)
	}

	capacity := Capacity(rate, windowSeconds)
	windows := make([]models.Window, 0, WindowCount(len(messages), capacity))
	for start, index := 0, 0; start < len(messages); start, index = start+capacity, index+1 {
		end := start + capacity
		if end > len(messages) {
			end = len(messages)
		}
		items := make([]models.WindowItem, 0, end-start)
		for j, msg := range messages[start:end] {
			items = append(items, models.WindowItem{
				Params:       msg,
				DelaySeconds: DelaySeconds(j, rate),
			})
		}
		windows = append(windows, models.Window{
			ManifestID: manifestID,
			Index:      index,
			Items:      items,
		})
	}
	return windows, nil
}

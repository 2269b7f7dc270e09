// Package windowstore persists partitioned windows and loads them back by
// handle.
package windowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Store writes windows into the holding bucket.
type Store struct {
	blobs  blobstore.Store
	bucket string
	logger zerolog.Logger
}

// New returns a Store writing to bucket.
func New(blobs blobstore.Store, bucket string, logger zerolog.Logger) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("windowstore: blob store is required")
	}
	if bucket == "" {
		return nil, errors.New("windowstore: bucket is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Store{blobs: blobs, bucket: bucket, logger: logger}, nil
}

// HandleFor returns the key used for window index of manifestID.
func HandleFor(manifestID string, index int) models.WindowHandle {
	return models.WindowHandle(fmt.Sprintf("%s-%d.json", manifestID, index))
}

// Save persists one window and returns its handle.
func (s *Store) Save(ctx context.Context, w models.Window) (models.WindowHandle, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("windowstore: marshal window %d: %w", w.Index, err)
	}
	handle := HandleFor(w.ManifestID, w.Index)
	if err := s.blobs.Put(ctx, s.bucket, string(handle), data); err != nil {
		return "", fmt.Errorf("windowstore: save window %d: %w", w.Index, err)
	}
	s.logger.Debug().
		Str("manifest", w.ManifestID).
		Int("window", w.Index).
		Int("items", w.Len()).
		Msg("windowstore: window saved")
	return handle, nil
}

// SaveAll persists windows in order and stops at the first failure.
func (s *Store) SaveAll(ctx context.Context, windows []models.Window) ([]models.WindowHandle, error) {
	handles := make([]models.WindowHandle, 0, len(windows))
	for _, w := range windows {
		h, err := s.Save(ctx, w)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Load reads a window from any bucket, usually the process bucket after
// release.
func Load(ctx context.Context, blobs blobstore.Store, bucket string, handle models.WindowHandle) (models.Window, error) {
	data, err := blobs.Get(ctx, bucket, string(handle))
	if err != nil {
		return models.Window{}, fmt.Errorf("windowstore: load %s: %w", handle, err)
	}
	var w models.Window
	if err := json.Unmarshal(data, &w); err != nil {
		return models.Window{}, fmt.Errorf("windowstore: decode %s: %w", handle, err)
	}
	return w, nil
}

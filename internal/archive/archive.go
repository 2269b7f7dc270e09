// Package archive keeps the raw envelope of every API attempt in the
// destination bucket, grouped by day and status.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
)

// Key returns "YYYY-MM-DD/<status>/<millis>-<sid>.json" for accepted
// messages and "YYYY-MM-DD/<status>/<millis>-<code>-<suffix>.json" otherwise.
// The date is taken in UTC.
func Key(env models.ResponseEnvelope, now time.Time, suffix string) string {
	now = now.UTC()
	prefix := fmt.Sprintf("%s/%d/%d", now.Format(time.DateOnly), env.Status, now.UnixMilli())
	if sid := env.Fields().SID; env.Succeeded() && sid != "" {
		return prefix + "-" + sanitize(sid) + ".json"
	}
	return prefix + "-" + sanitize(env.ErrorCode()) + "-" + suffix + ".json"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, s)
}

// Archiver writes envelopes to one bucket.
type Archiver struct {
	blobs  blobstore.Store
	bucket string
	logger zerolog.Logger
	now    func() time.Time
	suffix func() string
}

// Option customises an Archiver.
type Option func(*Archiver)

// WithClock overrides the clock used for keys.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSuffix overrides the random suffix generator used for failure keys.
func WithSuffix(fn func() string) Option {
	return func(a *Archiver) {
		if fn != nil {
			a.suffix = fn
		}
	}
}

// New returns an Archiver for bucket.
func New(blobs blobstore.Store, bucket string, logger zerolog.Logger, opts ...Option) (*Archiver, error) {
	if blobs == nil {
		return nil, errors.New("archive: blob store is required")
	}
	if bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	a := &Archiver{
		blobs:  blobs,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
		suffix: randomSuffix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Archive stores env and returns its key.
func (a *Archiver) Archive(ctx context.Context, env models.ResponseEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("archive: marshal envelope: %w", err)
	}
	key := Key(env, a.now(), a.suffix())
	if err := a.blobs.Put(ctx, a.bucket, key, data); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	a.logger.Debug().Str("bucket", a.bucket).Str("key", key).Msg("archive: envelope stored")
	return key, nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:5]
}

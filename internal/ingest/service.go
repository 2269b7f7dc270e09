// Package ingest turns a manifest that landed in the source bucket into
// stored windows and a running execution.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/manifest"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/metrics"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/models"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/partition"
)

// ErrManifestTooLarge is returned when a manifest exceeds Config.MaxBytes.
var ErrManifestTooLarge = errors.New("ingest: manifest too large")

// WindowSaver persists windows and returns their handles in order.
type WindowSaver interface {
	SaveAll(ctx context.Context, windows []models.Window) ([]models.WindowHandle, error)
}

// Starter begins an execution over a list of window handles.
type Starter interface {
	StartExecution(ctx context.Context, manifestID string, input models.ExecutionInput) (string, error)
}

// Config holds the partitioning parameters.
type Config struct {
	SourceBucket  string
	Rate          int
	WindowSeconds int
	MaxBytes      int64
}

// Dependencies are the service's collaborators.
type Dependencies struct {
	Blobs      blobstore.Store
	Windows    WindowSaver
	Executions Starter
	Logger     zerolog.Logger
}

// Report summarises one ingested manifest.
type Report struct {
	ManifestID  string
	Format      manifest.Format
	Accepted    int
	Rejected    []*manifest.ParseError
	Windows     int
	ExecutionID string
}

// Service runs the ingest pipeline.
type Service struct {
	cfg        Config
	blobs      blobstore.Store
	windows    WindowSaver
	executions Starter
	logger     zerolog.Logger
}

// New validates cfg and deps. Invalid rate or window settings fail here
// rather than on the first manifest.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if cfg.SourceBucket == "" {
		return nil, errors.New("ingest: source bucket must be provided")
	}
	if cfg.Rate <= 0 {
		return nil, partition.ErrInvalidRate
	}
	if cfg.WindowSeconds <= 0 {
		return nil, partition.ErrInvalidWindow
	}
	if deps.Blobs == nil {
		return nil, errors.New("ingest: blob store dependency is required")
	}
	if deps.Windows == nil {
		return nil, errors.New("ingest: window store dependency is required")
	}
	if deps.Executions == nil {
		return nil, errors.New("ingest: execution starter dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{
		cfg:        cfg,
		blobs:      deps.Blobs,
		windows:    deps.Windows,
		executions: deps.Executions,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// HandleObject is the blobstore.Handler for the source bucket.
func (s *Service) HandleObject(ctx context.Context, ev blobstore.ObjectEvent) error {
	if ev.Bucket != s.cfg.SourceBucket {
		return nil
	}
	_, err := s.Ingest(ctx, ev.Bucket, ev.Key)
	return err
}

// Ingest reads bucket/key, partitions it and starts an execution. A manifest
// without any valid row produces no windows and no execution.
func (s *Service) Ingest(ctx context.Context, bucket, key string) (Report, error) {
	rep := Report{ManifestID: ManifestID(key)}
	log := s.logger.With().Str("bucket", bucket).Str("key", key).Logger()

	format, err := manifest.FormatFromKey(key)
	if err != nil {
		metrics.ManifestsIngested.WithLabelValues("unknown", "error").Inc()
		log.Warn().Err(err).Msg("ingest: skipping object")
		return rep, err
	}
	rep.Format = format

	fail := func(err error) (Report, error) {
		metrics.ManifestsIngested.WithLabelValues(string(format), "error").Inc()
		log.Error().Err(err).Msg("ingest: manifest failed")
		return rep, err
	}

	data, err := s.blobs.Get(ctx, bucket, key)
	if err != nil {
		return fail(fmt.Errorf("ingest: read manifest: %w", err))
	}
	if s.cfg.MaxBytes > 0 && int64(len(data)) > s.cfg.MaxBytes {
		return fail(fmt.Errorf("%w: %d bytes", ErrManifestTooLarge, len(data)))
	}

	res, err := manifest.Parse(data, format)
	if err != nil {
		return fail(err)
	}
	rep.Accepted = len(res.Messages)
	rep.Rejected = res.Errors
	if n := len(res.Errors); n > 0 {
		metrics.ManifestRowsRejected.WithLabelValues(string(format)).Add(float64(n))
		for _, pe := range res.Errors {
			log.Warn().Int("line", pe.Line).Str("reason", pe.Reason).Msg("ingest: row rejected")
		}
	}

	windows, err := partition.Partition(res.Messages, rep.ManifestID, s.cfg.Rate, s.cfg.WindowSeconds)
	if err != nil {
		return fail(err)
	}
	if len(windows) == 0 {
		metrics.ManifestsIngested.WithLabelValues(string(format), "empty").Inc()
		log.Info().Int("rejected", len(res.Errors)).Msg("ingest: manifest has no messages, nothing to dispatch")
		return rep, nil
	}

	handles, err := s.windows.SaveAll(ctx, windows)
	if err != nil {
		return fail(err)
	}
	rep.Windows = len(handles)
	metrics.WindowsCreated.Add(float64(len(handles)))

	id, err := s.executions.StartExecution(ctx, rep.ManifestID, models.ExecutionInput{
		Payload: models.NewSequencerState(handles),
	})
	if err != nil {
		return fail(fmt.Errorf("ingest: start execution: %w", err))
	}
	rep.ExecutionID = id

	metrics.ManifestsIngested.WithLabelValues(string(format), "ok").Inc()
	log.Info().
		Str("manifest", rep.ManifestID).
		Int("messages", rep.Accepted).
		Int("rejected", len(rep.Rejected)).
		Int("windows", rep.Windows).
		Str("execution", id).
		Msg("ingest: manifest accepted")
	return rep, nil
}

// ManifestID derives the window name prefix from an object key by dropping
// its extension.
func ManifestID(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// Package httpapi exposes manifest upload, execution status, health and
// metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/manifest"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/orchestrator"
)

// ObjectWriter stores uploaded manifests.
type ObjectWriter interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
}

// ExecutionReader looks up execution state.
type ExecutionReader interface {
	Execution(ctx context.Context, id string) (orchestrator.Execution, error)
}

// Config controls the API surface.
type Config struct {
	SourceBucket   string
	MaxBytes       int64
	RequestTimeout time.Duration
}

// Dependencies are the handlers' collaborators. Health is optional and is
// consulted by /healthz.
type Dependencies struct {
	Blobs      ObjectWriter
	Executions ExecutionReader
	Health     func(ctx context.Context) error
	Logger     zerolog.Logger
}

type api struct {
	cfg      Config
	deps     Dependencies
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg Config, deps Dependencies) (http.Handler, error) {
	if cfg.SourceBucket == "" {
		return nil, errors.New("httpapi: source bucket must be provided")
	}
	if deps.Blobs == nil {
		return nil, errors.New("httpapi: blob store dependency is required")
	}
	if deps.Executions == nil {
		return nil, errors.New("httpapi: execution reader dependency is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	a := &api{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/manifests/{name}", a.uploadManifest)
		v1.Get("/executions/{id}", a.getExecution)
	})
	return r, nil
}

type uploadResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) uploadManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.validate.Var(name, "required,max=255,excludesall=/\\"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid manifest name"})
		return
	}
	format, err := manifest.FormatFromKey(name)
	if err != nil {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: "manifest name must end in .csv or .json"})
		return
	}

	body := r.Body
	if a.cfg.MaxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, a.cfg.MaxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "manifest too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read body"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty manifest"})
		return
	}

	if err := a.deps.Blobs.Put(r.Context(), a.cfg.SourceBucket, name, data); err != nil {
		a.logger.Error().Err(err).Str("key", name).Msg("httpapi: store manifest")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not store manifest"})
		return
	}
	a.logger.Info().
		Str("key", name).
		Int("bytes", len(data)).
		Str("request_id", chimiddleware.GetReqID(r.Context())).
		Msg("httpapi: manifest uploaded")
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Bucket: a.cfg.SourceBucket,
		Key:    name,
		Format: string(format),
		Bytes:  len(data),
	})
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := a.deps.Executions.Execution(r.Context(), id)
	switch {
	case errors.Is(err, orchestrator.ErrExecutionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "execution not found"})
	case err != nil:
		a.logger.Error().Err(err).Str("execution", id).Msg("httpapi: load execution")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not load execution"})
	default:
		writeJSON(w, http.StatusOK, exec)
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

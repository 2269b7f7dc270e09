package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/blobstore"
	"github.com/danbartlett-twilio/TwilioServerlessAPICall/internal/sequencer"
)

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("orchestrator: execution not found")

// Execution is the persisted record of one manifest run.
type Execution struct {
	ID             string             `json:"id"`
	ManifestID     string             `json:"manifest"`
	Status         Status             `json:"status"`
	Windows        int                `json:"windows"`
	Released       int                `json:"released"`
	Sequencer      sequencer.Snapshot `json:"sequencer"`
	LastError      string             `json:"lastError,omitempty"`
	StartedAt      time.Time          `json:"startedAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	LastReleasedAt time.Time          `json:"lastReleasedAt,omitempty"`
	LastDrainedAt  time.Time          `json:"lastDrainedAt,omitempty"`
}

// ExecutionStore persists executions.
type ExecutionStore interface {
	Save(ctx context.Context, exec Execution) error
	Load(ctx context.Context, id string) (Execution, error)
	List(ctx context.Context) ([]Execution, error)
}

const executionPrefix = "executions/"

// BlobExecutionStore keeps executions as JSON objects under executions/ in a
// bucket, next to the windows they drive.
type BlobExecutionStore struct {
	blobs  blobstore.Store
	bucket string
}

// NewBlobExecutionStore returns a store writing into bucket.
func NewBlobExecutionStore(blobs blobstore.Store, bucket string) *BlobExecutionStore {
	return &BlobExecutionStore{blobs: blobs, bucket: bucket}
}

func executionKey(id string) string {
	return executionPrefix + id + ".json"
}

// Save writes exec.
func (s *BlobExecutionStore) Save(ctx context.Context, exec Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal execution: %w", err)
	}
	if err := s.blobs.Put(ctx, s.bucket, executionKey(exec.ID), data); err != nil {
		return fmt.Errorf("orchestrator: save execution %s: %w", exec.ID, err)
	}
	return nil
}

// Load reads one execution.
func (s *BlobExecutionStore) Load(ctx context.Context, id string) (Execution, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return Execution{}, ErrExecutionNotFound
	}
	data, err := s.blobs.Get(ctx, s.bucket, executionKey(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Execution{}, ErrExecutionNotFound
		}
		return Execution{}, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return Execution{}, fmt.Errorf("orchestrator: decode execution %s: %w", id, err)
	}
	return exec, nil
}

// List returns every stored execution.
func (s *BlobExecutionStore) List(ctx context.Context) ([]Execution, error) {
	keys, err := s.blobs.List(ctx, s.bucket, executionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(path.Base(key), ".json")
		exec, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// Package blobstore provides bucket/key object storage on the local
// filesystem and object-created notifications for it.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const tempPrefix = ".tmp-"

// ErrNotFound is returned by Get and Copy when the source object is missing.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is the object storage used by the pipeline.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// FS stores each bucket as a directory under root. Writes go through a
// temporary file and a rename so readers and watchers never see partial
// objects.
type FS struct {
	root   string
	logger zerolog.Logger
}

// NewFS creates root if needed and returns a store rooted there.
func NewFS(root string, logger zerolog.Logger) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &FS{root: root, logger: logger}, nil
}

// BucketPath returns the directory backing bucket.
func (s *FS) BucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

// EnsureBucket creates the bucket directory.
func (s *FS) EnsureBucket(bucket string) error {
	if err := validName(bucket); err != nil {
		return err
	}
	if err := os.MkdirAll(s.BucketPath(bucket), 0o755); err != nil {
		return fmt.Errorf("blobstore: create bucket %s: %w", bucket, err)
	}
	return nil
}

// Get reads an object.
func (s *FS) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("blobstore: get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put writes an object, replacing any existing one.
func (s *FS) Put(ctx context.Context, bucket, key string, data []byte) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: put %s/%s: %w", bucket, key, err)
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: put %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("blobstore: put %s/%s: %w", bucket, key, err)
	}

	s.logger.Debug().Str("bucket", bucket).Str("key", key).Int("bytes", len(data)).Msg("blobstore: object written")
	return nil
}

// Copy duplicates an object into another bucket.
func (s *FS) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := s.Get(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	return s.Put(ctx, dstBucket, dstKey, data)
}

// List returns the sorted keys in bucket that start with prefix.
func (s *FS) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := validName(bucket); err != nil {
		return nil, err
	}
	base := s.BucketPath(bucket)
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %s: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// keyFor converts an absolute file path inside bucket back into its key.
func (s *FS) keyFor(bucket, p string) (string, bool) {
	rel, err := filepath.Rel(s.BucketPath(bucket), p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (s *FS) objectPath(bucket, key string) (string, error) {
	if err := validName(bucket); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	if strings.HasPrefix(path.Base(clean), tempPrefix) {
		return "", fmt.Errorf("blobstore: reserved key %q", key)
	}
	return filepath.Join(s.BucketPath(bucket), filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func validName(bucket string) error {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return fmt.Errorf("blobstore: invalid bucket name %q", bucket)
	}
	return nil
}

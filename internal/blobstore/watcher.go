package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ObjectEvent announces that an object was created in a bucket.
type ObjectEvent struct {
	Bucket string
	Key    string
	At     time.Time
}

// Handler consumes object-created events. Errors are logged by the watcher.
type Handler func(ctx context.Context, ev ObjectEvent) error

// DefaultSettle is how long a file must go without writes before it is
// reported.
const DefaultSettle = 500 * time.Millisecond

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// settling tracks a file that was created or written and not reported yet.
type settling struct {
	timer *time.Timer
	size  int64
}

// Watcher turns filesystem events in one bucket into ObjectEvents. A file is
// reported once it has stopped changing for the settle period, so objects
// copied in place by other tools are only seen complete. Events are
// delivered to the handler one at a time.
type Watcher struct {
	store   *FS
	bucket  string
	handler Handler
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	now     func() time.Time
	settle  time.Duration

	pending map[string]*settling
	ready   chan string
	stop    chan struct{}
}

// NewWatcher subscribes handler to objects created in bucket.
func NewWatcher(store *FS, bucket string, handler Handler, logger zerolog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("blobstore watcher: store is required")
	}
	if handler == nil {
		return nil, errors.New("blobstore watcher: handler is required")
	}
	if err := store.EnsureBucket(bucket); err != nil {
		return nil, err
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("blobstore watcher: create: %w", err)
	}

	w := &Watcher{
		store:   store,
		bucket:  bucket,
		handler: handler,
		logger:  logger.With().Str("bucket", bucket).Logger(),
		watcher: fw,
		now:     time.Now,
		settle:  DefaultSettle,
		pending: make(map[string]*settling),
		ready:   make(chan string, 64),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.addTree(store.BucketPath(bucket)); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer close(w.stop)
	defer func() {
		for _, p := range w.pending {
			p.timer.Stop()
		}
	}()

	w.logger.Info().Msg("blobstore watcher: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("blobstore watcher: fsnotify error")
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case name := <-w.ready:
			w.settled(ctx, name)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), tempPrefix) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Error().Err(err).Str("path", ev.Name).Msg("blobstore watcher: failed to watch new directory")
			}
		}
		return
	}

	if p, ok := w.pending[ev.Name]; ok {
		p.size = info.Size()
		p.timer.Reset(w.settle)
		return
	}
	name := ev.Name
	p := &settling{size: info.Size()}
	p.timer = time.AfterFunc(w.settle, func() {
		select {
		case w.ready <- name:
		case <-w.stop:
		}
	})
	w.pending[name] = p
}

// settled reports name unless it changed size since its last event.
func (w *Watcher) settled(ctx context.Context, name string) {
	p, ok := w.pending[name]
	if !ok {
		return
	}
	info, err := os.Stat(name)
	if err != nil {
		delete(w.pending, name)
		return
	}
	if info.Size() != p.size {
		p.size = info.Size()
		p.timer.Reset(w.settle)
		return
	}
	delete(w.pending, name)

	key, ok := w.store.keyFor(w.bucket, name)
	if !ok {
		return
	}

	objEvent := ObjectEvent{Bucket: w.bucket, Key: key, At: w.now()}
	if err := w.handler(ctx, objEvent); err != nil {
		w.logger.Error().Err(err).Str("key", key).Msg("blobstore watcher: handler failed")
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("blobstore watcher: watch %s: %w", p, err)
		}
		return nil
	})
}

package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

const defaultDebounceDelay = 100 * time.Millisecond

// ConfigCallback receives each configuration that loads and validates.
type ConfigCallback func(*GatewayConfig)

// ErrorCallback receives watcher and reload failures.
type ErrorCallback func(error)

// Watcher reloads a configuration file when it changes on disk. A file
// that fails to load or validate is reported and the previous
// configuration stays in effect. Writes that leave the content unchanged
// are ignored.
type Watcher struct {
	path          string
	debounceDelay time.Duration
	onChange      ConfigCallback
	onError       ErrorCallback
	logger        observability.Logger

	fs      *fsnotify.Watcher
	current atomic.Pointer[GatewayConfig]
	digest  [sha256.Size]byte

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	exited   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must be quiet before reloading.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for path. Nothing is read until Start.
func NewWatcher(path string, callback ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		debounceDelay: defaultDebounceDelay,
		onChange:      callback,
		logger:        observability.NopLogger(),
		fs:            fs,
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file and watches its directory until ctx is done or
// Stop is called. The directory is watched so that editors which replace
// the file by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	if w.started.Load() {
		return nil
	}

	data, cfg, err := w.load()
	if err != nil {
		return err
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	w.digest = sha256.Sum256(data)
	w.current.Store(cfg)
	w.logger.Info("watching configuration file", observability.String("path", w.path))

	go w.loop(ctx)
	return nil
}

// Stop ends watching and releases the underlying notifier. It is safe to
// call more than once and before Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		if w.started.Load() {
			<-w.exited
		}
		err = w.fs.Close()
	})
	return err
}

// GetLastConfig returns the configuration most recently accepted, or nil
// before a successful Start.
func (w *Watcher) GetLastConfig() *GatewayConfig {
	return w.current.Load()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.exited)

	timer := time.NewTimer(w.debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher exiting", observability.Error(ctx.Err()))
			return
		case <-w.done:
			w.logger.Debug("config watcher stopped")
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounceDelay)
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail("config watcher error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, cfg, err := w.load()
	if err != nil {
		w.fail("configuration reload rejected, keeping previous", err)
		return
	}

	sum := sha256.Sum256(data)
	if sum == w.digest {
		w.logger.Debug("configuration file touched without changes")
		return
	}
	w.digest = sum
	w.current.Store(cfg)

	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func (w *Watcher) load() ([]byte, *GatewayConfig, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	return data, cfg, nil
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}

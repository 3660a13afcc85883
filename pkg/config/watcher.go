package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReloadDelay is the debounce window between a file change and the
// reload it triggers.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives a freshly loaded scenario.
type ReloadFunc func(*Scenario) error

// Watcher reloads a scenario file when it changes on disk.
type Watcher struct {
	logger zerolog.Logger
	delay  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher. A zero delay selects DefaultReloadDelay.
func NewWatcher(logger *zerolog.Logger, delay time.Duration) *Watcher {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	return &Watcher{
		logger: l.With().Str("component", "config_watcher").Logger(),
		delay:  delay,
	}
}

// Watch starts watching path and calls reloadFn with every valid version
// written to it. Invalid versions are logged and skipped. Watching stops
// when ctx is done or Stop is called.
func (w *Watcher) Watch(ctx context.Context, path string, reloadFn ReloadFunc) error {
	path = filepath.Clean(path)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw, path, reloadFn)

	w.logger.Info().Str("path", path).Dur("delay", w.delay).Msg("Started watching scenario")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, path string, reloadFn ReloadFunc) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Scenario changed")
			w.schedule(func() { w.reload(path, reloadFn) })

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, fn)
}

func (w *Watcher) reload(path string, reloadFn ReloadFunc) {
	s, err := Load(path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring invalid scenario")
		return
	}
	if err := reloadFn(s); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply scenario")
		return
	}
	w.logger.Info().Str("scenario", s.Name).Msg("Scenario reloaded")
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

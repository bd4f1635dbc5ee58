package clockconf

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platformconf/platformconf/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the watcher waits after the last change
// before re-reading the file.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the result of every reload.
type ReloadFunc func(cfg ParsedConfig, err error)

// Watcher re-parses a clock configuration file whenever it changes.
type Watcher struct {
	path     string
	opts     []Option
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	// reloadMu keeps reloads and their callbacks from overlapping when one
	// outlasts the debounce delay.
	reloadMu sync.Mutex
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, opts ...Option) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		opts:     opts,
		debounce: DefaultDebounce,
		logger:   log.With().Str("component", "clockconf-watcher").Logger(),
	}
}

// SetDebounce overrides the debounce delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Watch loads the file once, then reloads it on every write, create or
// rename in its directory until ctx is cancelled. The parent directory is
// watched so that atomically replaced files are picked up. Every reload
// publishes a clock.reloaded or clock.invalid event when ctx carries
// telemetry.
func (w *Watcher) Watch(ctx context.Context, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	w.reload(ctx, fn)

	go w.processEvents(ctx, fn)

	w.logger.Info().Str("path", w.path).Msg("Watching clock configuration")
	return nil
}

func (w *Watcher) reload(ctx context.Context, fn ReloadFunc) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	fn(w.load(ctx))
}

func (w *Watcher) load(ctx context.Context) (ParsedConfig, error) {
	cfg, err := Load(ctx, LocalReader{}, w.path, w.opts...)

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		if err != nil {
			tel.Events.PublishClockInvalid(w.path, err.Error())
		} else {
			tel.Events.PublishClockReloaded(w.path, len(cfg))
		}
	}

	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Clock configuration reload failed")
	} else {
		w.logger.Debug().Str("path", w.path).Int("sections", len(cfg)).Msg("Clock configuration reloaded")
	}
	return cfg, err
}

func (w *Watcher) processEvents(ctx context.Context, fn ReloadFunc) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			w.mu.Lock()
			_ = w.watcher.Close()
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Clock configuration changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.debounce, func() {
				w.reload(ctx, fn)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

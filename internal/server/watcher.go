package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay coalesces the burst of events editors emit on save.
const debounceDelay = 100 * time.Millisecond

// Watcher watches one file and calls onChange after it is written.
//
// The parent directory is watched rather than the file itself so that
// editors which save by renaming a temp file over the original keep
// triggering events.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(path string) error
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(string) error, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  fsWatcher,
		path:     abs,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceDelay)
				} else {
					timer.Reset(debounceDelay)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				w.logger.Debug("watched file changed", zap.String("path", w.path))
				if err := w.onChange(w.path); err != nil {
					w.logger.Warn("reload failed", zap.String("path", w.path), zap.Error(err))
				}

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))

			case <-w.done:
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

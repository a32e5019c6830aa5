package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of writes from editors saving the file.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads a settings file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger
	onChange func(Settings)

	fs *fsnotify.Watcher

	mu      sync.Mutex
	current Settings
	timer   *time.Timer
	stopped bool
}

// NewWatcher watches the directory holding path, since editors often replace
// the file instead of writing it in place. onChange receives every
// successfully reloaded value; parse failures are logged and the previous
// settings stay current.
func NewWatcher(path string, initial Settings, debounce time.Duration, log *zap.Logger, onChange func(Settings)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		log:      log.With(zap.String("config", abs)),
		onChange: onChange,
		fs:       fw,
		current:  initial,
	}, nil
}

// Current returns the last loaded settings.
func (w *Watcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes file events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		w.log.Warn("keeping previous settings", zap.Error(err))
		return
	}
	w.mu.Lock()
	if w.stopped || s == w.current {
		w.mu.Unlock()
		return
	}
	w.current = s
	w.mu.Unlock()

	w.log.Info("settings reloaded", zap.String("endpoint", s.Endpoint), zap.String("auth", string(s.Auth.Type)))
	if w.onChange != nil {
		w.onChange(s)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// Close stops the watcher. Run returns once it observes the closed channels.
func (w *Watcher) Close() error {
	w.stop()
	return w.fs.Close()
}

// Package watcher reports changes to the loaded source file on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// FileWatcher follows a single file. Watching a new path replaces the
// previous one. The parent directory is watched so that editors which
// replace files by rename are still seen.
type FileWatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	callback func(path string, event EventType)
	watcher  *fsnotify.Watcher
	path     string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewFileWatcher(logger *slog.Logger) *FileWatcher {
	return &FileWatcher{logger: logger}
}

func (w *FileWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

// Watch starts following path until ctx is done or Stop is called.
func (w *FileWatcher) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return fmt.Errorf("watch directory %s: %w", filepath.Dir(abs), err)
	}

	if err := w.Stop(); err != nil {
		w.logger.Warn("failed to stop previous watch", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.watcher = fw
	w.path = abs
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.run(ctx, fw, abs, done)

	w.logger.Info("watching source file", "path", abs)
	return nil
}

// Path returns the file currently watched, if any.
func (w *FileWatcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Stop ends the current watch and waits for its goroutine to exit.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	fw, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done, w.path = nil, nil, nil, ""
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	cancel()
	err := fw.Close()
	<-done
	return err
}

func (w *FileWatcher) run(ctx context.Context, fw *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			kind, ok := classify(event.Op)
			if !ok {
				continue
			}
			w.logger.Debug("source file changed", "path", path, "event", kind)
			w.mu.Lock()
			cb := w.callback
			w.mu.Unlock()
			if cb != nil {
				cb(path, kind)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify watcher error", "error", err)
		}
	}
}

func classify(op fsnotify.Op) (EventType, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventDelete, true
	case op.Has(fsnotify.Write):
		return EventModify, true
	case op.Has(fsnotify.Create):
		return EventCreate, true
	default:
		return 0, false
	}
}

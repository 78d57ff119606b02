package pipeline

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// Watcher watches a directory tree and emits FileEvents.
type Watcher interface {
	Start(ctx context.Context, root string) error
	Stop() error
	Events() <-chan FileEvent
	Errors() <-chan error
}

// FsWatcher implements Watcher on top of fsnotify, recursively
// watching every directory under root.
type FsWatcher struct {
	fsw    *fsnotify.Watcher
	root   string
	events chan FileEvent
	errs   chan error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFsWatcher creates an FsWatcher with a buffered event channel.
func NewFsWatcher(bufferSize int) (*FsWatcher, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, substrateerrors.New(substrateerrors.ErrCodeInternal, "create fsnotify watcher", err)
	}
	return &FsWatcher{
		fsw:    fsw,
		events: make(chan FileEvent, bufferSize),
		errs:   make(chan error, bufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins watching root and every subdirectory, running until ctx
// is done or Stop is called.
func (w *FsWatcher) Start(ctx context.Context, root string) error {
	w.root = root
	if err := w.addRecursive(root); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *FsWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				slog.Warn("pipeline watcher failed to watch directory", slog.String("path", path), slog.Any("error", addErr))
			}
		}
		return nil
	})
}

func (w *FsWatcher) loop(ctx context.Context) {
	defer close(w.events)
	defer close(w.errs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *FsWatcher) handle(ev fsnotify.Event) {
	isDir := false
	if info, statErr := os.Stat(ev.Name); statErr == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreated
		if isDir {
			if err := w.fsw.Add(ev.Name); err != nil {
				slog.Warn("pipeline watcher failed to add new directory", slog.String("path", ev.Name), slog.Any("error", err))
			}
			return
		}
	case ev.Op&fsnotify.Write != 0:
		op = OpModified
	case ev.Op&fsnotify.Remove != 0:
		op = OpDeleted
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a rename under the old name; the new name, if
		// watched, arrives as its own Create. The old path is gone.
		op = OpDeleted
	default:
		return
	}

	fe := FileEvent{Path: ev.Name, Operation: op, Timestamp: time.Now()}
	select {
	case w.events <- fe:
	default:
		slog.Warn("pipeline watcher event buffer full, dropping event", slog.String("path", ev.Name))
	}
}

// Stop stops the watcher. Safe to call more than once.
func (w *FsWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.fsw.Close()
}

// Events returns the channel of observed file events.
func (w *FsWatcher) Events() <-chan FileEvent { return w.events }

// Errors returns the channel of non-fatal watch errors.
func (w *FsWatcher) Errors() <-chan error { return w.errs }

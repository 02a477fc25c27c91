package reconciler

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

// Watcher reports lock files appearing and disappearing under the oracle's
// roots. Directories created after Start are watched too.
type Watcher struct {
	oracle  *LockFileOracle
	watcher *fsnotify.Watcher
	onEvent func(path string, open bool)
	logger  logging.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches every directory under oracle.Roots. onEvent receives
// the document path the lock file refers to.
func NewWatcher(oracle *LockFileOracle, logger logging.Logger, onEvent func(path string, open bool)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		oracle:  oracle,
		watcher: fw,
		onEvent: onEvent,
		logger:  logging.OrNop(logger).With("component", "lock_watcher"),
		done:    make(chan struct{}),
	}
	for _, root := range oracle.Roots {
		if err := w.watchDirRecursive(root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) watchDirRecursive(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if w.skipped(d.Name()) {
			return filepath.SkipDir
		}
		_ = w.watcher.Add(path)
		return nil
	})
}

func (w *Watcher) skipped(name string) bool {
	for _, skip := range w.oracle.SkipDirs {
		if name == skip {
			return true
		}
	}
	return false
}

// Run processes events until ctx ends or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lock watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := statDir(event.Name); err == nil && info && !w.skipped(filepath.Base(event.Name)) {
			if err := w.watchDirRecursive(event.Name); err != nil {
				w.logger.Debug("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	doc := w.oracle.DocumentFor(event.Name)
	if doc == "" {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		w.onEvent(doc, true)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.onEvent(doc, false)
	}
}

func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

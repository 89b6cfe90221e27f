package tester

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/albertocavalcante/skykit/internal/starlark/loader"
)

// Watcher reports changes to a set of files. It watches their directories
// rather than the files themselves, so editors that save by renaming a
// temporary file over the original are still seen.
type Watcher struct {
	mu sync.RWMutex

	fsWatcher *fsnotify.Watcher
	files     map[string]bool
	dirs      map[string]bool
	logger    *zap.Logger

	// Events receives one event per write, create or rename of a watched
	// file.
	Events chan WatchEvent

	// Errors receives watcher errors.
	Errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// WatchEvent represents a file change event.
type WatchEvent struct {
	File string
	Op   fsnotify.Op
}

// NewWatcher starts a watcher with nothing registered.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		files:     make(map[string]bool),
		dirs:      make(map[string]bool),
		logger:    logger,
		Events:    make(chan WatchEvent, 100),
		Errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Add watches files. Adding a file twice is a no-op.
func (w *Watcher) Add(files ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("getting absolute path: %w", err)
		}
		if w.files[abs] {
			continue
		}
		dir := filepath.Dir(abs)
		if !w.dirs[dir] {
			if err := w.fsWatcher.Add(dir); err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			w.dirs[dir] = true
		}
		w.files[abs] = true
	}
	return nil
}

// Remove stops reporting changes to file.
func (w *Watcher) Remove(file string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	delete(w.files, abs)

	dir := filepath.Dir(abs)
	for f := range w.files {
		if filepath.Dir(f) == dir {
			return nil
		}
	}
	if w.dirs[dir] {
		delete(w.dirs, dir)
		return w.fsWatcher.Remove(dir)
	}
	return nil
}

// WatchedFiles returns the watched files, sorted.
func (w *Watcher) WatchedFiles() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	files := make([]string, 0, len(w.files))
	for f := range w.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	w.mu.RLock()
	watched := w.files[abs]
	w.mu.RUnlock()
	if !watched {
		return
	}

	w.logger.Debug("file changed", zap.String("path", abs), zap.Stringer("op", event.Op))
	select {
	case w.Events <- WatchEvent{File: abs, Op: event.Op}:
	case <-w.done:
	}
}

// Affected evicts changed and everything that loaded it from l, and returns
// the test files among testFiles that must run again.
func Affected(l *loader.Loader, changed string, testFiles []string) []string {
	abs, err := filepath.Abs(changed)
	if err != nil {
		return nil
	}
	hit := map[string]bool{abs: true}
	for _, dep := range l.Dependents(abs) {
		hit[dep] = true
	}
	l.Invalidate(abs)

	var out []string
	for _, tf := range testFiles {
		if a, err := filepath.Abs(tf); err == nil && hit[a] {
			out = append(out, tf)
		}
	}
	return out
}

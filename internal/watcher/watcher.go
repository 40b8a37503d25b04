// Package watcher reports filesystem mutations under a WatchSet as an
// ordered stream of ChangeEvents.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/logging"
)

const defaultBufferSize = 256

// Watcher watches one WatchSet. fsnotify is not recursive, so every
// directory below a recursive root is registered individually, including
// directories created after Start.
type Watcher struct {
	set     WatchSet
	fsw     *fsnotify.Watcher
	events  chan ChangeEvent
	ignores []string
	logger  logging.Logger

	mutex   sync.RWMutex
	roots   map[string]bool
	files   map[string]bool
	watched map[string]bool
	skipped []string
	started bool
	closed  bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for setup warnings and watcher errors.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithIgnore drops events whose path, relative to its watch root, matches
// one of the doublestar patterns.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignores = append(w.ignores, patterns...)
	}
}

// WithBufferSize sets the capacity of the events channel.
func WithBufferSize(size int) Option {
	return func(w *Watcher) {
		if size > 0 {
			w.events = make(chan ChangeEvent, size)
		}
	}
}

// New creates a watcher for set. Nothing is registered until Start.
func New(set WatchSet, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		set:     set,
		events:  make(chan ChangeEvent, defaultBufferSize),
		logger:  logging.NewNopLogger(),
		roots:   make(map[string]bool),
		files:   make(map[string]bool),
		watched: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, pattern := range w.ignores {
		if _, err := doublestar.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s watcher: %w", set.Name, err)
	}
	w.fsw = fsw
	w.logger = w.logger.WithComponent("watcher").With("set", set.Name)

	return w, nil
}

// Events returns the channel ChangeEvents are delivered on. It is closed
// when the watcher stops.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Skipped returns the paths that could not be watched at startup.
func (w *Watcher) Skipped() []string {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	out := make([]string, len(w.skipped))
	copy(out, w.skipped)
	return out
}

// Watched returns the number of directories registered with fsnotify.
func (w *Watcher) Watched() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.watched)
}

// Start registers every path of the set and begins delivering events.
// A path that does not exist is skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	w.mutex.Lock()
	if w.started || w.closed {
		w.mutex.Unlock()
		return fmt.Errorf("%s watcher already started or closed", w.set.Name)
	}
	w.started = true
	w.mutex.Unlock()

	for _, path := range w.set.Paths {
		if err := w.register(path); err != nil {
			w.logger.Warn(ctx, err, "Skipping watch path", "path", path)
			w.mutex.Lock()
			w.skipped = append(w.skipped, path)
			w.mutex.Unlock()
		}
	}

	w.logger.Debug(ctx, "Watching", "paths", len(w.set.Paths)-len(w.Skipped()), "directories", w.Watched())

	go w.watchLoop(ctx)

	return nil
}

// Close stops the watcher and releases the fsnotify instance.
func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mutex.Unlock()

	err := w.fsw.Close()
	if !started {
		close(w.events)
	}
	return err
}

func (w *Watcher) register(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return liveerrors.NewWatchSetupError(path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return liveerrors.NewWatchSetupError(path, err)
	}

	if !info.IsDir() {
		// Watch the parent so atomic replace-by-rename keeps reporting.
		w.mutex.Lock()
		w.files[abs] = true
		w.mutex.Unlock()
		if err := w.addDir(filepath.Dir(abs)); err != nil {
			return liveerrors.NewWatchSetupError(path, err)
		}
		return nil
	}

	w.mutex.Lock()
	w.roots[abs] = true
	w.mutex.Unlock()

	if !w.set.Recursive {
		if err := w.addDir(abs); err != nil {
			return liveerrors.NewWatchSetupError(path, err)
		}
		return nil
	}

	if _, err := w.addTree(abs, abs); err != nil {
		return liveerrors.NewWatchSetupError(path, err)
	}
	return nil
}

// addTree registers dir and every directory below it. Ignore patterns are
// matched relative to root. It returns the entries already present below
// dir.
func (w *Watcher) addTree(root, dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path != dir {
			if w.ignored(root, path) {
				if entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			found = append(found, path)
		}
		if !entry.IsDir() {
			return nil
		}
		return w.addDir(path)
	})
	return found, err
}

func (w *Watcher) addDir(dir string) error {
	w.mutex.Lock()
	if w.watched[dir] {
		w.mutex.Unlock()
		return nil
	}
	w.watched[dir] = true
	w.mutex.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		w.mutex.Lock()
		delete(w.watched, dir)
		w.mutex.Unlock()
		return err
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.handleFsnotifyEvent(ctx, event) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Log error but continue watching
			w.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

// handleFsnotifyEvent converts and forwards one event. It returns false
// when ctx ended while waiting for the consumer.
func (w *Watcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) bool {
	kind, ok := kindOf(event.Op)
	if !ok {
		return true
	}

	path := event.Name
	root, ok := w.match(path)
	if !ok {
		return true
	}
	if w.ignored(root, path) {
		return true
	}

	var existing []string
	switch kind {
	case KindCreated:
		if w.set.Recursive && w.isRoot(root) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				found, err := w.addTree(root, path)
				if err != nil {
					w.logger.Warn(ctx, err, "Failed to watch new directory", "path", path)
				}
				existing = found
			}
		}
	case KindDeleted:
		w.mutex.Lock()
		delete(w.watched, path)
		w.mutex.Unlock()
	}

	if !w.emit(ctx, ChangeEvent{Path: path, Kind: kind, Time: time.Now()}) {
		return false
	}

	// Entries written into a new directory before it was registered
	// produce no fsnotify event of their own.
	for _, entry := range existing {
		if !w.emit(ctx, ChangeEvent{Path: entry, Kind: KindCreated, Time: time.Now()}) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(ctx context.Context, change ChangeEvent) bool {
	select {
	case w.events <- change:
		return true
	case <-ctx.Done():
		return false
	}
}

// match returns the watch entry (root directory or file) that path belongs to.
func (w *Watcher) match(path string) (string, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if w.files[path] {
		return path, true
	}

	for root := range w.roots {
		if path == root {
			return root, true
		}
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if w.set.Recursive || filepath.Dir(path) == root {
			return root, true
		}
	}

	return "", false
}

func (w *Watcher) isRoot(path string) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.roots[path]
}

func (w *Watcher) ignored(root, path string) bool {
	if len(w.ignores) == 0 {
		return false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		rel = filepath.Base(path)
	}
	normalized := filepath.ToSlash(rel)

	for _, pattern := range w.ignores {
		if matched, err := doublestar.Match(pattern, normalized); err == nil && matched {
			return true
		}
	}
	return false
}

// kindOf maps fsnotify operations onto change kinds. A rename reports the
// old name as deleted; the new name arrives as a separate create.
func kindOf(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated, true
	case op.Has(fsnotify.Write):
		return KindModified, true
	case op.Has(fsnotify.Remove):
		return KindDeleted, true
	case op.Has(fsnotify.Rename):
		return KindDeleted, true
	default:
		return 0, false
	}
}

// Package watch observes a workspace tree for file changes. Directories
// are watched recursively, new directories are picked up as they appear,
// and glob patterns filter which files produce events.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// Event represents one observed file change.
type Event struct {
	// Path is the absolute path to the changed file.
	Path string

	// Op is the operation that triggered the event.
	Op Operation

	// Time is when the event was observed.
	Time time.Time
}

// Operation represents the type of file operation.
type Operation int

const (
	// OpWrite indicates the file was modified.
	OpWrite Operation = iota

	// OpCreate indicates a new file was created.
	OpCreate

	// OpRemove indicates the file was deleted.
	OpRemove

	// OpRename indicates the file was renamed away.
	OpRename
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Option configures a Watcher during construction.
type Option func(*Watcher) error

// Include adds file patterns to watch. Patterns match the path relative
// to the root, or the bare file name. Without includes, every file not
// excluded produces events.
func Include(patterns ...string) Option {
	return func(w *Watcher) (err error) {
		w.includes, err = appendPatterns(w.includes, patterns...)
		return
	}
}

// Exclude adds patterns that suppress events. A pattern matching any
// path segment excludes the file; excluded directories are not descended
// into. Without excludes, hidden entries, node_modules and vendor are
// excluded.
func Exclude(patterns ...string) Option {
	return func(w *Watcher) (err error) {
		w.excludes, err = appendPatterns(w.excludes, patterns...)
		return
	}
}

// WithLogger attaches a logger for drop and error reporting.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) error {
		w.logger = logger
		return nil
	}
}

func appendPatterns(seq []glob.Glob, patterns ...string) ([]glob.Glob, error) {
	for _, pattern := range patterns {
		rx, err := glob.Compile(pattern, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, pattern)
		}
		seq = append(seq, rx)
	}
	return seq, nil
}

// Watcher monitors a directory tree for changes.
type Watcher struct {
	root     string
	includes []glob.Glob
	excludes []glob.Glob
	logger   zerolog.Logger

	fs         *fsnotify.Watcher
	events     chan Event
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// Start watches root recursively with the provided options.
func Start(root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving watch root: %w", err)
	}

	w := &Watcher{
		root:       abs,
		logger:     zerolog.Nop(),
		events:     make(chan Event, 64),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if len(w.excludes) == 0 {
		w.excludes = []glob.Glob{
			glob.MustCompile(".*"),
			glob.MustCompile("node_modules"),
			glob.MustCompile("vendor"),
		}
	}

	w.fs, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting watcher: %w", err)
	}
	if err := w.addTree(abs); err != nil {
		w.fs.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Events returns the change stream. It is closed on shutdown.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Shutdown stops the watcher and closes the event stream.
func (w *Watcher) Shutdown() {
	select {
	case w.shutdownCh <- struct{}{}:
		<-w.doneCh
	case <-w.doneCh:
	}
}

// addTree registers dir and its non-excluded subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != w.root && w.excludedSegment(filepath.Base(path)) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) run() {
	defer func() {
		w.fs.Close()
		close(w.events)
		close(w.doneCh)
	}()

	for {
		select {
		case <-w.shutdownCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.process(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) process(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Watch the new directory, no event for it.
			if !w.excludedSegment(filepath.Base(event.Name)) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Debug().Err(err).Str("dir", event.Name).Msg("watching created directory failed")
				}
			}
			return
		}
		w.emit(event.Name, OpCreate)
		return
	}

	switch {
	case event.Has(fsnotify.Write):
		w.emit(event.Name, OpWrite)
	case event.Has(fsnotify.Remove):
		w.fs.Remove(event.Name)
		w.emit(event.Name, OpRemove)
	case event.Has(fsnotify.Rename):
		w.emit(event.Name, OpRename)
	}
}

// emit applies the filters and forwards the event without blocking the
// notification loop. A full channel drops the event.
func (w *Watcher) emit(path string, op Operation) {
	if !w.include(path) {
		return
	}

	select {
	case w.events <- Event{Path: path, Op: op, Time: time.Now()}:
	default:
		w.logger.Debug().Str("path", path).Str("op", op.String()).Msg("event channel full, dropping change")
	}
}

// include reports whether the path passes the include and exclude
// patterns. Excludes test every path segment under the root; includes
// test the relative path and the file name.
func (w *Watcher) include(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}

	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if w.excludedSegment(segment) {
			return false
		}
	}

	if len(w.includes) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, rx := range w.includes {
		if rx.Match(rel) || rx.Match(base) {
			return true
		}
	}
	return false
}

func (w *Watcher) excludedSegment(segment string) bool {
	for _, rx := range w.excludes {
		if rx.Match(segment) {
			return true
		}
	}
	return false
}

// Package watch reports debounced filesystem changes under a directory.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a batch is delivered.
const DefaultDebounce = 100 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more changes. Zero means
	// DefaultDebounce.
	Debounce time.Duration
	// Ignore reports whether a slash-separated path relative to the root
	// (with a leading "/") should be skipped.
	Ignore func(rel string) bool
	Logger *slog.Logger
}

// Watcher watches a directory tree.
//
// Thread Safety: Run must be called once. The callback runs on Run's
// goroutine, so batches never overlap.
type Watcher struct {
	root    string
	opts    Options
	watcher *fsnotify.Watcher
}

// New creates a watcher for root and registers every directory below it.
func New(root string, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, opts: opts, watcher: fw}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(r)
}

func (w *Watcher) ignored(p string) bool {
	return w.opts.Ignore != nil && w.opts.Ignore(w.rel(p))
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && w.ignored(p) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

// Run delivers batches of changed paths (relative, "/"-prefixed, sorted)
// to fn until ctx ends. The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, fn func(paths []string)) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.opts.Logger.Debug("watch new directory failed", "path", ev.Name, "error", err)
					}
				}
			}
			pending[w.rel(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("watch error", "root", w.root, "error", err)

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			fn(paths)
		}
	}
}

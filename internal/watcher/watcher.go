// Package watcher keeps the index in sync with directories on disk using
// fsnotify, debouncing bursts of writes to the same file.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/pkg/utils"
)

const defaultDebounce = 500 * time.Millisecond

// Sink receives file changes. *indexer.Indexer implements it.
type Sink interface {
	Accept(root, path string) bool
	IndexFile(ctx context.Context, path string) (bool, error)
	RemoveFile(ctx context.Context, path string) (int, error)
}

// Watcher watches root directories recursively.
type Watcher struct {
	sink     Sink
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	ctx    context.Context
	roots  map[string][]string // root -> watched dirs
	timers map[string]*time.Timer

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = utils.OrNop(l) }
}

// WithDebounce sets how long a file must be quiet before it is reindexed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher that reports changes to sink.
func New(sink Sink, opts ...Option) *Watcher {
	w := &Watcher{
		sink:     sink,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		roots:    make(map[string][]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching roots. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context, roots ...string) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.ctx = ctx
	w.mu.Unlock()

	for _, root := range roots {
		if err := w.AddDirectory(root, false); err != nil {
			w.Stop()
			return err
		}
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	root, ok := w.rootOf(ev.Name)
	if !ok {
		return
	}
	w.logger.Debug("watch event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.addNested(root, ev.Name)
			return
		}
		if w.sink.Accept(root, ev.Name) {
			w.schedule(ev.Name)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
		if w.sink.Accept(root, ev.Name) {
			w.dispatch(func(ctx context.Context) {
				if _, err := w.sink.RemoveFile(ctx, ev.Name); err != nil {
					w.logger.Warn("failed to remove file", zap.String("path", ev.Name), zap.Error(err))
				}
			})
		}
	}
}

// addNested watches a directory created under root and indexes what it already holds.
func (w *Watcher) addNested(root, dir string) {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	added := w.watchTreeLocked(dir)
	w.roots[root] = append(w.roots[root], added...)
	w.mu.Unlock()
	w.sync(root, dir)
}

// watchTreeLocked adds dir and its subdirectories to fsnotify.
func (w *Watcher) watchTreeLocked(dir string) []string {
	var added []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		added = append(added, path)
		return nil
	})
	return added
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.dispatch(func(ctx context.Context) { w.index(ctx, path) })
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

// dispatch runs fn with the watcher context unless the watcher has stopped.
func (w *Watcher) dispatch(fn func(ctx context.Context)) {
	w.mu.Lock()
	ctx := w.ctx
	running := w.fsw != nil
	if running {
		w.wg.Add(1)
	}
	w.mu.Unlock()
	if !running {
		return
	}
	defer w.wg.Done()
	fn(ctx)
}

func (w *Watcher) index(ctx context.Context, path string) {
	indexed, err := w.sink.IndexFile(ctx, path)
	switch {
	case err != nil:
		w.logger.Warn("failed to index file", zap.String("path", path), zap.Error(err))
	case indexed:
		w.logger.Info("file reindexed", zap.String("path", path))
	}
}

func (w *Watcher) sync(root, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.sink.Accept(root, path) {
			return nil
		}
		w.dispatch(func(ctx context.Context) { w.index(ctx, path) })
		return nil
	})
}

func (w *Watcher) rootOf(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clean := filepath.Clean(path)
	best := ""
	for root := range w.roots {
		if (clean == root || strings.HasPrefix(clean, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best, best != ""
}

// AddDirectory starts watching root, creating it when missing. With
// syncExisting, files already present are indexed in the background.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return err
	}
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return errors.New("watcher not started")
	}
	if _, ok := w.roots[abs]; ok {
		w.mu.Unlock()
		return nil
	}
	if err := w.fsw.Add(abs); err != nil {
		w.mu.Unlock()
		return err
	}
	w.roots[abs] = w.watchTreeLocked(abs)
	w.mu.Unlock()
	w.logger.Info("watching directory", zap.String("path", abs), zap.Bool("sync", syncExisting))
	if syncExisting {
		go w.sync(abs, abs)
	}
	return nil
}

// RemoveDirectory stops watching root. Indexed items are left in place.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs, ok := w.roots[abs]
	if !ok || w.fsw == nil {
		return nil
	}
	for _, d := range dirs {
		_ = w.fsw.Remove(d)
	}
	delete(w.roots, abs)
	w.logger.Info("stopped watching directory", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots, sorted.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.roots))
	for root := range w.roots {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Stop releases the fsnotify watcher and waits for in-flight index calls.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

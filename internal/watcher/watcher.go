// Package watcher re-ingests source files when they change on disk.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/pkg/utils"
)

const (
	defaultDebounce = 400 * time.Millisecond
	// contendedRetry re-arms a file whose source lock was held when its event fired.
	contendedRetry = 2 * time.Second
)

// Handler receives debounced source events. An error of kind LockContention from
// either method schedules the same event for the file again.
type Handler interface {
	SourceChanged(ctx context.Context, path string) error
	SourceRemoved(ctx context.Context, path string) error
}

// Watcher watches directory trees and calls its Handler for accepted files.
type Watcher struct {
	handler   Handler
	accept    func(path string) bool
	recursive bool
	debounce  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	roots   []string
	fsw     *fsnotify.Watcher
	pending map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must be quiet before its change is delivered.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRecursive controls whether subdirectories are watched. Default true.
func WithRecursive(recursive bool) Option {
	return func(w *Watcher) { w.recursive = recursive }
}

// WithFilter restricts events to paths accepted by fn. Default accepts every file.
func WithFilter(fn func(path string) bool) Option {
	return func(w *Watcher) { w.accept = fn }
}

// New creates a watcher over roots. Call Start to begin watching.
func New(roots []string, h Handler, opts ...Option) *Watcher {
	w := &Watcher{
		handler:   h,
		accept:    func(string) bool { return true },
		recursive: true,
		debounce:  defaultDebounce,
		pending:   make(map[string]*time.Timer),
	}
	for _, r := range roots {
		w.roots = append(w.roots, filepath.Clean(r))
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.OrNop(w.logger)
	return w
}

// Start begins watching. Roots that do not exist are created. The watcher runs
// until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	for _, root := range w.roots {
		if err := w.watchTreeLocked(root); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.logger.Info("watching directories", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))
	w.wg.Add(1)
	go w.run(w.ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if ev.Has(fsnotify.Create) && w.recursive && !hidden(path) {
				w.addSubtree(path)
			}
			return
		}
		if w.accept(path) {
			w.schedule(path, w.debounce)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancelPending(path)
		if w.accept(path) {
			w.deliverRemove(path)
		}
	}
}

// addSubtree watches a directory created under a root and schedules the files
// already in it, since they may have been written before the watch was added.
func (w *Watcher) addSubtree(dir string) {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	if err := w.watchTreeLocked(dir); err != nil {
		w.logger.Warn("failed to watch new directory", zap.String("path", dir), zap.Error(err))
	}
	w.mu.Unlock()
	for _, p := range w.scan(dir) {
		w.schedule(p, w.debounce)
	}
}

func (w *Watcher) watchTreeLocked(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if !w.recursive {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) schedule(path string, after time.Duration) {
	w.arm(path, after, w.deliverChange)
}

// arm replaces any pending event for path with deliver after the given delay.
// A file has at most one pending event, so a later change overrides a removal
// still waiting on the lock and vice versa.
func (w *Watcher) arm(path string, after time.Duration, deliver func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(after, func() { deliver(path) })
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) deliverChange(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	ctx := w.ctx
	if w.fsw == nil || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	err := w.handler.SourceChanged(ctx, path)
	switch {
	case err == nil:
	case fault.Is(err, fault.LockContention):
		w.logger.Debug("source busy, rescheduling", zap.String("path", path))
		w.schedule(path, contendedRetry)
	default:
		w.logger.Warn("ingesting changed source failed", zap.String("path", path), zap.Error(err))
	}
}

func (w *Watcher) deliverRemove(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	ctx := w.ctx
	if w.fsw == nil || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	err := w.handler.SourceRemoved(ctx, path)
	switch {
	case err == nil:
	case fault.Is(err, fault.LockContention):
		// Usually the file is still being ingested; its rows must go once that run ends.
		w.logger.Debug("source busy, rescheduling removal", zap.String("path", path))
		w.arm(path, contendedRetry, w.deliverRemove)
	default:
		w.logger.Warn("removing deleted source failed", zap.String("path", path), zap.Error(err))
	}
}

// Sync delivers every accepted file under the roots as changed, in path order.
// Call it after Start to pick up files written while nothing was watching.
func (w *Watcher) Sync(ctx context.Context) {
	for _, root := range w.Directories() {
		for _, p := range w.scan(root) {
			if ctx.Err() != nil {
				return
			}
			if err := w.handler.SourceChanged(ctx, p); err != nil {
				w.logger.Warn("sync ingest failed", zap.String("path", p), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) scan(root string) []string {
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (hidden(path) || !w.recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.accept(path) {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// AddDirectory starts watching another root.
func (w *Watcher) AddDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.roots {
		if r == abs {
			return nil
		}
	}
	if w.fsw != nil {
		if err := w.watchTreeLocked(abs); err != nil {
			return err
		}
	}
	w.roots = append(w.roots, abs)
	w.logger.Info("watch directory added", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// Stop stops watching, drops pending events and waits for in-flight handler calls.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.cancel()
	_ = w.fsw.Close()
	w.fsw = nil
	w.mu.Unlock()
	w.wg.Wait()
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

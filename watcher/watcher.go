// Package watcher reports files that appear in a directory once they stop
// changing.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long a file must go without writes before it is
// reported.
const DefaultSettleDelay = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	SettleDelay time.Duration
	// IncludeHidden reports dotfiles too. Editors and partial downloads
	// commonly use them, so they are skipped by default.
	IncludeHidden bool
	Logger        *slog.Logger
}

// Watcher emits the path of every regular file created or rewritten in one
// directory.
type Watcher struct {
	dir    string
	opts   Options
	logger *slog.Logger

	fs     *fsnotify.Watcher
	files  chan string
	errors chan error

	mu      sync.Mutex
	pending map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts watching dir.
func New(ctx context.Context, dir string, opts Options) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %q: not a directory", dir)
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %q: %w", dir, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		dir:     dir,
		opts:    opts,
		logger:  opts.Logger.With("component", "watcher"),
		fs:      fsw,
		files:   make(chan string, 64),
		errors:  make(chan error, 8),
		pending: make(map[string]*time.Timer),
		ctx:     wctx,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watching directory", "path", dir)
	return w, nil
}

// Files delivers settled file paths. It is closed by Close.
func (w *Watcher) Files() <-chan string {
	return w.files
}

// Errors delivers watcher errors. It is closed by Close.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops watching and closes both channels.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()

		w.mu.Lock()
		for _, t := range w.pending {
			t.Stop()
		}
		w.pending = nil
		w.mu.Unlock()

		err = w.fs.Close()
		w.wg.Wait()
		close(w.files)
		close(w.errors)
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("watcher error dropped", "error", err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !w.opts.IncludeHidden && strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	w.schedule(ev.Name)
}

// schedule restarts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.SettleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.SettleDelay, func() { w.settle(path) })
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	if w.pending == nil {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	select {
	case w.files <- path:
	case <-w.ctx.Done():
	}
}

// Package watchdir is an acquirer: it watches a local directory and admits
// every file that appears (or is rewritten) into a kernel.Kernel via
// AddFile, once its size has settled.
//
// Grounded on noisefs's FileWatcher (pkg/sync/file_watcher.go): the
// fsnotify.Watcher plus per-path debounce-timer-map idiom there is kept
// here almost unchanged, narrowed from a generic sync-event taxonomy down
// to the single "admit this file" action the kernel's acquirer role needs.
package watchdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

// Options configures a Watcher.
type Options struct {
	SettleWindow time.Duration // how long a file's size must be stable before admission, default 300ms
	Logger       kernel.Logger
}

func (o *Options) withDefaults() {
	if o.SettleWindow <= 0 {
		o.SettleWindow = 300 * time.Millisecond
	}
}

// Watcher watches one directory (non-recursively) and calls k.AddFile for
// every regular file that appears or is rewritten in it.
type Watcher struct {
	dir    string
	kernel *kernel.Kernel
	opts   Options

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Watcher for dir. Start must be called to begin watching.
func New(dir string, k *kernel.Kernel, opts Options) (*Watcher, error) {
	opts.withDefaults()
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("watchdir: %w", err)
	}
	return &Watcher{
		dir:    dir,
		kernel: k,
		opts:   opts,
		timers: map[string]*time.Timer{},
	}, nil
}

// Start begins watching the configured directory in a background goroutine.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watchdir: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watchdir: watch %q: %w", w.dir, err)
	}

	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.stopped = make(chan struct{})

	go w.loop()
	return nil
}

// Stop stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.stopped

	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()

	return w.fsw.Close()
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.opts.Logger != nil {
				w.opts.Logger.Warnf("watchdir: %v", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	if timer, exists := w.timers[event.Name]; exists {
		timer.Stop()
	}
	w.timers[event.Name] = time.AfterFunc(w.opts.SettleWindow, func() {
		w.admit(event.Name)
		w.mu.Lock()
		delete(w.timers, event.Name)
		w.mu.Unlock()
	})
	w.mu.Unlock()
}

func (w *Watcher) admit(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	size := info.Size()
	modTime := info.ModTime()
	_, err = w.kernel.AddFile(kernel.NewFile{
		Source:       path,
		Name:         filepath.Base(path),
		Size:         &size,
		LastModified: &modTime,
		Data:         localFile{path: path},
	})
	if err != nil && w.opts.Logger != nil {
		w.opts.Logger.Warnf("watchdir: could not admit %q: %v", path, err)
	}
}

// localFile is a store.FileData backed by a path on disk. It also
// implements azureblob.Pather so files discovered this way can be routed
// through the Azure block-blob uploader.
type localFile struct{ path string }

func (f localFile) Path() string { return f.path }

func (f localFile) Open() (store.ReadCloser, error) {
	return os.Open(f.path)
}

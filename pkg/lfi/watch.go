package lfi

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"syncmesh/pkg/hashutil"
)

// debounceDelay is how long a raw filesystem event waits, per path, before
// the compare/hash routine runs on it.
const debounceDelay = 500 * time.Millisecond

// dirWatcher installs an fsnotify watch on root and every subdirectory,
// debouncing raw events per path and gating overlapping fires with a
// processing set.
type dirWatcher struct {
	root   string
	logger *zap.Logger
	sync   func(relPath string)
	fsw    *fsnotify.Watcher

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool

	done chan struct{}
}

func newDirWatcher(root string, logger *zap.Logger, sync func(relPath string)) (*dirWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &dirWatcher{
		root:       root,
		logger:     logger,
		sync:       sync,
		fsw:        fsw,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		done:       make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *dirWatcher) addTree(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			sub := filepath.Join(dir, entry.Name())
			if err := w.addTree(sub); err != nil {
				w.logger.Warn("failed to watch subdirectory", zap.String("path", sub), zap.Error(err))
			}
		}
	}
	return nil
}

func (w *dirWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *dirWatcher) handleRaw(event fsnotify.Event) {
	rel, err := hashutil.NormalizeRelPath(w.root, event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(debounceDelay, func() { w.fire(rel, event.Name) })
	w.mu.Unlock()
}

func (w *dirWatcher) fire(rel, absPath string) {
	w.mu.Lock()
	if w.processing[rel] {
		w.mu.Unlock()
		return
	}
	w.processing[rel] = true
	delete(w.timers, rel)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.processing, rel)
		w.mu.Unlock()
	}()

	if isDir, err := statDir(absPath); err == nil && isDir {
		if err := w.addTree(absPath); err != nil {
			w.logger.Warn("failed to watch new subdirectory", zap.String("path", absPath), zap.Error(err))
		}
		return
	}

	w.sync(rel)
}

func (w *dirWatcher) Close() {
	close(w.done)
	w.fsw.Close()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

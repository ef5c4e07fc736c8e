// Package lfi is the local file index: it scans and watches a directory,
// maintains a log-backed cache of path -> FileRecord, and emits
// added/changed/removed events, gated by an injected busy-file check so it
// never touches a path that is a live transfer endpoint.
package lfi

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"syncmesh/pkg/eventbus"
	"syncmesh/pkg/hashutil"
	"syncmesh/pkg/logstore"
	"syncmesh/pkg/types"
)

// Event names emitted on the Index's own Bus. Node subscribes to these and
// republishes them as LOCAL_FILE_* on its own event bus.
const (
	EventAdded   eventbus.Name = "FILE_ADDED"
	EventChanged eventbus.Name = "FILE_CHANGED"
	EventRemoved eventbus.Name = "FILE_REMOVED"
)

// AddedPayload is FILE_ADDED's payload.
type AddedPayload struct {
	Path string
	Hash string
}

// ChangedPayload is FILE_CHANGED's payload.
type ChangedPayload struct {
	Path     string
	PrevHash string
	Hash     string
}

// RemovedPayload is FILE_REMOVED's payload.
type RemovedPayload struct {
	Path string
}

// Options configures a new Index.
type Options struct {
	WatchPath    string
	Log          *logstore.Log
	Logger       *zap.Logger
	IsBusy       func(drivePath string) bool
	PollInterval time.Duration
	WatchEnabled bool
}

// Index is the local file index over one watch directory.
type Index struct {
	watchPath string
	log       *logstore.Log
	logger    *zap.Logger
	bus       *eventbus.Bus
	isBusy    func(drivePath string) bool

	mu    sync.RWMutex
	cache map[string]types.FileRecord

	polling atomic.Bool

	pollInterval time.Duration
	cronSched    *cron.Cron

	watchEnabled bool
	watcher      *dirWatcher
}

// New builds an Index; call Open to load the cache and start scheduled work.
func New(opts Options) *Index {
	if opts.IsBusy == nil {
		opts.IsBusy = func(string) bool { return false }
	}
	return &Index{
		watchPath:    opts.WatchPath,
		log:          opts.Log,
		logger:       opts.Logger,
		bus:          eventbus.New(),
		isBusy:       opts.IsBusy,
		cache:        make(map[string]types.FileRecord),
		pollInterval: opts.PollInterval,
		watchEnabled: opts.WatchEnabled,
	}
}

// Bus exposes the Index's own event bus (FILE_ADDED/CHANGED/REMOVED) for
// Node to subscribe to.
func (idx *Index) Bus() *eventbus.Bus { return idx.bus }

// Open loads the in-memory cache from the log and starts the poll scheduler
// and, if enabled, the filesystem watcher.
func (idx *Index) Open() error {
	idx.mu.Lock()
	for _, rec := range idx.log.List() {
		idx.cache[rec.Path] = rec
	}
	idx.mu.Unlock()

	if idx.pollInterval > 0 {
		idx.cronSched = cron.New()
		if _, err := idx.cronSched.AddFunc(fmt.Sprintf("@every %s", idx.pollInterval), idx.PollOnce); err != nil {
			return fmt.Errorf("schedule poll loop: %w", err)
		}
		idx.cronSched.Start()
		idx.logger.Info("poll scheduler started", zap.Duration("interval", idx.pollInterval))
	}

	if idx.watchEnabled {
		w, err := newDirWatcher(idx.watchPath, idx.logger, idx.syncPath)
		if err != nil {
			return fmt.Errorf("start filesystem watcher: %w", err)
		}
		idx.watcher = w
		idx.logger.Info("filesystem watcher started", zap.String("path", idx.watchPath))
	}

	return nil
}

// Close stops the poll scheduler and filesystem watcher. Idempotent.
func (idx *Index) Close() {
	if idx.cronSched != nil {
		idx.cronSched.Stop()
	}
	if idx.watcher != nil {
		idx.watcher.Close()
	}
}

// List returns a snapshot of every currently cached record, sorted by path.
func (idx *Index) List() []types.FileRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]types.FileRecord, 0, len(idx.cache))
	for _, rec := range idx.cache {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Get returns the cached record for path, if present.
func (idx *Index) Get(path string) (types.FileRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.cache[path]
	return rec, ok
}

// IsBusy reports whether path is an endpoint of an in-flight transfer.
func (idx *Index) IsBusy(path string) bool {
	return idx.isBusy(hashutil.DrivePath(path))
}

// PollOnce performs one full recursive scan of the watch path. It is
// reentrant-safe: if a scan is already running, it returns immediately
// without scheduling a second one.
func (idx *Index) PollOnce() {
	if !idx.polling.CompareAndSwap(false, true) {
		return
	}
	defer idx.polling.Store(false)

	seen := make(map[string]bool)
	err := filepath.WalkDir(idx.watchPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			idx.logger.Warn("skip unreadable path during scan", zap.String("path", p), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := hashutil.NormalizeRelPath(idx.watchPath, p)
		if err != nil {
			idx.logger.Warn("skip path with bad relative form", zap.String("path", p), zap.Error(err))
			return nil
		}
		seen[rel] = true
		idx.syncPath(rel)
		return nil
	})
	if err != nil {
		idx.logger.Warn("scan aborted", zap.Error(err))
	}

	idx.mu.RLock()
	var stale []string
	for path := range idx.cache {
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	idx.mu.RUnlock()

	for _, path := range stale {
		idx.removeIfNotBusy(path)
	}
}

// syncPath applies the compare/hash routine to a single relative path,
// shared by both the poller and the filesystem watcher so a given change is
// reported exactly once regardless of which source detects it first.
func (idx *Index) syncPath(relPath string) {
	if idx.IsBusy(relPath) {
		return
	}

	absPath := hashutil.ToNativePath(idx.watchPath, relPath)
	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		idx.removeIfNotBusy(relPath)
		return
	}
	if err != nil {
		idx.logger.Warn("skip unreadable file", zap.String("path", relPath), zap.Error(err))
		return
	}
	if info.IsDir() {
		return
	}

	size := info.Size()
	modified := float64(info.ModTime().UnixMilli())

	idx.mu.RLock()
	cached, hadCached := idx.cache[relPath]
	idx.mu.RUnlock()

	if hadCached && cached.Size == size && cached.Modified == modified {
		return
	}

	hash, err := hashutil.HashFile(absPath)
	if err != nil {
		idx.logger.Warn("hash failed, will retry next scan", zap.String("path", relPath), zap.Error(err))
		return
	}

	rec := types.FileRecord{Path: relPath, Size: size, Modified: modified, Hash: hash}

	if hadCached && cached.Hash == hash {
		// size/mtime moved but content didn't: update the cache silently,
		// no event, per the emission rule.
		idx.mu.Lock()
		idx.cache[relPath] = rec
		idx.mu.Unlock()
		if err := idx.log.Put(relPath, rec); err != nil {
			idx.logger.Error("log write failed", zap.String("path", relPath), zap.Error(err))
		}
		return
	}

	if err := idx.log.Put(relPath, rec); err != nil {
		idx.logger.Error("log write failed", zap.String("path", relPath), zap.Error(err))
		return
	}

	idx.mu.Lock()
	idx.cache[relPath] = rec
	idx.mu.Unlock()

	if hadCached {
		idx.bus.Emit(EventChanged, ChangedPayload{Path: relPath, PrevHash: cached.Hash, Hash: hash})
	} else {
		idx.bus.Emit(EventAdded, AddedPayload{Path: relPath, Hash: hash})
	}
}

func (idx *Index) removeIfNotBusy(relPath string) {
	if idx.IsBusy(relPath) {
		return
	}

	idx.mu.RLock()
	_, ok := idx.cache[relPath]
	idx.mu.RUnlock()
	if !ok {
		return
	}

	if err := idx.log.Del(relPath); err != nil {
		idx.logger.Error("log tombstone write failed", zap.String("path", relPath), zap.Error(err))
		return
	}

	idx.mu.Lock()
	delete(idx.cache, relPath)
	idx.mu.Unlock()

	idx.bus.Emit(EventRemoved, RemovedPayload{Path: relPath})
}

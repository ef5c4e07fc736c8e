package logstore

import (
	"os"
	"path/filepath"
	"sync"

	"syncmesh/pkg/syncerr"
)

// Store opens one Log per name (the local log, or a mirror of one peer's
// log) and one BlobStore per per-transfer namespace, all rooted under a
// single directory holding per-concern subdirectories.
type Store struct {
	root string

	mu   sync.Mutex
	logs map[string]*Log
}

// NewStore opens (creating if needed) a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root, logs: make(map[string]*Log)}
}

// Log opens or returns the cached Log for name (e.g. "local", or a peer
// id for a mirrored remote log).
func (s *Store) Log(name string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[name]; ok {
		return l, nil
	}
	dir := filepath.Join(s.root, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "create log store directory", err)
	}
	l, err := Open(filepath.Join(dir, name+".db"))
	if err != nil {
		return nil, err
	}
	s.logs[name] = l
	return l, nil
}

// DropLog closes and forgets name's Log handle without deleting it from
// disk: on peer disconnect its entries stay on disk but are no longer
// tracked in memory.
func (s *Store) DropLog(name string) error {
	s.mu.Lock()
	l, ok := s.logs[name]
	delete(s.logs, name)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.Close(); err != nil {
		return syncerr.Wrap(syncerr.IOError, "close dropped log", err)
	}
	return nil
}

// ResetLog closes name's Log if open, deletes its on-disk file, and opens a
// fresh one starting at version zero. Used when a mirrored peer's log has
// been replaced wholesale and any accumulated history is no longer valid
// history to diff against.
func (s *Store) ResetLog(name string) (*Log, error) {
	s.mu.Lock()
	l, ok := s.logs[name]
	delete(s.logs, name)
	s.mu.Unlock()

	if ok {
		if err := l.Close(); err != nil {
			return nil, syncerr.Wrap(syncerr.IOError, "close log before reset", err)
		}
	}

	path := filepath.Join(s.root, "logs", name+".db")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, syncerr.Wrap(syncerr.IOError, "remove log file for reset", err)
	}

	return s.Log(name)
}

// Blobs opens a BlobStore for the given per-transfer namespace.
func (s *Store) Blobs(namespace string) (*BlobStore, error) {
	return NewBlobStore(filepath.Join(s.root, "blobs", namespace))
}

// Close closes every open Log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, l := range s.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, name)
	}
	return firstErr
}

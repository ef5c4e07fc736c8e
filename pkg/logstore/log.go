// Package logstore is a bbolt-backed append-only log and content-addressed
// blob store. Every peer's local index and every mirrored remote index is
// one Log; its current-value projection is a sorted key/value view over
// that log, and versioned history is kept so Diff can answer "what changed
// between version A and the head" without replaying every intermediate
// append.
package logstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"syncmesh/pkg/syncerr"
	"syncmesh/pkg/types"
)

var (
	bucketVersions = []byte("versions") // path\x00version -> record JSON | tombstone marker
	bucketLog      = []byte("log")      // bigEndian(version) -> path
	bucketMeta     = []byte("meta")     // "head" -> bigEndian(version)
)

const tombstoneMarker = "\x00tombstone"

// Log is one append-only, versioned path->FileRecord map, backed by a
// single bbolt file. Exactly one writer (the owning LFI, or the puller
// that mirrors a remote peer) should call Put/Del on a given Log; concurrent
// reads are always safe.
type Log struct {
	db   *bbolt.DB
	mu   sync.Mutex // serializes writers; bbolt itself serializes writes but we need atomic version bump + notify
	head uint64

	appendMu   sync.Mutex
	appendSubs []func(version uint64)
}

// Open creates or opens a Log at path.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "open log store", err)
	}

	l := &Log{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketVersions, bucketLog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get([]byte("head")); v != nil {
			l.head = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, syncerr.Wrap(syncerr.IOError, "initialize log store buckets", err)
	}
	return l, nil
}

// Close flushes and closes the underlying store.
func (l *Log) Close() error {
	return l.db.Close()
}

// Version returns the current append count (the log head).
func (l *Log) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// OnAppend registers a callback invoked, synchronously, after every
// successful Put/Del, with the new head version.
func (l *Log) OnAppend(fn func(version uint64)) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.appendSubs = append(l.appendSubs, fn)
}

func (l *Log) notifyAppend(version uint64) {
	l.appendMu.Lock()
	subs := append([]func(uint64){}, l.appendSubs...)
	l.appendMu.Unlock()
	for _, fn := range subs {
		fn(version)
	}
}

func versionKey(path string, version uint64) []byte {
	key := make([]byte, len(path)+1+8)
	copy(key, path)
	key[len(path)] = 0
	binary.BigEndian.PutUint64(key[len(path)+1:], version)
	return key
}

func logKey(version uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, version)
	return b
}

// Put writes rec at path, appending a new version. Callers must only emit
// a change event for path after this returns nil.
func (l *Log) Put(path string, rec types.FileRecord) error {
	return l.append(path, func() ([]byte, error) {
		return json.Marshal(rec)
	})
}

// Del writes a tombstone for path, appending a new version.
func (l *Log) Del(path string) error {
	return l.append(path, func() ([]byte, error) {
		return []byte(tombstoneMarker), nil
	})
}

func (l *Log) append(path string, encode func() ([]byte, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	value, err := encode()
	if err != nil {
		return syncerr.Wrap(syncerr.IOError, "encode log entry", err)
	}

	next := l.head + 1
	err = l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketVersions).Put(versionKey(path, next), value); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLog).Put(logKey(next), []byte(path)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte("head"), logKey(next))
	})
	if err != nil {
		return syncerr.Wrap(syncerr.IOError, "append to log", err)
	}

	l.head = next
	l.notifyAppend(next)
	return nil
}

// Get returns the current value at path, or (zero, false) if absent.
func (l *Log) Get(path string) (types.FileRecord, bool) {
	rec, ok, err := l.valueAsOf(path, l.Version())
	if err != nil {
		return types.FileRecord{}, false
	}
	return rec, ok
}

// List returns a snapshot slice of every present record, sorted by path.
func (l *Log) List() []types.FileRecord {
	head := l.Version()
	var out []types.FileRecord
	_ = l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		var lastPath string
		var lastVal []byte
		havePath := false
		flush := func() {
			if !havePath {
				return
			}
			if string(lastVal) != tombstoneMarker {
				var rec types.FileRecord
				if json.Unmarshal(lastVal, &rec) == nil {
					out = append(out, rec)
				}
			}
		}
		for k, v := c.First(); k != nil; k, v = c.Next() {
			path, ver := splitVersionKey(k)
			if ver > head {
				continue
			}
			if havePath && path != lastPath {
				flush()
				havePath = false
			}
			lastPath, lastVal, havePath = path, v, true
		}
		flush()
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func splitVersionKey(k []byte) (path string, version uint64) {
	sep := len(k) - 8 - 1
	return string(k[:sep]), binary.BigEndian.Uint64(k[sep+1:])
}

// valueAsOf returns the value of path as it stood at exactly version,
// walking backward from the newest entry <= version.
func (l *Log) valueAsOf(path string, version uint64) (types.FileRecord, bool, error) {
	var rec types.FileRecord
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		seek := versionKey(path, version+1)
		k, v := c.Seek(seek)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for k != nil {
			p, ver := splitVersionKey(k)
			if p != path {
				return nil
			}
			if ver <= version {
				if string(v) == tombstoneMarker {
					return nil
				}
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("decode record at %s@%d: %w", path, ver, err)
				}
				found = true
				return nil
			}
			k, v = c.Prev()
		}
		return nil
	})
	if err != nil {
		return types.FileRecord{}, false, syncerr.Wrap(syncerr.IOError, "read log value", err)
	}
	return rec, found, nil
}

// Snapshot pins a version to diff against later.
type Snapshot struct {
	Version uint64
}

// Checkout returns a Snapshot at the given version; Head gives the current one.
func (l *Log) Checkout(version uint64) Snapshot {
	return Snapshot{Version: version}
}

// Head returns a Snapshot at the current head.
func (l *Log) Head() Snapshot {
	return Snapshot{Version: l.Version()}
}

// DiffEntry is one path's change between a snapshot and the head.
type DiffEntry struct {
	Path  string
	Left  *types.FileRecord // value at the snapshot version, nil if absent
	Right *types.FileRecord // value at head, nil if absent
}

// Diff walks every path touched between prev.Version+1 and the current
// head (inclusive), returning one DiffEntry per touched path comparing its
// value at prev.Version against its value at head. Multiple intermediate
// writes to the same path collapse into a single entry, matching a
// hyperbee-style diff stream rather than a raw append replay.
func (l *Log) Diff(prev Snapshot) ([]DiffEntry, error) {
	head := l.Version()
	if prev.Version >= head {
		return nil, nil
	}

	var touched []string
	seen := make(map[string]bool)
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(logKey(prev.Version + 1)); k != nil; k, v = c.Next() {
			ver := binary.BigEndian.Uint64(k)
			if ver > head {
				break
			}
			path := string(v)
			if !seen[path] {
				seen[path] = true
				touched = append(touched, path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "walk log diff range", err)
	}

	entries := make([]DiffEntry, 0, len(touched))
	for _, path := range touched {
		leftRec, leftOK, err := l.valueAsOf(path, prev.Version)
		if err != nil {
			return nil, err
		}
		rightRec, rightOK, err := l.valueAsOf(path, head)
		if err != nil {
			return nil, err
		}
		entry := DiffEntry{Path: path}
		if leftOK {
			r := leftRec
			entry.Left = &r
		}
		if rightOK {
			r := rightRec
			entry.Right = &r
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

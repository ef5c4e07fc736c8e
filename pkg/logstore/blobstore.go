package logstore

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"syncmesh/pkg/syncerr"
)

// BlobStore is a one-shot content-addressed container: every namespace
// (one per in-flight transfer) holds at most one blob, addressed by a
// randomly generated ID. Backed by plain files under a per-namespace
// directory rather than bbolt, since blob bytes are streamed once and torn
// down, not queried.
type BlobStore struct {
	dir string

	mu    sync.Mutex
	sizes map[string]int64
	ready map[string]chan struct{}
}

// NewBlobStore opens (creating if needed) a blob namespace rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "create blob namespace directory", err)
	}
	return &BlobStore{
		dir:   dir,
		sizes: make(map[string]int64),
		ready: make(map[string]chan struct{}),
	}, nil
}

// WriteStream is the write side of a blob being published.
type WriteStream struct {
	id   string
	f    *os.File
	bs   *BlobStore
	size int64
}

// ID is the blob locator assigned to this write stream.
func (w *WriteStream) ID() string { return w.id }

func (w *WriteStream) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close finalizes the blob, making it visible to readers waiting on ID.
func (w *WriteStream) Close() error {
	if err := w.f.Close(); err != nil {
		return syncerr.Wrap(syncerr.IOError, "close blob write stream", err)
	}
	w.bs.mu.Lock()
	w.bs.sizes[w.id] = w.size
	if ch, ok := w.bs.ready[w.id]; ok {
		close(ch)
		delete(w.bs.ready, w.id)
	}
	w.bs.mu.Unlock()
	return nil
}

// CreateWriteStream allocates a fresh blob ID and returns a stream to fill
// it. The caller must Close it to publish the blob.
func (bs *BlobStore) CreateWriteStream() (*WriteStream, error) {
	id, err := newBlobID()
	if err != nil {
		return nil, err
	}
	return bs.createWriteStreamAt(id)
}

// CreateWriteStreamAt opens a write stream under a caller-chosen id rather
// than a generated one, for the one case where the id is dictated
// elsewhere: mirroring a peer's upload blob locally under the exact id it
// named in its FILE_REQUEST response, so a later CreateReadStream(id) call
// finds it.
func (bs *BlobStore) CreateWriteStreamAt(id string) (*WriteStream, error) {
	return bs.createWriteStreamAt(id)
}

func (bs *BlobStore) createWriteStreamAt(id string) (*WriteStream, error) {
	f, err := os.Create(filepath.Join(bs.dir, id))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, "create blob file", err)
	}
	bs.mu.Lock()
	if _, ok := bs.ready[id]; !ok {
		bs.ready[id] = make(chan struct{})
	}
	bs.mu.Unlock()
	return &WriteStream{id: id, f: f, bs: bs}, nil
}

// CreateReadStream opens id for reading. If wait is true and id is not yet
// published, it blocks (up to timeout) for a concurrent WriteStream to
// close, mirroring hyperblobs' create_read_stream({wait:true}) semantics.
func (bs *BlobStore) CreateReadStream(id string, wait bool, timeout time.Duration) (io.ReadCloser, int64, error) {
	path := filepath.Join(bs.dir, id)

	if wait {
		bs.mu.Lock()
		if _, sized := bs.sizes[id]; !sized {
			ch, writing := bs.ready[id]
			if _, statErr := os.Stat(path); writing || statErr != nil {
				if !writing {
					ch = make(chan struct{})
					bs.ready[id] = ch
				}
				bs.mu.Unlock()
				select {
				case <-ch:
				case <-time.After(timeout):
					return nil, 0, syncerr.New(syncerr.InactivityTimeout, "timed out waiting for blob to be published")
				}
			} else {
				bs.mu.Unlock()
			}
		} else {
			bs.mu.Unlock()
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, syncerr.Wrap(syncerr.NotFound, "open blob for reading", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, syncerr.Wrap(syncerr.IOError, "stat blob", err)
	}
	return f, info.Size(), nil
}

// Clear removes id and its metadata; it is idempotent.
func (bs *BlobStore) Clear(id string) error {
	bs.mu.Lock()
	delete(bs.sizes, id)
	delete(bs.ready, id)
	bs.mu.Unlock()

	err := os.Remove(filepath.Join(bs.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return syncerr.Wrap(syncerr.IOError, "remove blob", err)
	}
	return nil
}

func newBlobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", syncerr.Wrap(syncerr.IOError, "generate blob id", err)
	}
	return hex.EncodeToString(buf), nil
}

package im

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"syncmesh/pkg/logstore"
	"syncmesh/pkg/types"
)

func newTestManager(t *testing.T, watchPath string, opts Options) *Manager {
	t.Helper()
	store := logstore.NewStore(t.TempDir())
	t.Cleanup(func() { store.Close() })

	localLog, err := store.Log("local")
	require.NoError(t, err)

	opts.LocalLog = localLog
	opts.Store = store
	opts.WatchPath = watchPath
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.InactivityWait == 0 {
		opts.InactivityWait = time.Second
	}
	if opts.BlobWaitTimeout == 0 {
		opts.BlobWaitTimeout = time.Second
	}

	mgr := New(opts)
	t.Cleanup(mgr.Close)
	return mgr
}

func newPeerLog(t *testing.T) *logstore.Log {
	t.Helper()
	log, err := logstore.Open(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAddPeerEmitsPeerFileAddedOnAppend(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	peerLog := newPeerLog(t)

	var got PeerFileAddedPayload
	mgr.Bus().Listen(EventPeerFileAdded, func(p any) { got = p.(PeerFileAddedPayload) })

	mgr.AddPeer("peerA", peerLog)

	require.NoError(t, peerLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))

	require.Eventually(t, func() bool { return got.Path == "a.txt" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.PeerID("peerA"), got.PeerID)
	assert.Equal(t, "H1", got.Hash)
}

func TestDiffEmitsChangedAndRemovedNotAddedForBaseline(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	peerLog := newPeerLog(t)

	require.NoError(t, peerLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	require.NoError(t, peerLog.Put("b.txt", types.FileRecord{Path: "b.txt", Hash: "H2"}))

	var added []string
	var changed []PeerFileChangedPayload
	var removed []string
	mgr.Bus().Listen(EventPeerFileAdded, func(p any) { added = append(added, p.(PeerFileAddedPayload).Path) })
	mgr.Bus().Listen(EventPeerFileChanged, func(p any) { changed = append(changed, p.(PeerFileChangedPayload)) })
	mgr.Bus().Listen(EventPeerFileRemoved, func(p any) { removed = append(removed, p.(PeerFileRemovedPayload).Path) })

	mgr.AddPeer("peerA", peerLog)

	require.NoError(t, peerLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1changed"}))
	require.NoError(t, peerLog.Del("b.txt"))

	require.Eventually(t, func() bool { return len(changed) == 1 && len(removed) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, added, "paths already present at registration must not fire PEER_FILE_ADDED")
	assert.Equal(t, "H1", changed[0].PrevHash)
	assert.Equal(t, "H1changed", changed[0].Hash)
	assert.Equal(t, "b.txt", removed[0])
}

func TestRemovePeerStopsWorker(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	peerLog := newPeerLog(t)

	var count int
	mgr.Bus().Listen(EventPeerFileAdded, func(any) { count++ })

	mgr.AddPeer("peerA", peerLog)
	mgr.RemovePeer("peerA")

	require.NoError(t, peerLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, count)
	assert.Nil(t, mgr.ListPeer("peerA"))
}

func TestListNonLocal(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	require.NoError(t, mgr.localLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))

	peerLog := newPeerLog(t)
	require.NoError(t, peerLog.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	require.NoError(t, peerLog.Put("b.txt", types.FileRecord{Path: "b.txt", Hash: "H2"}))
	mgr.AddPeer("peerA", peerLog)

	require.Eventually(t, func() bool {
		return len(mgr.ListNonLocal()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b.txt"}, mgr.ListNonLocal())
}

func TestCreateUploadFailsForUnindexedPath(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	_, err := mgr.CreateUpload("peerA", "missing.txt")
	require.Error(t, err)
}

func TestUploadMarksAndClearsTransferTable(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir, Options{})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, mgr.localLog.Put("a.txt", types.FileRecord{Path: "a.txt", Size: 5, Hash: "H1"}))

	ref, err := mgr.CreateUpload("peerA", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hyperblobs", ref.Type)
	assert.True(t, mgr.IsBusy("/a.txt"))

	require.NoError(t, mgr.CloseUpload("peerA", "a.txt", false))
	assert.False(t, mgr.IsBusy("/a.txt"))
}

func TestHandleDownloadRoundTrip(t *testing.T) {
	downloadDir := t.TempDir()
	mgr := newTestManager(t, downloadDir, Options{})

	content := []byte("streamed file contents")
	namespace := "incoming-ns"
	blobs, err := mgr.store.Blobs(namespace)
	require.NoError(t, err)
	ws, err := blobs.CreateWriteStream()
	require.NoError(t, err)
	_, err = ws.Write(content)
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	ref := types.BlobRef{Type: "hyperblobs", Key: namespace, ID: ws.ID()}

	var started, completed bool
	mgr.Bus().Listen(EventDownloadStarted, func(any) { started = true })
	mgr.Bus().Listen(EventDownloadCompleted, func(any) { completed = true })

	err = mgr.HandleDownload(context.Background(), "peerA", "nested/a.txt", ref)
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, completed)

	got, err := os.ReadFile(filepath.Join(downloadDir, "nested", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.False(t, mgr.IsBusy("/nested/a.txt"))
}

func TestHandleDownloadFailsOnMalformedRef(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	err := mgr.HandleDownload(context.Background(), "peerA", "a.txt", types.BlobRef{})
	require.Error(t, err)
}

func TestQueueDownloadTriggersOnPeerFileAdded(t *testing.T) {
	downloadDir := t.TempDir()
	content := []byte("queued payload")

	var mgr *Manager
	var releasedPath string

	mgr = newTestManager(t, downloadDir, Options{
		RequestFile: func(ctx context.Context, peerID types.PeerID, path string) (types.BlobRef, error) {
			blobs, err := mgr.store.Blobs("queued-ns")
			if err != nil {
				return types.BlobRef{}, err
			}
			ws, err := blobs.CreateWriteStream()
			if err != nil {
				return types.BlobRef{}, err
			}
			if _, err := ws.Write(content); err != nil {
				return types.BlobRef{}, err
			}
			if err := ws.Close(); err != nil {
				return types.BlobRef{}, err
			}
			return types.BlobRef{Type: "hyperblobs", Key: "queued-ns", ID: ws.ID()}, nil
		},
		SendRelease: func(ctx context.Context, peerID types.PeerID, path string) error {
			releasedPath = path
			return nil
		},
	})

	peerLog := newPeerLog(t)
	mgr.AddPeer("peerA", peerLog)

	mgr.QueueDownload("wanted.txt")
	require.NoError(t, peerLog.Put("wanted.txt", types.FileRecord{Path: "wanted.txt", Hash: "H1"}))

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(downloadDir, "wanted.txt"))
		return err == nil && string(got) == string(content)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "wanted.txt", releasedPath)
	assert.Empty(t, mgr.QueuedDownloads(), "path must be removed from the queue once triggered")
}

func TestArchiveTickRelaysFirstNonLocalPath(t *testing.T) {
	downloadDir := t.TempDir()
	content := []byte("archived")

	var mgr *Manager
	var requestCount int

	mgr = newTestManager(t, downloadDir, Options{
		RequestFile: func(ctx context.Context, peerID types.PeerID, path string) (types.BlobRef, error) {
			requestCount++
			blobs, err := mgr.store.Blobs("archive-ns")
			if err != nil {
				return types.BlobRef{}, err
			}
			ws, err := blobs.CreateWriteStream()
			if err != nil {
				return types.BlobRef{}, err
			}
			if _, err := ws.Write(content); err != nil {
				return types.BlobRef{}, err
			}
			if err := ws.Close(); err != nil {
				return types.BlobRef{}, err
			}
			return types.BlobRef{Type: "hyperblobs", Key: "archive-ns", ID: ws.ID()}, nil
		},
	})

	peerLog := newPeerLog(t)
	require.NoError(t, peerLog.Put("remote.txt", types.FileRecord{Path: "remote.txt", Hash: "H1"}))
	mgr.AddPeer("peerA", peerLog)

	require.Eventually(t, func() bool { return len(mgr.ListNonLocal()) == 1 }, time.Second, 5*time.Millisecond)

	mgr.archiveTick()

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(downloadDir, "remote.txt"))
		return err == nil && string(got) == string(content)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, requestCount)
}

func TestArchiveTickSingleFlightGuard(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{
		RequestFile: func(ctx context.Context, peerID types.PeerID, path string) (types.BlobRef, error) {
			t.Fatal("requestFile must not be called while archiveRun is held")
			return types.BlobRef{}, nil
		},
	})

	mgr.archiveRun.Store(true)
	mgr.archiveTick()
	mgr.archiveRun.Store(false)
}

func TestActivateDeactivateArchive(t *testing.T) {
	mgr := newTestManager(t, t.TempDir(), Options{})
	assert.False(t, mgr.ArchiveActive())

	mgr.ActivateArchive()
	assert.True(t, mgr.ArchiveActive())

	mgr.DeactivateArchive()
	assert.False(t, mgr.ArchiveActive())
}

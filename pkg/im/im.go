// Package im is the index manager: it aggregates every remote peer's log
// into per-peer diff events and drives every file transfer, upload and
// download alike, plus the archive-mode background relay and the queued
// download set.
package im

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"syncmesh/pkg/eventbus"
	"syncmesh/pkg/hashutil"
	"syncmesh/pkg/logstore"
	"syncmesh/pkg/syncerr"
	"syncmesh/pkg/types"
)

// Event names emitted on the Manager's own Bus.
const (
	EventPeerFileAdded     eventbus.Name = "PEER_FILE_ADDED"
	EventPeerFileRemoved   eventbus.Name = "PEER_FILE_REMOVED"
	EventPeerFileChanged   eventbus.Name = "PEER_FILE_CHANGED"
	EventDownloadStarted   eventbus.Name = "DOWNLOAD_STARTED"
	EventDownloadProgress  eventbus.Name = "DOWNLOAD_PROGRESS"
	EventDownloadFailed    eventbus.Name = "DOWNLOAD_FAILED"
	EventDownloadCompleted eventbus.Name = "DOWNLOAD_COMPLETED"
	EventError             eventbus.Name = "ERROR"
	EventSaveDataUpdate    eventbus.Name = "SAVE_DATA_UPDATE"
)

// PeerFileAddedPayload etc. mirror the diff engine's per-path outcomes.
type PeerFileAddedPayload struct {
	Path   string
	PeerID types.PeerID
	Hash   string
}

type PeerFileRemovedPayload struct {
	Path   string
	PeerID types.PeerID
}

type PeerFileChangedPayload struct {
	Path     string
	PeerID   types.PeerID
	Hash     string
	PrevHash string
}

type DownloadEventPayload struct {
	Path    string
	PeerID  types.PeerID
	Percent int    `json:"percent,omitempty"`
	Err     string `json:"error,omitempty"`
}

// RequestFile asks peerID for path and returns the transport object it
// created for the upload; SendRelease tells peerID the transfer is over.
// Both are injected so Manager never needs a handle back to Node, avoiding
// the IM<->Node reference cycle.
type RequestFileFunc func(ctx context.Context, peerID types.PeerID, path string) (types.BlobRef, error)
type SendReleaseFunc func(ctx context.Context, peerID types.PeerID, path string) error

// Options configures a new Manager.
type Options struct {
	LocalLog        *logstore.Log
	Store           *logstore.Store
	WatchPath       string
	Logger          *zap.Logger
	PollInterval    time.Duration
	RequestFile     RequestFileFunc
	SendRelease     SendReleaseFunc
	InactivityWait  time.Duration // download watchdog, default 30s
	BlobWaitTimeout time.Duration // how long CreateReadStream(wait=true) blocks, default 30s
}

type peerState struct {
	peerID      types.PeerID
	log         *logstore.Log
	lastVersion uint64
	notify      chan struct{}
	stop        chan struct{}
}

// Manager is the index manager.
type Manager struct {
	localLog  *logstore.Log
	store     *logstore.Store
	watchPath string
	logger    *zap.Logger
	bus       *eventbus.Bus

	requestFile RequestFileFunc
	sendRelease SendReleaseFunc

	inactivityWait  time.Duration
	blobWaitTimeout time.Duration

	peersMu sync.Mutex
	peers   map[types.PeerID]*peerState

	transferMu sync.Mutex
	transfers  map[string]map[types.PeerID]types.TransferEntry // drivePath -> peerID -> entry
	uploads    map[string]*uploadState                         // drivePath -> upload container state

	queueMu sync.Mutex
	queued  map[string]bool

	pollInterval time.Duration
	archiveMu    sync.Mutex
	archiveCron  *cron.Cron
	archiveOn    bool
	archiveRun   atomic.Bool
}

type uploadState struct {
	path      string
	namespace string
	blobs     *logstore.BlobStore
	ws        *logstore.WriteStream
	f         *os.File
}

// New builds a Manager.
func New(opts Options) *Manager {
	if opts.InactivityWait == 0 {
		opts.InactivityWait = 30 * time.Second
	}
	if opts.BlobWaitTimeout == 0 {
		opts.BlobWaitTimeout = 30 * time.Second
	}
	return &Manager{
		localLog:        opts.LocalLog,
		store:           opts.Store,
		watchPath:       opts.WatchPath,
		logger:          opts.Logger,
		bus:             eventbus.New(),
		requestFile:     opts.RequestFile,
		sendRelease:     opts.SendRelease,
		inactivityWait:  opts.InactivityWait,
		blobWaitTimeout: opts.BlobWaitTimeout,
		peers:           make(map[types.PeerID]*peerState),
		transfers:       make(map[string]map[types.PeerID]types.TransferEntry),
		uploads:         make(map[string]*uploadState),
		queued:          make(map[string]bool),
		pollInterval:    opts.PollInterval,
	}
}

// Bus exposes the Manager's own event bus for Node to subscribe to.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// AddPeer registers peerID's log handle, records its current version as the
// diff baseline, and starts a per-peer worker that serializes its diff
// walks as the log appends.
func (m *Manager) AddPeer(peerID types.PeerID, log *logstore.Log) {
	ps := &peerState{
		peerID:      peerID,
		log:         log,
		lastVersion: log.Version(),
		notify:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	m.peersMu.Lock()
	m.peers[peerID] = ps
	m.peersMu.Unlock()

	log.OnAppend(func(uint64) {
		select {
		case ps.notify <- struct{}{}:
		default:
		}
	})

	go m.diffWorker(ps)
}

// RemovePeer drops peerID's handle and baseline and stops its diff worker.
func (m *Manager) RemovePeer(peerID types.PeerID) {
	m.peersMu.Lock()
	ps, ok := m.peers[peerID]
	delete(m.peers, peerID)
	m.peersMu.Unlock()

	if ok {
		close(ps.stop)
	}
}

func (m *Manager) diffWorker(ps *peerState) {
	for {
		select {
		case <-ps.notify:
			m.processDiff(ps)
		case <-ps.stop:
			return
		}
	}
}

// processDiff walks ps.log's diff since lastVersion and emits PEER_FILE_*
// events. Left is the value as of lastVersion, Right the value at the new
// head: absent-left/present-right is an addition, present-left/absent-right
// is a removal, both present with differing hashes is a change.
func (m *Manager) processDiff(ps *peerState) {
	entries, err := ps.log.Diff(logstore.Snapshot{Version: ps.lastVersion})
	if err != nil {
		m.logger.Error("peer diff walk failed", zap.String("peer", string(ps.peerID)), zap.Error(err))
		m.bus.Emit(EventError, err)
		return
	}

	for _, e := range entries {
		switch {
		case e.Left == nil && e.Right != nil:
			m.bus.Emit(EventPeerFileAdded, PeerFileAddedPayload{Path: e.Path, PeerID: ps.peerID, Hash: e.Right.Hash})
			m.maybeTriggerQueuedDownload(ps.peerID, e.Path)
		case e.Left != nil && e.Right == nil:
			m.bus.Emit(EventPeerFileRemoved, PeerFileRemovedPayload{Path: e.Path, PeerID: ps.peerID})
		case e.Left != nil && e.Right != nil && e.Left.Hash != e.Right.Hash:
			m.bus.Emit(EventPeerFileChanged, PeerFileChangedPayload{
				Path: e.Path, PeerID: ps.peerID, Hash: e.Right.Hash, PrevHash: e.Left.Hash,
			})
		}
	}

	ps.lastVersion = ps.log.Version()
}

// ListLocal returns the local log's current file set.
func (m *Manager) ListLocal() []types.FileRecord {
	return m.localLog.List()
}

// ListPeer returns peerID's current file set, or nil if unknown.
func (m *Manager) ListPeer(peerID types.PeerID) []types.FileRecord {
	m.peersMu.Lock()
	ps, ok := m.peers[peerID]
	m.peersMu.Unlock()
	if !ok {
		return nil
	}
	return ps.log.List()
}

// ListNetwork returns every peer's file set keyed by peer id, plus "local".
func (m *Manager) ListNetwork() map[string][]types.FileRecord {
	out := map[string][]types.FileRecord{"local": m.ListLocal()}
	m.peersMu.Lock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, ps := range m.peers {
		peers = append(peers, ps)
	}
	m.peersMu.Unlock()

	for _, ps := range peers {
		out[string(ps.peerID)] = ps.log.List()
	}
	return out
}

// ListNonLocal returns every path present in some peer's log but not the
// local one.
func (m *Manager) ListNonLocal() []string {
	localPaths := lo.Map(m.ListLocal(), func(r types.FileRecord, _ int) string { return r.Path })

	m.peersMu.Lock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, ps := range m.peers {
		peers = append(peers, ps)
	}
	m.peersMu.Unlock()

	seen := make(map[string]bool)
	var networkPaths []string
	for _, ps := range peers {
		for _, rec := range ps.log.List() {
			if !seen[rec.Path] {
				seen[rec.Path] = true
				networkPaths = append(networkPaths, rec.Path)
			}
		}
	}

	nonLocal, _ := lo.Difference(networkPaths, localPaths)
	return nonLocal
}

// IsBusy reports whether drivePath is an endpoint of any in-flight transfer.
func (m *Manager) IsBusy(drivePath string) bool {
	m.transferMu.Lock()
	defer m.transferMu.Unlock()
	return len(m.transfers[drivePath]) > 0
}

// markTransfer and unmarkTransfer are the sole entry/exit points for the
// transfer table, so emitting SAVE_DATA_UPDATE here (rather than at each
// upload/download call site) guarantees every InProgress-changing mutation
// is reported exactly once.
func (m *Manager) markTransfer(drivePath string, peerID types.PeerID, dir types.Direction) {
	m.transferMu.Lock()
	if m.transfers[drivePath] == nil {
		m.transfers[drivePath] = make(map[types.PeerID]types.TransferEntry)
	}
	m.transfers[drivePath][peerID] = types.TransferEntry{Peer: peerID, Direction: dir, StartedAt: time.Now()}
	m.transferMu.Unlock()
	m.bus.Emit(EventSaveDataUpdate, nil)
}

func (m *Manager) unmarkTransfer(drivePath string, peerID types.PeerID) {
	m.transferMu.Lock()
	delete(m.transfers[drivePath], peerID)
	if len(m.transfers[drivePath]) == 0 {
		delete(m.transfers, drivePath)
	}
	m.transferMu.Unlock()
	m.bus.Emit(EventSaveDataUpdate, nil)
}

// CreateUpload prepares a one-shot transport object for path: it marks the
// transfer table, copies the file's bytes into a fresh blob under a
// per-transfer namespace, and returns the container's reference.
func (m *Manager) CreateUpload(peerID types.PeerID, path string) (types.BlobRef, error) {
	if _, ok := m.localLog.Get(path); !ok {
		return types.BlobRef{}, syncerr.New(syncerr.NotFound, fmt.Sprintf("path %q is not indexed locally", path))
	}

	drivePath := hashutil.DrivePath(path)
	m.markTransfer(drivePath, peerID, types.DirectionUpload)

	namespace := uploadNamespace(path, peerID)
	blobs, err := m.store.Blobs(namespace)
	if err != nil {
		m.unmarkTransfer(drivePath, peerID)
		return types.BlobRef{}, err
	}

	absPath := hashutil.ToNativePath(m.watchPath, path)
	f, err := os.Open(absPath)
	if err != nil {
		m.unmarkTransfer(drivePath, peerID)
		return types.BlobRef{}, syncerr.Wrap(syncerr.IOError, "open file for upload", err)
	}

	ws, err := blobs.CreateWriteStream()
	if err != nil {
		f.Close()
		m.unmarkTransfer(drivePath, peerID)
		return types.BlobRef{}, err
	}
	if _, err := io.Copy(ws, f); err != nil {
		f.Close()
		ws.Close()
		m.unmarkTransfer(drivePath, peerID)
		return types.BlobRef{}, syncerr.Wrap(syncerr.IOError, "copy file into upload blob", err)
	}
	f.Close()
	if err := ws.Close(); err != nil {
		m.unmarkTransfer(drivePath, peerID)
		return types.BlobRef{}, err
	}

	m.transferMu.Lock()
	m.uploads[drivePath] = &uploadState{path: path, namespace: namespace, blobs: blobs, ws: ws}
	m.transferMu.Unlock()

	return types.BlobRef{Type: "hyperblobs", Key: namespace, ID: ws.ID()}, nil
}

// CloseUpload tears down path's upload container. It refuses while any
// other transfer of the same path is still active, unless force is set.
func (m *Manager) CloseUpload(peerID types.PeerID, path string, force bool) error {
	drivePath := hashutil.DrivePath(path)

	m.transferMu.Lock()
	upload, ok := m.uploads[drivePath]
	if !ok {
		m.transferMu.Unlock()
		return nil
	}
	if !force && len(m.transfers[drivePath]) > 1 {
		m.transferMu.Unlock()
		return syncerr.New(syncerr.ProtocolError, "refusing to close upload with other active transfers")
	}
	delete(m.uploads, drivePath)
	m.transferMu.Unlock()

	m.unmarkTransfer(drivePath, peerID)
	return upload.blobs.Clear(upload.ws.ID())
}

// HandleDownload is the client side of a file transfer: it opens the
// peer's blob for reading, streams it into the local watch path, and
// enforces the inactivity watchdog and completeness check.
func (m *Manager) HandleDownload(ctx context.Context, peerID types.PeerID, path string, ref types.BlobRef) error {
	if ref.Type != "hyperblobs" || ref.Key == "" || ref.ID == "" {
		return syncerr.New(syncerr.InvalidReference, "malformed file request response")
	}

	drivePath := hashutil.DrivePath(path)
	m.markTransfer(drivePath, peerID, types.DirectionDownload)
	m.bus.Emit(EventDownloadStarted, DownloadEventPayload{Path: path, PeerID: peerID})

	err := m.runDownload(ctx, peerID, path, ref)
	m.unmarkTransfer(drivePath, peerID)

	if err != nil {
		m.bus.Emit(EventDownloadFailed, DownloadEventPayload{Path: path, PeerID: peerID, Err: err.Error()})
		m.bus.Emit(EventError, err)
		return err
	}
	m.bus.Emit(EventDownloadCompleted, DownloadEventPayload{Path: path, PeerID: peerID})
	return nil
}

func (m *Manager) runDownload(ctx context.Context, peerID types.PeerID, path string, ref types.BlobRef) error {
	blobs, err := m.store.Blobs(ref.Key)
	if err != nil {
		return err
	}

	rc, size, err := blobs.CreateReadStream(ref.ID, true, m.blobWaitTimeout)
	if err != nil {
		return err
	}
	defer rc.Close()

	absPath := hashutil.ToNativePath(m.watchPath, path)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return syncerr.Wrap(syncerr.IOError, "create parent directories for download", err)
	}
	out, err := os.Create(absPath)
	if err != nil {
		return syncerr.Wrap(syncerr.IOError, "create local file for download", err)
	}
	defer out.Close()

	written, err := m.pipeWithWatchdog(ctx, path, peerID, rc, out, size)
	if err != nil {
		return err
	}
	if written != size {
		return syncerr.New(syncerr.Incomplete, fmt.Sprintf("wrote %d bytes, expected %d", written, size))
	}
	return nil
}

func (m *Manager) pipeWithWatchdog(ctx context.Context, path string, peerID types.PeerID, r io.Reader, w io.Writer, size int64) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64
	lastMilestone := -1

	watchdog := time.NewTimer(m.inactivityWait)
	defer watchdog.Stop()

	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)

	readNext := func() { n, err := r.Read(buf); resultCh <- readResult{n, err} }
	go readNext()

	for {
		select {
		case <-ctx.Done():
			return written, syncerr.Wrap(syncerr.Cancelled, "download cancelled", ctx.Err())
		case <-watchdog.C:
			return written, syncerr.New(syncerr.InactivityTimeout, "no bytes received within watchdog period")
		case res := <-resultCh:
			if res.n > 0 {
				if _, werr := w.Write(buf[:res.n]); werr != nil {
					return written, syncerr.Wrap(syncerr.IOError, "write downloaded bytes", werr)
				}
				written += int64(res.n)
				if size > 0 {
					pct := int(written * 100 / size)
					if pct != lastMilestone {
						lastMilestone = pct
						m.bus.Emit(EventDownloadProgress, DownloadEventPayload{Path: path, PeerID: peerID, Percent: pct})
					}
				}
				watchdog.Reset(m.inactivityWait)
			}
			if res.err == io.EOF {
				return written, nil
			}
			if res.err != nil {
				return written, syncerr.Wrap(syncerr.IOError, "read blob stream", res.err)
			}
			go readNext()
		}
	}
}

// CloseDownload tears down the local mirror of a peer's upload container.
func (m *Manager) CloseDownload(peerID types.PeerID, path, namespace, blobID string, force bool) error {
	drivePath := hashutil.DrivePath(path)
	if !force && m.IsBusy(drivePath) {
		return syncerr.New(syncerr.ProtocolError, "refusing to close download with active transfer")
	}
	m.unmarkTransfer(drivePath, peerID)

	blobs, err := m.store.Blobs(namespace)
	if err != nil {
		return err
	}
	return blobs.Clear(blobID)
}

// QueueDownload adds path to the set downloaded automatically once any
// peer's index first advertises it.
func (m *Manager) QueueDownload(path string) {
	m.queueMu.Lock()
	m.queued[path] = true
	m.queueMu.Unlock()
	m.bus.Emit(EventSaveDataUpdate, nil)
}

// InProgressPaths returns every drive path with at least one active
// download, for the save-data view.
func (m *Manager) InProgressPaths() []string {
	m.transferMu.Lock()
	defer m.transferMu.Unlock()
	out := make([]string, 0, len(m.transfers))
	for drivePath, byPeer := range m.transfers {
		for _, entry := range byPeer {
			if entry.Direction == types.DirectionDownload {
				out = append(out, drivePath)
				break
			}
		}
	}
	return out
}

// QueuedDownloads returns the current queued set.
func (m *Manager) QueuedDownloads() []string {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	out := make([]string, 0, len(m.queued))
	for p := range m.queued {
		out = append(out, p)
	}
	return out
}

func (m *Manager) maybeTriggerQueuedDownload(peerID types.PeerID, path string) {
	m.queueMu.Lock()
	queued := m.queued[path]
	if queued {
		delete(m.queued, path)
	}
	m.queueMu.Unlock()

	if !queued || m.requestFile == nil {
		return
	}
	m.bus.Emit(EventSaveDataUpdate, nil)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.inactivityWait+m.blobWaitTimeout)
		defer cancel()
		if err := m.requestAndDownload(ctx, peerID, path); err != nil {
			m.logger.Warn("queued download failed", zap.String("path", path), zap.Error(err))
		}
	}()
}

func (m *Manager) requestAndDownload(ctx context.Context, peerID types.PeerID, path string) error {
	ref, err := m.requestFile(ctx, peerID, path)
	if err != nil {
		return err
	}
	err = m.HandleDownload(ctx, peerID, path, ref)
	if m.sendRelease != nil {
		if relErr := m.sendRelease(ctx, peerID, path); relErr != nil {
			m.logger.Warn("release notification failed", zap.String("path", path), zap.Error(relErr))
		}
	}
	return err
}

// ActivateArchive starts the archive-mode background relay, scheduled at
// pollInterval*3.
func (m *Manager) ActivateArchive() {
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	if m.archiveOn {
		return
	}
	m.archiveOn = true

	relayInterval := m.pollInterval * 3
	m.archiveCron = cron.New()
	_, _ = m.archiveCron.AddFunc(fmt.Sprintf("@every %s", relayInterval), m.archiveTick)
	m.archiveCron.Start()
	m.logger.Info("archive mode activated", zap.Duration("relay_interval", relayInterval))

	m.bus.Emit(EventSaveDataUpdate, nil)
}

// DeactivateArchive stops the archive-mode relay.
func (m *Manager) DeactivateArchive() {
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	if !m.archiveOn {
		return
	}
	m.archiveOn = false
	if m.archiveCron != nil {
		m.archiveCron.Stop()
		m.archiveCron = nil
	}
	m.bus.Emit(EventSaveDataUpdate, nil)
}

// ArchiveActive reports whether archive mode is currently on.
func (m *Manager) ArchiveActive() bool {
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	return m.archiveOn
}

func (m *Manager) archiveTick() {
	if !m.archiveRun.CompareAndSwap(false, true) {
		return
	}
	defer m.archiveRun.Store(false)

	nonLocal := m.ListNonLocal()
	if len(nonLocal) == 0 {
		return
	}
	path := nonLocal[0]

	peerID, ok := m.findHolder(path)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.inactivityWait+m.blobWaitTimeout)
	defer cancel()
	if err := m.requestAndDownload(ctx, peerID, path); err != nil {
		m.logger.Warn("archive relay failed", zap.String("path", path), zap.Error(err))
		m.bus.Emit(EventError, err)
	}
}

func (m *Manager) findHolder(path string) (types.PeerID, bool) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for _, ps := range m.peers {
		if _, ok := ps.log.Get(path); ok {
			return ps.peerID, true
		}
	}
	return "", false
}

// Close cancels every in-flight transfer's tracking (best-effort; remote
// container release is Node's responsibility) and stops archive mode.
func (m *Manager) Close() {
	m.DeactivateArchive()

	m.peersMu.Lock()
	for _, ps := range m.peers {
		close(ps.stop)
	}
	m.peers = make(map[types.PeerID]*peerState)
	m.peersMu.Unlock()
}

func uploadNamespace(path string, peerID types.PeerID) string {
	return fmt.Sprintf("up-%s-%s", string(peerID), hashutil.DrivePath(path))
}

// Package node owns the swarm, the log store, every per-peer request
// channel, and the public surface a syncmesh process is embedded through.
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncmesh/pkg/discovery"
	"syncmesh/pkg/eventbus"
	"syncmesh/pkg/identity"
	"syncmesh/pkg/im"
	"syncmesh/pkg/lfi"
	"syncmesh/pkg/logstore"
	"syncmesh/pkg/metrics"
	"syncmesh/pkg/syncerr"
	"syncmesh/pkg/transport"
	"syncmesh/pkg/types"
)

// Event names on Node's public bus, per the fixed identifier set.
const (
	EventDownloadProgress  eventbus.Name = "DOWNLOAD_PROGRESS"
	EventSaveDataUpdate    eventbus.Name = "SAVE_DATA_UPDATE"
	EventError             eventbus.Name = "ERROR"
	EventPeerConnected     eventbus.Name = "PEER_CONNECTED"
	EventPeerDisconnected  eventbus.Name = "PEER_DISCONNECTED"
	EventLocalFileAdded    eventbus.Name = "LOCAL_FILE_ADDED"
	EventLocalFileRemoved  eventbus.Name = "LOCAL_FILE_REMOVED"
	EventLocalFileChanged  eventbus.Name = "LOCAL_FILE_CHANGED"
	EventPeerFileAdded     eventbus.Name = "PEER_FILE_ADDED"
	EventPeerFileRemoved   eventbus.Name = "PEER_FILE_REMOVED"
	EventPeerFileChanged   eventbus.Name = "PEER_FILE_CHANGED"
	EventDownloadStarted   eventbus.Name = "DOWNLOAD_STARTED"
	EventDownloadFailed    eventbus.Name = "DOWNLOAD_FAILED"
	EventDownloadCompleted eventbus.Name = "DOWNLOAD_COMPLETED"
)

// Wire protocol method identifiers, per the fixed set.
const (
	methodLocalIndexKeyRequest = "LOCAL_INDEX_KEY_REQUEST"
	methodFileRequest          = "FILE_REQUEST"
	methodFileRelease          = "FILE_RELEASE"
	methodMessage              = "MESSAGE"

	// methodReplicatePull is not one of Node's four app-level protocol
	// methods: it belongs to the log-store's own replication layer (the
	// hypercore/corestore automatic page sync a real deployment would use)
	// and runs on the same framed channel purely as an implementation
	// detail of that external primitive.
	methodReplicatePull = "REPLICATE_PULL"
)

type LocalFileAddedPayload struct {
	Path string
	Hash string
}
type LocalFileChangedPayload struct {
	Path     string
	PrevHash string
	Hash     string
}
type LocalFileRemovedPayload struct {
	Path string
}
type PeerConnectedPayload struct {
	PeerID types.PeerID
}
type PeerDisconnectedPayload struct {
	PeerID types.PeerID
}

type replicateEntry struct {
	Path      string            `json:"path"`
	Record    *types.FileRecord `json:"record,omitempty"`
	Tombstone bool              `json:"tombstone,omitempty"`
}
type replicatePullRequest struct {
	Since uint64 `json:"since"`
}
type replicatePullResponse struct {
	Entries []replicateEntry `json:"entries"`
	Version uint64           `json:"version"`
}
type localIndexKeyResponse struct {
	Key      string `json:"key"`
	BlobAddr string `json:"blob_addr"`
}

type peerConn struct {
	id        types.PeerID
	ch        *transport.Channel
	remoteLog *logstore.Log
	blobAddr  string
	cancel    context.CancelFunc
}

// Options configures a new Node.
type Options struct {
	Identity     identity.KeyPair
	WatchPath    string
	StorePath    string
	ControlAddr  string
	BlobAddr     string
	TLSConfig    *tls.Config
	Logger       *zap.Logger
	PollInterval time.Duration

	// Metrics is optional. A nil Metrics disables all counter/gauge
	// bookkeeping; nothing else about a Node's behavior changes.
	Metrics *metrics.Registry
}

// Node is one syncmesh process's embedding surface.
type Node struct {
	identity     identity.KeyPair
	watchPath    string
	storePath    string
	controlAddr  string
	blobAddr     string
	tlsConfig    *tls.Config
	logger       *zap.Logger
	pollInterval time.Duration
	metrics      *metrics.Registry

	store    *logstore.Store
	localLog *logstore.Log
	lfi      *lfi.Index
	im       *im.Manager

	networkKey types.NetworkKey
	swarm      *discovery.Swarm

	bus        *eventbus.Bus
	dispatcher *eventbus.Dispatcher

	peersMu sync.RWMutex
	peers   map[types.PeerID]*peerConn

	controlListener *transport.Listener
	blobListener    *transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// New builds a Node; call Open to bring up its subsystems.
func New(opts Options) *Node {
	if opts.PollInterval == 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Node{
		identity:     opts.Identity,
		watchPath:    opts.WatchPath,
		storePath:    opts.StorePath,
		controlAddr:  opts.ControlAddr,
		blobAddr:     opts.BlobAddr,
		tlsConfig:    opts.TLSConfig,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		metrics:      opts.Metrics,
		bus:          eventbus.New(),
		dispatcher:   eventbus.NewDispatcher(),
		peers:        make(map[types.PeerID]*peerConn),
	}
}

// Bus exposes the public event bus.
func (n *Node) Bus() *eventbus.Bus { return n.bus }

// PeerID is this node's own identity, as advertised to peers.
func (n *Node) PeerID() types.PeerID { return n.identity.ID() }

// ControlAddr is the resolved address peers should dial for the
// request/response channel, useful once ControlAddr was configured as
// "host:0" and the kernel picked a port.
func (n *Node) ControlAddr() string {
	if n.controlListener == nil {
		return n.controlAddr
	}
	return n.controlListener.Addr().String()
}

// BlobAddr is the resolved address peers should dial to fetch blobs.
func (n *Node) BlobAddr() string {
	if n.blobListener == nil {
		return n.blobAddr
	}
	return n.blobListener.Addr().String()
}

// Open brings up the log store and the index manager, starts the local
// file index, and starts accepting peer connections. It does not join a
// discovery topic; call Join for that.
func (n *Node) Open() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.store = logstore.NewStore(n.storePath)
	localLog, err := n.store.Log("local")
	if err != nil {
		return err
	}
	n.localLog = localLog

	n.im = im.New(im.Options{
		LocalLog:     localLog,
		Store:        n.store,
		WatchPath:    n.watchPath,
		Logger:       n.logger,
		PollInterval: n.pollInterval,
		RequestFile:  n.requestFileFromPeer,
		SendRelease:  n.sendFileReleaseToPeer,
	})

	n.lfi = lfi.New(lfi.Options{
		WatchPath:    n.watchPath,
		Log:          localLog,
		Logger:       n.logger,
		IsBusy:       n.im.IsBusy,
		PollInterval: n.pollInterval,
		WatchEnabled: true,
	})
	if err := n.lfi.Open(); err != nil {
		return fmt.Errorf("open local file index: %w", err)
	}

	n.wireBuses()

	if err := n.startControlListener(); err != nil {
		return fmt.Errorf("start control listener: %w", err)
	}
	if err := n.startBlobListener(); err != nil {
		return fmt.Errorf("start blob listener: %w", err)
	}

	n.logger.Info("node opened",
		zap.String("peer_id", string(n.identity.ID())),
		zap.String("watch_path", n.watchPath))
	return nil
}

func (n *Node) wireBuses() {
	n.lfi.Bus().Listen(lfi.EventAdded, func(p any) {
		e := p.(lfi.AddedPayload)
		n.bus.Emit(EventLocalFileAdded, LocalFileAddedPayload{Path: e.Path, Hash: e.Hash})
	})
	n.lfi.Bus().Listen(lfi.EventChanged, func(p any) {
		e := p.(lfi.ChangedPayload)
		n.bus.Emit(EventLocalFileChanged, LocalFileChangedPayload{Path: e.Path, PrevHash: e.PrevHash, Hash: e.Hash})
	})
	n.lfi.Bus().Listen(lfi.EventRemoved, func(p any) {
		e := p.(lfi.RemovedPayload)
		n.bus.Emit(EventLocalFileRemoved, LocalFileRemovedPayload{Path: e.Path})
	})

	forward := func(name eventbus.Name) {
		n.im.Bus().Listen(name, func(p any) { n.bus.Emit(name, p) })
	}
	forward(im.EventPeerFileAdded)
	forward(im.EventPeerFileRemoved)
	forward(im.EventPeerFileChanged)
	forward(im.EventDownloadStarted)
	forward(im.EventDownloadProgress)
	forward(im.EventDownloadFailed)
	forward(im.EventDownloadCompleted)
	forward(im.EventError)
	forward(im.EventSaveDataUpdate)

	if n.metrics != nil {
		n.im.Bus().Listen(im.EventPeerFileAdded, func(any) { n.metrics.DiffEventsTotal.WithLabelValues("added").Inc() })
		n.im.Bus().Listen(im.EventPeerFileRemoved, func(any) { n.metrics.DiffEventsTotal.WithLabelValues("removed").Inc() })
		n.im.Bus().Listen(im.EventPeerFileChanged, func(any) { n.metrics.DiffEventsTotal.WithLabelValues("changed").Inc() })
		n.im.Bus().Listen(im.EventDownloadCompleted, func(any) { n.metrics.DownloadsTotal.Inc() })
		n.im.Bus().Listen(im.EventDownloadFailed, func(any) { n.metrics.DownloadErrorsTotal.Inc() })
		n.im.Bus().Listen(im.EventSaveDataUpdate, func(any) { n.metrics.QueuedDownloads.Set(float64(len(n.im.QueuedDownloads()))) })
	}
}

func (n *Node) startControlListener() error {
	l, err := transport.Listen(n.controlAddr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.controlListener = l
	go n.acceptControlLoop()
	return nil
}

func (n *Node) startBlobListener() error {
	l, err := transport.Listen(n.blobAddr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.blobListener = l
	go n.acceptBlobLoop()
	return nil
}

func (n *Node) acceptControlLoop() {
	for {
		conn, err := n.controlListener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				n.logger.Warn("control accept failed", zap.Error(err))
				continue
			}
		}
		go n.handleConn(conn)
	}
}

func (n *Node) acceptBlobLoop() {
	for {
		conn, err := n.blobListener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				n.logger.Warn("blob accept failed", zap.Error(err))
				continue
			}
		}
		go transport.ServeBlobConn(conn, n.resolveBlob)
	}
}

func (n *Node) resolveBlob(key, id string) (io.ReadCloser, int64, error) {
	blobs, err := n.store.Blobs(key)
	if err != nil {
		return nil, 0, err
	}
	return blobs.CreateReadStream(id, false, 0)
}

// ConnectToPeer dials addr's control port and runs the same handshake an
// accepted inbound connection runs. Exposed so a bootstrap list or
// AnnouncePeer-triggered dial can bring a peer up on either side.
func (n *Node) ConnectToPeer(ctx context.Context, addr string) error {
	conn, err := transport.DialWithRetry(ctx, addr, n.tlsConfig, 3, time.Second)
	if err != nil {
		return err
	}
	n.handleConn(conn)
	return nil
}

// AnnouncePeer feeds an externally discovered peer address into the swarm.
func (n *Node) AnnouncePeer(id types.PeerID, addr string) {
	if n.swarm != nil {
		n.swarm.Announce(id, addr)
	}
}

func (n *Node) handlePeerJoin(m discovery.Member) {
	go func() {
		if err := n.ConnectToPeer(n.ctx, m.Address); err != nil {
			n.logger.Warn("failed to connect to announced peer", zap.String("addr", m.Address), zap.Error(err))
		}
	}()
}

func (n *Node) handlePeerLeave(id types.PeerID) {
	n.disconnectPeer(id)
}

// handleConn runs the per-connection protocol handshake described for
// Node: register method handlers, exchange local-index-log keys, open a
// remote log mirror, register it with the index manager, and start
// replicating that peer's log into the mirror.
func (n *Node) handleConn(conn net.Conn) {
	var peerIDBox types.PeerID
	ch := transport.NewChannel(conn, n.logger, func(closeErr error) {
		n.disconnectPeer(peerIDBox)
	})

	ch.Respond(methodLocalIndexKeyRequest, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return localIndexKeyResponse{Key: string(n.identity.ID()), BlobAddr: n.BlobAddr()}, nil
	})
	ch.Respond(methodFileRequest, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return n.handleFileRequest(ctx, peerIDBox, payload)
	})
	ch.Respond(methodFileRelease, func(ctx context.Context, payload json.RawMessage) (any, error) {
		return n.handleFileRelease(ctx, peerIDBox, payload)
	})
	ch.Respond(methodMessage, n.handleMessage)
	ch.Respond(methodReplicatePull, n.handleReplicatePull)

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	env, err := ch.Request(ctx, methodLocalIndexKeyRequest, nil)
	cancel()
	if err != nil {
		n.logger.Warn("handshake failed: could not fetch peer's index key", zap.Error(err))
		ch.Close()
		return
	}
	var resp localIndexKeyResponse
	if err := transport.DecodeData(env, &resp); err != nil {
		n.logger.Warn("handshake failed: malformed index key response", zap.Error(err))
		ch.Close()
		return
	}
	peerID := types.PeerID(resp.Key)
	peerIDBox = peerID

	remoteLog, err := n.store.Log(string(peerID))
	if err != nil {
		n.logger.Error("failed to open remote log mirror", zap.String("peer", string(peerID)), zap.Error(err))
		ch.Close()
		return
	}

	n.im.AddPeer(peerID, remoteLog)

	replCtx, replCancel := context.WithCancel(n.ctx)
	pc := &peerConn{id: peerID, ch: ch, remoteLog: remoteLog, blobAddr: resp.BlobAddr, cancel: replCancel}
	n.peersMu.Lock()
	n.peers[peerID] = pc
	n.peersMu.Unlock()

	go n.replicateLoop(replCtx, pc)

	if n.metrics != nil {
		n.metrics.PeersConnected.Inc()
	}
	n.bus.Emit(EventPeerConnected, PeerConnectedPayload{PeerID: peerID})
	n.logger.Info("peer connected", zap.String("peer", string(peerID)))
}

func (n *Node) disconnectPeer(id types.PeerID) {
	if id == "" {
		return
	}
	n.peersMu.Lock()
	pc, ok := n.peers[id]
	delete(n.peers, id)
	n.peersMu.Unlock()
	if !ok {
		return
	}

	pc.cancel()
	pc.ch.Close()
	n.im.RemovePeer(id)
	if err := n.store.DropLog(string(id)); err != nil {
		n.logger.Warn("failed to drop peer log mirror", zap.String("peer", string(id)), zap.Error(err))
	}
	if n.metrics != nil {
		n.metrics.PeersConnected.Dec()
	}
	n.bus.Emit(EventPeerDisconnected, PeerDisconnectedPayload{PeerID: id})
	n.logger.Info("peer disconnected", zap.String("peer", string(id)))
}

func (n *Node) getPeer(id types.PeerID) (*peerConn, bool) {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	pc, ok := n.peers[id]
	return pc, ok
}

// replicateLoop periodically pulls the peer's log entries appended since
// the mirror's current head and applies them locally, driving the index
// manager's diff engine via the mirror's own OnAppend subscription.
func (n *Node) replicateLoop(ctx context.Context, pc *peerConn) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	n.pullOnce(ctx, pc)
	for {
		select {
		case <-ticker.C:
			n.pullOnce(ctx, pc)
		case <-ctx.Done():
			return
		}
	}
}

// pullOnce requests every entry the peer has appended since the mirror's
// current head. If the peer reports a head lower than what the mirror
// already recorded, its log was replaced wholesale (a restart with fresh
// state, not a continuation) — the mirror is reset to version zero and
// re-pulled from scratch so every entry the peer currently holds surfaces
// again as PEER_FILE_ADDED, per the reconnect-with-lost-state behavior.
func (n *Node) pullOnce(ctx context.Context, pc *peerConn) {
	since := pc.remoteLog.Version()
	resp, ok := n.doReplicatePull(ctx, pc, since)
	if !ok {
		return
	}

	if resp.Version < since {
		n.logger.Info("peer log was replaced, resetting mirror",
			zap.String("peer", string(pc.id)), zap.Uint64("had_version", since), zap.Uint64("peer_version", resp.Version))
		if err := n.resetPeerMirror(pc); err != nil {
			n.logger.Error("failed to reset peer mirror", zap.String("peer", string(pc.id)), zap.Error(err))
			return
		}
		resp, ok = n.doReplicatePull(ctx, pc, 0)
		if !ok {
			return
		}
	}

	for _, e := range resp.Entries {
		if e.Tombstone {
			if err := pc.remoteLog.Del(e.Path); err != nil {
				n.logger.Error("mirror tombstone write failed", zap.String("peer", string(pc.id)), zap.Error(err))
			}
			continue
		}
		if e.Record == nil {
			continue
		}
		if err := pc.remoteLog.Put(e.Path, *e.Record); err != nil {
			n.logger.Error("mirror write failed", zap.String("peer", string(pc.id)), zap.Error(err))
		}
	}
}

func (n *Node) doReplicatePull(ctx context.Context, pc *peerConn, since uint64) (replicatePullResponse, bool) {
	env, err := pc.ch.Request(ctx, methodReplicatePull, replicatePullRequest{Since: since})
	if err != nil {
		n.logger.Debug("replication pull failed", zap.String("peer", string(pc.id)), zap.Error(err))
		return replicatePullResponse{}, false
	}
	var resp replicatePullResponse
	if err := transport.DecodeData(env, &resp); err != nil {
		n.logger.Warn("malformed replication response", zap.String("peer", string(pc.id)), zap.Error(err))
		return replicatePullResponse{}, false
	}
	return resp, true
}

// resetPeerMirror discards pc's mirror log on disk and re-registers pc.id
// with the index manager against a fresh one at version zero. Only the
// replicateLoop goroutine for pc touches pc.remoteLog, so this needs no
// lock of its own.
func (n *Node) resetPeerMirror(pc *peerConn) error {
	n.im.RemovePeer(pc.id)
	fresh, err := n.store.ResetLog(string(pc.id))
	if err != nil {
		return err
	}
	pc.remoteLog = fresh
	n.im.AddPeer(pc.id, fresh)
	return nil
}

func (n *Node) handleReplicatePull(ctx context.Context, payload json.RawMessage) (any, error) {
	var req replicatePullRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, syncerr.Wrap(syncerr.ProtocolError, "decode replicate pull request", err)
		}
	}
	diff, err := n.localLog.Diff(logstore.Snapshot{Version: req.Since})
	if err != nil {
		return nil, err
	}
	entries := make([]replicateEntry, 0, len(diff))
	for _, d := range diff {
		if d.Right == nil {
			entries = append(entries, replicateEntry{Path: d.Path, Tombstone: true})
			continue
		}
		rec := *d.Right
		entries = append(entries, replicateEntry{Path: d.Path, Record: &rec})
	}
	return replicatePullResponse{Entries: entries, Version: n.localLog.Version()}, nil
}

func (n *Node) handleFileRequest(ctx context.Context, peerID types.PeerID, payload json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, syncerr.Wrap(syncerr.ProtocolError, "decode file request", err)
	}
	return n.im.CreateUpload(peerID, req.Path)
}

func (n *Node) handleFileRelease(ctx context.Context, peerID types.PeerID, payload json.RawMessage) (any, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, syncerr.Wrap(syncerr.ProtocolError, "decode file release", err)
	}
	err := n.im.CloseUpload(peerID, req.Path, false)
	if n.metrics != nil {
		if err != nil {
			n.metrics.UploadErrorsTotal.Inc()
		} else {
			n.metrics.UploadsTotal.Inc()
		}
	}
	return nil, err
}

func (n *Node) handleMessage(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, syncerr.Wrap(syncerr.ProtocolError, "decode message envelope", err)
	}

	result, ok := n.dispatcher.Dispatch(req.Type, req.Payload)
	if !ok {
		return nil, syncerr.New(syncerr.UnknownMessageType, fmt.Sprintf("no handler registered for %q", req.Type))
	}
	if result.Err != nil {
		n.bus.Emit(EventError, result.Err)
		return nil, result.Err
	}
	return result.Data, nil
}

func (n *Node) requestFileFromPeer(ctx context.Context, peerID types.PeerID, path string) (types.BlobRef, error) {
	pc, ok := n.getPeer(peerID)
	if !ok {
		return types.BlobRef{}, syncerr.New(syncerr.NoPeer, fmt.Sprintf("no active channel to peer %s", peerID))
	}
	env, err := pc.ch.Request(ctx, methodFileRequest, map[string]string{"path": path})
	if err != nil {
		return types.BlobRef{}, err
	}
	var ref types.BlobRef
	if err := transport.DecodeData(env, &ref); err != nil {
		return types.BlobRef{}, err
	}
	if err := n.mirrorBlobLocally(ctx, pc, ref); err != nil {
		return types.BlobRef{}, err
	}
	return ref, nil
}

// mirrorBlobLocally dials peer's data-plane listener and copies the blob's
// bytes into the local store under the exact namespace/id the peer named,
// so IM's HandleDownload (which only ever reads its own BlobStore) finds
// them already published.
func (n *Node) mirrorBlobLocally(ctx context.Context, pc *peerConn, ref types.BlobRef) error {
	rc, _, err := transport.DialBlobFetch(ctx, pc.blobAddr, n.tlsConfig, ref.Key, ref.ID)
	if err != nil {
		return err
	}
	defer rc.Close()

	blobs, err := n.store.Blobs(ref.Key)
	if err != nil {
		return err
	}
	ws, err := blobs.CreateWriteStreamAt(ref.ID)
	if err != nil {
		return err
	}
	if _, err := io.Copy(ws, rc); err != nil {
		ws.Close()
		return syncerr.Wrap(syncerr.IOError, "mirror peer blob locally", err)
	}
	return ws.Close()
}

func (n *Node) sendFileReleaseToPeer(ctx context.Context, peerID types.PeerID, path string) error {
	pc, ok := n.getPeer(peerID)
	if !ok {
		return syncerr.New(syncerr.NoPeer, fmt.Sprintf("no active channel to peer %s", peerID))
	}
	_, err := pc.ch.Request(ctx, methodFileRelease, map[string]string{"path": path})
	return err
}

// Join joins (or, if networkKey is empty, creates) the discovery topic and
// starts the swarm's failure detector. Emits SAVE_DATA_UPDATE.
func (n *Node) Join(networkKey types.NetworkKey) error {
	if networkKey == "" {
		key, err := identity.NewNetworkKey()
		if err != nil {
			return err
		}
		networkKey = key
	}
	n.networkKey = networkKey

	n.swarm = discovery.NewSwarm(networkKey, n.logger, n.pollInterval*2, n.pollInterval*6)
	n.swarm.OnJoin(n.handlePeerJoin)
	n.swarm.OnLeave(n.handlePeerLeave)
	n.swarm.Start()

	n.bus.Emit(EventSaveDataUpdate, n.SaveData())
	n.logger.Info("joined network", zap.String("network_key", string(networkKey)))
	return nil
}

// DownloadFileFromPeer chains FILE_REQUEST, IM.HandleDownload, and
// FILE_RELEASE against peerID.
func (n *Node) DownloadFileFromPeer(ctx context.Context, peerID types.PeerID, path string) error {
	ref, err := n.requestFileFromPeer(ctx, peerID, path)
	if err != nil {
		n.bus.Emit(EventError, err)
		return err
	}

	downloadErr := n.im.HandleDownload(ctx, peerID, path, ref)
	if relErr := n.sendFileReleaseToPeer(ctx, peerID, path); relErr != nil {
		n.logger.Warn("file release failed", zap.String("peer", string(peerID)), zap.String("path", path), zap.Error(relErr))
	}
	return downloadErr
}

// SendMessage calls a user MESSAGE handler on peerID and returns its
// raw response data.
func (n *Node) SendMessage(ctx context.Context, peerID types.PeerID, msgType string, payload any) (json.RawMessage, error) {
	pc, ok := n.getPeer(peerID)
	if !ok {
		return nil, syncerr.New(syncerr.NoPeer, fmt.Sprintf("no active channel to peer %s", peerID))
	}
	env, err := pc.ch.Request(ctx, methodMessage, map[string]any{"type": msgType, "payload": payload})
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := transport.DecodeData(env, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Listen registers a persistent handler for a user MESSAGE type.
func (n *Node) Listen(msgType string, h eventbus.MessageHandler) { n.dispatcher.ListenOn(msgType, h) }

// ListenOnce registers a handler that answers msgType at most once.
func (n *Node) ListenOnce(msgType string, h eventbus.MessageHandler) { n.dispatcher.ListenOnce(msgType, h) }

// Unlisten removes msgType's persistent handler.
func (n *Node) Unlisten(msgType string) { n.dispatcher.UnlistenOn(msgType) }

// ActivateArchive turns on the background relay that pulls every network
// file not already held locally.
func (n *Node) ActivateArchive() { n.im.ActivateArchive() }

// DeactivateArchive turns off the archive relay.
func (n *Node) DeactivateArchive() { n.im.DeactivateArchive() }

// QueueDownload adds path to the set fetched automatically the moment any
// peer advertises it.
func (n *Node) QueueDownload(path string) {
	n.im.QueueDownload(path)
	if n.metrics != nil {
		n.metrics.QueuedDownloads.Set(float64(len(n.im.QueuedDownloads())))
	}
}

// ListPeers returns every peer the swarm currently tracks.
func (n *Node) ListPeers() []discovery.Member {
	if n.swarm == nil {
		return nil
	}
	return n.swarm.Members()
}

// ListLocalFiles returns the local file index's current snapshot.
func (n *Node) ListLocalFiles() []types.FileRecord { return n.im.ListLocal() }

// ListNetworkFiles returns every known peer's file set plus "local".
func (n *Node) ListNetworkFiles() map[string][]types.FileRecord { return n.im.ListNetwork() }

// ListNonLocalFiles returns every path advertised by some peer but not
// held locally.
func (n *Node) ListNonLocalFiles() []string { return n.im.ListNonLocal() }

// SaveData reconstructs the boot configuration this Node could be reopened
// from, plus the union of queued and in-progress downloads.
func (n *Node) SaveData() types.SaveData {
	return types.SaveData{
		Seed:          n.identity.Seed,
		NetworkKey:    n.networkKey,
		WatchPath:     n.watchPath,
		CorestorePath: n.storePath,
		IndexOptions: types.IndexOptions{
			Archive:      n.im.ArchiveActive(),
			PollInterval: n.pollInterval,
		},
		QueuedDownloads: n.im.QueuedDownloads(),
		InProgress:      n.im.InProgressPaths(),
	}
}

// Close tears down the swarm, then the index manager, then the log store.
// Idempotent.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.swarm != nil {
			n.swarm.Stop()
		}

		n.peersMu.Lock()
		peers := make([]*peerConn, 0, len(n.peers))
		for _, pc := range n.peers {
			peers = append(peers, pc)
		}
		n.peers = make(map[types.PeerID]*peerConn)
		n.peersMu.Unlock()
		for _, pc := range peers {
			pc.cancel()
			pc.ch.Close()
		}

		if n.cancel != nil {
			n.cancel()
		}
		if n.controlListener != nil {
			n.controlListener.Close()
		}
		if n.blobListener != nil {
			n.blobListener.Close()
		}

		if n.im != nil {
			n.im.Close()
		}
		if n.lfi != nil {
			n.lfi.Close()
		}
		if n.store != nil {
			err = n.store.Close()
		}
	})
	return err
}

package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"syncmesh/pkg/discovery"
	"syncmesh/pkg/metrics"
	"syncmesh/pkg/node"
	"syncmesh/pkg/types"
)

// Server exposes a running Node's status and control surface over HTTP.
// Metrics is optional; a nil Metrics simply omits the /metrics route.
type Server struct {
	node    *node.Node
	metrics *metrics.Registry
	logger  *zap.Logger
}

func New(n *node.Node, m *metrics.Registry, logger *zap.Logger) *Server {
	return &Server{node: n, metrics: m, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/get", s.handleGet)
	mux.HandleFunc("/archive", s.handleArchive)
	mux.HandleFunc("/join", s.handleJoin)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	sd := s.node.SaveData()
	networkFiles := 0
	for _, records := range s.node.ListNetworkFiles() {
		networkFiles += len(records)
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		PeerID:           string(s.node.PeerID()),
		ControlAddr:      s.node.ControlAddr(),
		BlobAddr:         s.node.BlobAddr(),
		PeerCount:        len(s.node.ListPeers()),
		LocalFileCount:   len(s.node.ListLocalFiles()),
		NetworkFileCount: networkFiles,
		ArchiveActive:    sd.IndexOptions.Archive,
		QueuedDownloads:  sd.QueuedDownloads,
		InProgress:       sd.InProgress,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	members := s.node.ListPeers()
	out := make([]PeerInfo, 0, len(members))
	for _, m := range members {
		out = append(out, PeerInfo{
			ID:       string(m.ID),
			Address:  m.Address,
			Status:   statusLabel(m.Status),
			LastSeen: m.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func statusLabel(s discovery.Status) string {
	switch s {
	case discovery.StatusAlive:
		return "alive"
	case discovery.StatusSuspected:
		return "suspected"
	case discovery.StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{
		Local:    s.node.ListLocalFiles(),
		Network:  s.node.ListNetworkFiles(),
		NonLocal: s.node.ListNonLocalFiles(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.node.QueueDownload(req.Path)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req GetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id and path are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := s.node.DownloadFileFromPeer(ctx, types.PeerID(req.PeerID), req.Path); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req ArchiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Active {
		s.node.ActivateArchive()
	} else {
		s.node.DeactivateArchive()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.node.Join(types.NetworkKey(req.NetworkKey)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		PeerID:      string(s.node.PeerID()),
		ControlAddr: s.node.ControlAddr(),
		BlobAddr:    s.node.BlobAddr(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

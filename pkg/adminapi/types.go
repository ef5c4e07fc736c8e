// Package adminapi is a small JSON-over-HTTP control surface for a running
// node: the peer-to-peer wire protocol in pkg/transport carries only
// swarm/replication/transfer traffic, so an operator-facing CLI needs a
// separate channel to ask a live process for its status or push a queue
// change. Grounded on the shape of a coordinator's status/peer RPCs in
// comparable hub-and-spoke storage systems, rebuilt on stdlib net/http
// since nothing in the dependency stack offers an HTTP router or a
// lighter RPC framework than the one already dropped in favor of
// pkg/transport's own wire protocol.
package adminapi

import (
	"time"

	"syncmesh/pkg/types"
)

// StatusResponse is the top-level snapshot served at GET /status.
type StatusResponse struct {
	PeerID           string   `json:"peer_id"`
	ControlAddr      string   `json:"control_addr"`
	BlobAddr         string   `json:"blob_addr"`
	PeerCount        int      `json:"peer_count"`
	LocalFileCount   int      `json:"local_file_count"`
	NetworkFileCount int      `json:"network_file_count"`
	ArchiveActive    bool     `json:"archive_active"`
	QueuedDownloads  []string `json:"queued_downloads"`
	InProgress       []string `json:"in_progress"`
}

// PeerInfo is one swarm member as reported at GET /peers.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// FilesResponse is the combined local/network/non-local file view served
// at GET /files.
type FilesResponse struct {
	Local    []types.FileRecord            `json:"local"`
	Network  map[string][]types.FileRecord `json:"network"`
	NonLocal []string                      `json:"non_local"`
}

// QueueRequest is the POST /queue body.
type QueueRequest struct {
	Path string `json:"path"`
}

// GetRequest is the POST /get body.
type GetRequest struct {
	PeerID string `json:"peer_id"`
	Path   string `json:"path"`
}

// JoinRequest is the POST /join body. An empty NetworkKey asks the node
// to mint a fresh one.
type JoinRequest struct {
	NetworkKey string `json:"network_key"`
}

// ArchiveRequest is the POST /archive body.
type ArchiveRequest struct {
	Active bool `json:"active"`
}

// ErrorResponse is the body returned for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

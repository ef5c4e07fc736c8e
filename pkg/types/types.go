// Package types holds the shared data model for a syncmesh node: peer and
// network identifiers, the file record stored in every log, and the
// transfer-table entry that gates concurrent access between the indexer and
// the transfer subsystem.
package types

import "time"

// PeerID is a peer's 32-byte Ed25519 public key, hex-encoded.
type PeerID string

// NetworkKey is the 32-byte shared discovery-topic secret, hex-encoded.
type NetworkKey string

// Direction is which side of a transfer a local node is playing.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// FileRecord is the unit stored in every peer's log, keyed by its Path.
type FileRecord struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"` // ms since Unix epoch
	Hash     string  `json:"hash"`     // hex SHA-256
}

// SameContent reports whether two records describe identical file bytes
// using the quick-change key: if size and modified both match, the hash is
// assumed unchanged.
func (f FileRecord) SameContent(other FileRecord) bool {
	return f.Size == other.Size && f.Modified == other.Modified
}

// TransferEntry describes one in-flight transfer endpoint for a path.
type TransferEntry struct {
	Peer      PeerID
	Direction Direction
	StartedAt time.Time
}

// BlobRef is a one-shot content-addressed transport object reference: Key
// identifies the content-store namespace it was published under, ID is the
// opaque blob locator within that store.
type BlobRef struct {
	Type string `json:"type"` // always "hyperblobs" on the wire
	Key  string `json:"key"`
	ID   string `json:"id"`
}

// IndexOptions are the archive/poll knobs persisted in save-data.
type IndexOptions struct {
	Archive      bool          `json:"archive"`
	PollInterval time.Duration `json:"poll_interval"`
}

// SaveData is the persistent boot configuration a Node can be reopened
// from; it must round-trip through JSON unchanged apart from the evolving
// QueuedDownloads set.
type SaveData struct {
	Seed            []byte       `json:"seed"`
	NetworkKey      NetworkKey   `json:"network_key"`
	WatchPath       string       `json:"watch_path"`
	CorestorePath   string       `json:"corestore_path"`
	IndexOptions    IndexOptions `json:"index_options"`
	QueuedDownloads []string     `json:"queued_downloads"`
	InProgress      []string     `json:"in_progress,omitempty"`
}

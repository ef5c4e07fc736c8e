// Package hashutil provides the content-hashing and path-normalization
// primitives used to build FileRecords: SHA-256 over a bounded read buffer,
// and two distinct path forms — the log key (relative, forward-slashed, no
// leading slash) and the "drive path" used as a transfer-table key (leading
// slash, to avoid colliding with absolute OS paths on the same table).
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"syncmesh/pkg/syncerr"
)

// chunkSize bounds the read buffer used while hashing so memory use stays
// flat regardless of file size.
const chunkSize = 64 * 1024

// HashFile returns the hex-encoded SHA-256 of path's full contents, reading
// in chunkSize chunks. A file that disappears or becomes unreadable
// mid-read surfaces as syncerr.IOError, which callers must treat as
// transient and retry on the next scan.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", syncerr.Wrap(syncerr.IOError, "open file for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", syncerr.Wrap(syncerr.IOError, "hash file chunk", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", syncerr.Wrap(syncerr.IOError, "read file while hashing", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeRelPath converts an OS-native path, relative to root, into the
// log key form: forward-slashed, no leading slash.
func NormalizeRelPath(root, native string) (string, error) {
	rel, err := filepath.Rel(root, native)
	if err != nil {
		return "", syncerr.Wrap(syncerr.IOError, "compute relative path", err)
	}
	return filepath.ToSlash(rel), nil
}

// ToNativePath turns a log key back into an OS-native absolute path rooted
// at root.
func ToNativePath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

// DrivePath returns the transfer-table key form of a log key: a leading
// slash, so it can never collide with an absolute OS path stored in the
// same table.
func DrivePath(relPath string) string {
	if strings.HasPrefix(relPath, "/") {
		return relPath
	}
	return "/" + relPath
}

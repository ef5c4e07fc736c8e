package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"

	"syncmesh/pkg/syncerr"
)

// Blob transfer bytes never share a connection with control-plane
// request/response traffic: each transfer dials (or accepts) a dedicated
// short-lived connection so a large file body can't head-of-line block
// method calls. The header is one JSON frame; the body is the raw byte
// stream that follows.

// BlobRequestHeader is the first frame sent on a data-plane connection.
type BlobRequestHeader struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

// BlobReplyHeader is the first frame the server sends back before
// streaming raw bytes.
type BlobReplyHeader struct {
	OK    bool   `json:"ok"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// DialBlobFetch opens a fresh data-plane connection to addr, sends the
// blob request header, and returns the raw byte reader plus declared size.
// Closing the returned ReadCloser closes the underlying connection.
func DialBlobFetch(ctx context.Context, addr string, tlsConfig *tls.Config, key, id string) (io.ReadCloser, int64, error) {
	conn, err := Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, 0, err
	}

	fw := &frameWriter{w: conn}
	if err := fw.writeJSON(BlobRequestHeader{Key: key, ID: id}); err != nil {
		conn.Close()
		return nil, 0, err
	}

	fr := newFrameReader(conn)
	var reply BlobReplyHeader
	if err := fr.readJSON(&reply); err != nil {
		conn.Close()
		return nil, 0, syncerr.Wrap(syncerr.IOError, "read blob reply header", err)
	}
	if !reply.OK {
		conn.Close()
		return nil, 0, syncerr.New(syncerr.NotFound, reply.Error)
	}

	return &blobConnReader{Reader: fr.r, conn: conn}, reply.Size, nil
}

type blobConnReader struct {
	io.Reader
	conn net.Conn
}

func (b *blobConnReader) Close() error { return b.conn.Close() }

// BlobResolver looks up a local reader and its size for (key, id) when a
// data-plane connection asks for that blob.
type BlobResolver func(key, id string) (io.ReadCloser, int64, error)

// ServeBlobConn handles one accepted net.Conn as a blob fetch: read the
// header, resolve, stream the reply header and body, then return.
func ServeBlobConn(conn net.Conn, resolve BlobResolver) {
	defer conn.Close()

	fr := newFrameReader(conn)
	var req BlobRequestHeader
	if err := fr.readJSON(&req); err != nil {
		return
	}

	fw := &frameWriter{w: conn}
	rc, size, err := resolve(req.Key, req.ID)
	if err != nil {
		_ = fw.writeJSON(BlobReplyHeader{OK: false, Error: err.Error()})
		return
	}
	defer rc.Close()

	if err := fw.writeJSON(BlobReplyHeader{OK: true, Size: size}); err != nil {
		return
	}
	_, _ = io.Copy(conn, rc)
}

// Package transport is the replication transport: a framed,
// JSON-value-encoded request/response channel over net.Conn, plus a
// separate raw-byte data plane for streaming blob contents.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"syncmesh/pkg/syncerr"
)

// maxFrameSize bounds a single control frame to guard against a malformed
// peer sending an unbounded length prefix.
const maxFrameSize = 16 * 1024 * 1024

// Request is one outbound or inbound framed call.
type Request struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status is the wire-level outcome of a request.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusError              Status = "error"
	StatusUnknownMessageType Status = "unknown_message_type"
)

// Envelope is the response wrapper every protocol method returns.
type Envelope struct {
	ID     uint64          `json:"id"`
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// frameWriter/frameReader implement length-prefixed JSON framing: a 4-byte
// big-endian length followed by that many bytes of JSON.
type frameWriter struct {
	w io.Writer
}

func (fw *frameWriter) writeJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return syncerr.Wrap(syncerr.ProtocolError, "marshal frame", err)
	}
	if len(body) > maxFrameSize {
		return syncerr.New(syncerr.ProtocolError, "outbound frame too large")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return syncerr.Wrap(syncerr.IOError, "write frame header", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return syncerr.Wrap(syncerr.IOError, "write frame body", err)
	}
	return nil
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (fr *frameReader) readJSON(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return err // callers distinguish io.EOF for clean close
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return syncerr.New(syncerr.ProtocolError, "inbound frame too large")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return syncerr.Wrap(syncerr.IOError, "read frame body", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return syncerr.Wrap(syncerr.ProtocolError, "unmarshal frame", err)
	}
	return nil
}

// wireEnvelope is the union type used to decode any incoming frame as
// either a Request or an Envelope, distinguished by the presence of a
// "method" field.
type wireEnvelope struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  Status          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (w wireEnvelope) isRequest() bool { return w.Method != "" }

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return syncerr.Wrap(syncerr.ProtocolError, "decode payload", err)
	}
	return nil
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ProtocolError, "encode payload", err)
	}
	return b, nil
}


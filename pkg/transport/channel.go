package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"syncmesh/pkg/syncerr"
)

// Handler answers one inbound Request, returning the payload that becomes
// the success envelope's Data, or an error that becomes an error envelope.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Channel is a framed request/response channel: JSON value-encoded,
// bidirectional over a single net.Conn, with server-side method handlers
// (Respond) and client-side calls (Request) multiplexed by request ID so
// either side can call the other concurrently.
type Channel struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	fw      *frameWriter

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope

	nextID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel wraps conn in a Channel and starts its read loop. onClose, if
// non-nil, is invoked exactly once when the connection ends for any reason.
func NewChannel(conn net.Conn, logger *zap.Logger, onClose func(error)) *Channel {
	ch := &Channel{
		conn:     conn,
		logger:   logger,
		fw:       &frameWriter{w: conn},
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan Envelope),
		closed:   make(chan struct{}),
	}
	go ch.readLoop(onClose)
	return ch
}

// Respond registers method's server-side handler. Registering the same
// method twice replaces the previous handler.
func (c *Channel) Respond(method string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// Request sends method(payload) to the peer and waits for its Envelope.
func (c *Channel) Request(ctx context.Context, method string, payload any) (Envelope, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	replyCh := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.fw.writeJSON(wireEnvelope{ID: id, Method: method, Payload: body})
	c.writeMu.Unlock()
	if err != nil {
		return Envelope{}, err
	}

	select {
	case env := <-replyCh:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, syncerr.Wrap(syncerr.Cancelled, "request cancelled", ctx.Err())
	case <-c.closed:
		return Envelope{}, syncerr.New(syncerr.NoPeer, "channel closed before response arrived")
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop(onClose func(error)) {
	fr := newFrameReader(c.conn)
	var closeErr error
	for {
		var w wireEnvelope
		if err := fr.readJSON(&w); err != nil {
			if err != io.EOF {
				closeErr = err
			}
			break
		}

		if w.isRequest() {
			go c.handleRequest(w)
			continue
		}

		c.pendingMu.Lock()
		replyCh, ok := c.pending[w.ID]
		c.pendingMu.Unlock()
		if ok {
			replyCh <- Envelope{ID: w.ID, Status: w.Status, Data: w.Data}
		}
	}

	c.Close()
	if onClose != nil {
		onClose(closeErr)
	}
}

func (c *Channel) handleRequest(w wireEnvelope) {
	c.handlersMu.RLock()
	h, ok := c.handlers[w.Method]
	c.handlersMu.RUnlock()

	var env wireEnvelope
	env.ID = w.ID

	if !ok {
		env.Status = StatusUnknownMessageType
		c.sendEnvelope(env)
		return
	}

	result, err := c.invokeRecovering(h, w.Payload)
	if err != nil {
		env.Status = StatusError
		if syncerr.KindOf(err) == syncerr.UnknownMessageType {
			env.Status = StatusUnknownMessageType
		}
		msg, _ := json.Marshal(errorPayload(err))
		env.Data = msg
		if c.logger != nil {
			c.logger.Error("protocol handler failed", zap.String("method", w.Method), zap.Error(err))
		}
		c.sendEnvelope(env)
		return
	}

	data, encErr := encodePayload(result)
	if encErr != nil {
		env.Status = StatusError
		msg, _ := json.Marshal(errorPayload(encErr))
		env.Data = msg
		c.sendEnvelope(env)
		return
	}
	env.Status = StatusSuccess
	env.Data = data
	c.sendEnvelope(env)
}

func (c *Channel) invokeRecovering(h Handler, payload json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(context.Background(), payload)
}

func (c *Channel) sendEnvelope(env wireEnvelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// A closed connection here just drops the response; the caller's
	// Request already unblocks via c.closed.
	_ = c.fw.writeJSON(env)
}

type errPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func errorPayload(err error) errPayload {
	return errPayload{Message: err.Error(), Kind: string(syncerr.KindOf(err))}
}

// DecodeData unmarshals env.Data into out, treating a non-success status as
// an error using the embedded kind/message.
func DecodeData(env Envelope, out any) error {
	switch env.Status {
	case StatusUnknownMessageType:
		return syncerr.New(syncerr.UnknownMessageType, "peer has no handler for this method")
	case StatusError:
		var ep errPayload
		if err := json.Unmarshal(env.Data, &ep); err == nil && ep.Message != "" {
			return syncerr.New(syncerr.Kind(ep.Kind), ep.Message)
		}
		return syncerr.New(syncerr.ProtocolError, "peer returned an error with no detail")
	case StatusSuccess:
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		return decodePayload(env.Data, out)
	default:
		return syncerr.New(syncerr.ProtocolError, "malformed response status")
	}
}

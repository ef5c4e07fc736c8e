package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"syncmesh/pkg/syncerr"
)

// Listener accepts inbound peer connections. It is a thin wrapper over
// net.Listener.
type Listener struct {
	net.Listener
}

// Listen binds addr, optionally with TLS if tlsConfig is non-nil.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	var (
		l   net.Listener
		err error
	)
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, fmt.Sprintf("listen on %s", addr), err)
	}
	return &Listener{l}, nil
}

// Dial connects to addr, optionally with TLS.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.IOError, fmt.Sprintf("dial %s", addr), err)
	}
	return conn, nil
}

// DialWithRetry dials addr up to maxAttempts times, sleeping interval
// between attempts.
func DialWithRetry(ctx context.Context, addr string, tlsConfig *tls.Config, maxAttempts int, interval time.Duration) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := Dial(ctx, addr, tlsConfig)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, syncerr.Wrap(syncerr.Cancelled, "dial retry cancelled", ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, syncerr.Wrap(syncerr.IOError, fmt.Sprintf("failed to connect to %s after %d attempts", addr, maxAttempts), lastErr)
}

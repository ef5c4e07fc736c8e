package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"syncmesh/pkg/adminapi"
)

// adminServer wraps http.Server with a Close that's safe to defer even if
// the listener never fully came up.
type adminServer struct {
	httpSrv  *http.Server
	listener net.Listener
}

func startAdminServer(addr string, api *adminapi.Server) (*adminServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: api.Handler()}
	go srv.Serve(l)
	return &adminServer{httpSrv: srv, listener: l}, nil
}

func (a *adminServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpSrv.Shutdown(ctx)
}

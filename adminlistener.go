package gretun

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"time"
)

// Read/Write timeout in the admin server.
const adminServerTimeout = 10 * time.Second

// AdminListener serves expvar metrics (ND6) over plain HTTP. Unlike the
// teacher's equivalent it never needs a QUIC/HTTP3 transport: nothing in
// this domain speaks QUIC, so that branch is dropped rather than carried
// as dead code.
type AdminListener struct {
	httpServer *http.Server
	id         string
	addr       string
	mux        *http.ServeMux
}

// NewAdminListener returns an admin service listener bound to addr.
func NewAdminListener(id, addr string) *AdminListener {
	l := &AdminListener{
		id:   id,
		addr: addr,
		mux:  http.NewServeMux(),
	}
	l.mux.Handle("/gretun/vars", expvar.Handler())
	return l
}

// Start the admin server. Blocks until Stop is called or the listener fails.
func (s *AdminListener) Start() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "addr": s.addr}).Info("starting admin listener")
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  adminServerTimeout,
		WriteTimeout: adminServerTimeout,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.httpServer.Serve(ln)
}

// Stop shuts the admin server down.
func (s *AdminListener) Stop() error {
	Log.WithFields(map[string]interface{}{"id": s.id, "addr": s.addr}).Info("stopping admin listener")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *AdminListener) String() string {
	return s.id
}

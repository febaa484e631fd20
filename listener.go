package gretun

import (
	"net"

	"github.com/sirupsen/logrus"
)

// TCPListener owns one bound socket for one (localIP, port) pair and
// accepts connections onto a Dispatcher, generalized from the teacher's
// dnslistener.go accept-loop shape (SPEC_FULL.md §4.10): newly accepted
// sockets get linger(0) set immediately, and a transient accept error
// never tears down the listener.
type TCPListener struct {
	id       string
	addr     string
	listener net.Listener
	quit     chan struct{}
}

// NewTCPListener binds addr ("ip:port") but does not start accepting yet.
func NewTCPListener(id, addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, WrapError(IoFailure, err, "listen on "+addr)
	}
	return &TCPListener{id: id, addr: addr, listener: l, quit: make(chan struct{})}, nil
}

func (l *TCPListener) String() string { return l.id }

// Addr returns the bound local address.
func (l *TCPListener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until Stop is called, invoking handle for
// each one in its own goroutine.
func (l *TCPListener) Serve(handle func(net.Conn)) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			Log.WithFields(logrus.Fields{"listener": l.id, "error": err}).Warn("accept failed, continuing")
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		go handle(conn)
	}
}

// Stop closes the listening socket. In-flight connections are not
// affected; callers drain those via ConnectionRegistry.Shutdown.
func (l *TCPListener) Stop() error {
	close(l.quit)
	return l.listener.Close()
}

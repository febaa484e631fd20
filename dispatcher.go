package gretun

import "net"

// Dispatcher binds each accepted connection's local/remote address pair,
// checks the allowlist, and hands off to ProtocolDemux (SPEC_FULL.md
// §4.10, continuing from C6).
type Dispatcher struct {
	Directory *Directory
	Demux     *ProtocolDemux
}

// Handle is passed to TCPListener.Serve as its per-connection callback.
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	remoteIP := hostOf(conn.RemoteAddr())
	localIP := hostOf(conn.LocalAddr())
	isWhite := d.Directory.InStock(remoteIP)

	if err := d.Demux.Dispatch(conn, localIP, remoteIP, isWhite); err != nil {
		Log.WithError(err).WithField("remote", remoteIP).Debug("connection handling finished with error")
	}
}

func hostOf(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return ""
	}
	return tcpAddr.IP.String()
}

package gretun

import (
	"bufio"
	"net"
)

const socks5VersionByte = 0x05

// ProtocolDemux peeks the first byte of a freshly accepted connection to
// decide whether it's a SOCKS5 client (version byte 0x05) or an HTTP(S)
// proxy client, without consuming the byte: the chosen front end reads it
// again as part of its own framing (SPEC_FULL.md §4.6).
type ProtocolDemux struct {
	http   *HttpFrontEnd
	socks5 *Socks5FrontEnd
}

func NewProtocolDemux(http *HttpFrontEnd, socks5 *Socks5FrontEnd) *ProtocolDemux {
	return &ProtocolDemux{http: http, socks5: socks5}
}

// Dispatch peeks the version byte and hands the connection to the
// matching front end. conn's read side must not have been consumed yet.
func (d *ProtocolDemux) Dispatch(conn net.Conn, localIP, remoteIP string, isWhite bool) error {
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	if err != nil {
		return WrapError(IoFailure, err, "peek protocol byte")
	}

	if b[0] == socks5VersionByte {
		return d.socks5.Handle(br, conn, localIP, remoteIP, isWhite)
	}
	return d.http.Handle(br, conn, localIP, remoteIP, isWhite)
}

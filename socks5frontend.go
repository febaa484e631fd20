package gretun

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
)

// SOCKS5 constants, grounded on
// _examples/other_examples/e289a973_paulGUZU-fsak__internal-client-socks5.go.go.
const (
	socks5Ver        = 0x05
	socks5CmdConnect = 0x01
	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5MethodNoAuth   = 0x00
	socks5MethodUserPass = 0x02
	socks5MethodNone     = 0xFF

	socks5AuthVersion = 0x01
	socks5AuthSuccess = 0x00
	socks5AuthFailure = 0xFF

	socks5ReplySucceeded           = 0x00
	socks5ReplyCommandNotSupported = 0x07
	socks5ReplyGeneralFailure      = 0x01
)

// Socks5FrontEnd implements the SOCKS5 proxy path (SPEC_FULL.md §4.8): RFC
// 1928 method negotiation, RFC 1929 username/password sub-negotiation when
// the source isn't IP-allowlisted, and CONNECT-only command support.
type Socks5FrontEnd struct {
	Directory *Directory
	ACL       ACL
	Resolver  *Resolver
	Registry  *ConnectionRegistry
	Stats     *StatsCore
	Dial      func(ctx context.Context, localIP string, addr *net.TCPAddr) (net.Conn, error)
}

// Handle services one accepted connection already peeked by ProtocolDemux
// (the 0x05 version byte is still buffered in br).
func (s *Socks5FrontEnd) Handle(br *bufio.Reader, conn net.Conn, localIP, remoteIP string, isWhite bool) error {
	s.Stats.Requests.Add(RequestSOCKS5)

	user, err := s.negotiate(br, conn, localIP, remoteIP, isWhite)
	if err != nil {
		return err
	}

	host, port, err := s.readConnectRequest(br, conn)
	if err != nil {
		return err
	}

	if !s.ACL.Check(user, host, localIP) {
		writeSocks5Reply(conn, socks5ReplyGeneralFailure)
		return NewError(ForbiddenRequest, "acl denied host %q", host)
	}

	targetAddr, err := s.Resolver.Resolve(context.Background(), host, port)
	if err != nil {
		writeSocks5Reply(conn, socks5ReplyGeneralFailure)
		return err
	}

	if cc, ok := s.ACL.(countryChecker); ok && !cc.CheckCountry(targetAddr.IP.String()) {
		writeSocks5Reply(conn, socks5ReplyGeneralFailure)
		return NewError(ForbiddenRequest, "acl denied host %q by country", host)
	}

	dial := s.Dial
	if dial == nil {
		dial = dialFromLocalIP
	}
	out, err := dialWithRetry(context.Background(), dial, localIP, targetAddr)
	if err != nil {
		writeSocks5Reply(conn, socks5ReplyGeneralFailure)
		return WrapError(ConnectServerFailed, err, "dial target")
	}

	if err := writeSocks5BoundReply(conn, out.LocalAddr()); err != nil {
		out.Close()
		return WrapError(IoFailure, err, "write socks5 reply")
	}

	flow := TrafficRecord{
		UserID:   user.UserID,
		Host:     canonicalHost(host),
		LocalIP:  localIP,
		RemoteIP: remoteIP,
	}
	tun := NewTunnel(br, conn, out, s.Registry, s.Stats, flow)
	return tun.Run(user.UserID)
}

// negotiate runs the RFC 1928 method-selection greeting, and if
// credentials are required, the RFC 1929 username/password
// sub-negotiation, returning the authenticated user.
func (s *Socks5FrontEnd) negotiate(br *bufio.Reader, conn net.Conn, localIP, remoteIP string, isWhite bool) (UserInfo, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return UserInfo{}, WrapError(IoFailure, err, "read socks5 greeting")
	}
	if header[0] != socks5Ver {
		return UserInfo{}, NewError(InvalidRequest, "bad socks5 version byte %x", header[0])
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(br, methods); err != nil {
		return UserInfo{}, WrapError(IoFailure, err, "read socks5 methods")
	}

	if isWhite {
		if _, err := conn.Write([]byte{socks5Ver, socks5MethodNoAuth}); err != nil {
			return UserInfo{}, WrapError(IoFailure, err, "write method selection")
		}
		return UserInfo{}, nil
	}

	if !containsByte(methods, socks5MethodUserPass) {
		conn.Write([]byte{socks5Ver, socks5MethodNone})
		return UserInfo{}, NewError(NoAuthFound, "client does not offer user/pass auth")
	}
	if _, err := conn.Write([]byte{socks5Ver, socks5MethodUserPass}); err != nil {
		return UserInfo{}, WrapError(IoFailure, err, "write method selection")
	}

	username, password, err := readSocks5Credentials(br)
	if err != nil {
		return UserInfo{}, err
	}

	accepted, user := s.Directory.CheckAuth(username, password, localIP, remoteIP, isWhite)
	if !accepted {
		conn.Write([]byte{socks5AuthVersion, socks5AuthFailure})
		return UserInfo{}, NewError(AuthFailed, "socks5 auth failed for %q", username)
	}
	if _, err := conn.Write([]byte{socks5AuthVersion, socks5AuthSuccess}); err != nil {
		return UserInfo{}, WrapError(IoFailure, err, "write auth success")
	}
	return user, nil
}

func readSocks5Credentials(br *bufio.Reader) (username, password string, err error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return "", "", WrapError(IoFailure, err, "read auth header")
	}
	if header[0] != socks5AuthVersion {
		return "", "", NewError(InvalidRequest, "bad auth sub-negotiation version %x", header[0])
	}
	userBuf := make([]byte, int(header[1]))
	if _, err := io.ReadFull(br, userBuf); err != nil {
		return "", "", WrapError(IoFailure, err, "read username")
	}
	passLen := make([]byte, 1)
	if _, err := io.ReadFull(br, passLen); err != nil {
		return "", "", WrapError(IoFailure, err, "read password length")
	}
	passBuf := make([]byte, int(passLen[0]))
	if _, err := io.ReadFull(br, passBuf); err != nil {
		return "", "", WrapError(IoFailure, err, "read password")
	}
	return string(userBuf), string(passBuf), nil
}

func (s *Socks5FrontEnd) readConnectRequest(br *bufio.Reader, conn net.Conn) (host string, port int, err error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", 0, WrapError(IoFailure, err, "read connect request header")
	}
	if buf[1] != socks5CmdConnect {
		writeSocks5Reply(conn, socks5ReplyCommandNotSupported)
		return "", 0, NewError(UnsupportedCommand, "socks5 command %x not supported", buf[1])
	}

	switch buf[3] {
	case socks5AtypIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(br, ip); err != nil {
			return "", 0, WrapError(IoFailure, err, "read ipv4 address")
		}
		host = net.IP(ip).String()
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return "", 0, WrapError(IoFailure, err, "read domain length")
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(br, domain); err != nil {
			return "", 0, WrapError(IoFailure, err, "read domain")
		}
		host = string(domain)
	case socks5AtypIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(br, ip); err != nil {
			return "", 0, WrapError(IoFailure, err, "read ipv6 address")
		}
		host = net.IP(ip).String()
	default:
		writeSocks5Reply(conn, socks5ReplyCommandNotSupported)
		return "", 0, NewError(UnsupportedAddressType, "socks5 address type %x not supported", buf[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(br, portBuf); err != nil {
		return "", 0, WrapError(IoFailure, err, "read port")
	}
	return host, int(binary.BigEndian.Uint16(portBuf)), nil
}

func writeSocks5Reply(conn net.Conn, rep byte) {
	conn.Write([]byte{socks5Ver, rep, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
}

// writeSocks5BoundReply replies Succeeded with the actual local address
// the outbound socket bound to.
func writeSocks5BoundReply(conn net.Conn, bound net.Addr) error {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok || tcpAddr.IP.To4() == nil {
		_, err := conn.Write([]byte{socks5Ver, socks5ReplySucceeded, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0})
		return err
	}
	reply := make([]byte, 0, 10)
	reply = append(reply, socks5Ver, socks5ReplySucceeded, 0x00, socks5AtypIPv4)
	reply = append(reply, tcpAddr.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(tcpAddr.Port))
	reply = append(reply, portBuf...)
	_, err := conn.Write(reply)
	return err
}

func containsByte(b []byte, v byte) bool {
	for _, x := range b {
		if x == v {
			return true
		}
	}
	return false
}

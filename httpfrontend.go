package gretun

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	httpReadTimeout  = 10 * time.Second
	httpReadChunk    = 4096
	httpMaxHeaders   = 32
	httpMaxRequest   = 64 * 1024
	proxyAuthRealm   = `Basic realm="Proxy-Login"`
	respOK           = "HTTP/1.1 200 OK\r\n\r\n"
	respUnauthorized = "HTTP/1.1 401 Unauthorized\r\nUnauthorized\r\n\r\n"
	respProxyAuth    = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: " + proxyAuthRealm + "\r\n\r\n"
	respForbidden    = "HTTP/1.1 403 Forbidden\r\n\r\n"
)

// httpRequest is the parsed subset of an incoming HTTP proxy request
// needed by HttpFrontEnd: method, target host:port, and whatever raw bytes
// were read (request line + headers, possibly also buffered body bytes),
// which non-CONNECT requests forward on to the tunnel verbatim.
type httpRequest struct {
	isConnect    bool
	host         string
	port         int
	proxyUser    string
	proxyPass    string
	hasProxyAuth bool
	raw          []byte
}

// HttpFrontEnd implements the HTTP(S) proxy path (SPEC_FULL.md §4.7):
// challenge/response auth over Proxy-Authorization, ACL enforcement, and
// either a CONNECT tunnel or a relayed plain HTTP request.
type HttpFrontEnd struct {
	Directory *Directory
	ACL       ACL
	Resolver  *Resolver
	Registry  *ConnectionRegistry
	Stats     *StatsCore
	Dial      func(ctx context.Context, localIP string, addr *net.TCPAddr) (net.Conn, error)
}

// Handle services one accepted connection already peeked by ProtocolDemux.
// br has the connection's first byte buffered; conn is used for writes and
// for the raw net.Conn operations (SetDeadline, CloseWrite, LocalAddr).
func (h *HttpFrontEnd) Handle(br *bufio.Reader, conn net.Conn, localIP, remoteIP string, isWhite bool) error {
	h.Stats.Requests.Add(RequestNone)

	req, err := h.readRequest(br, conn)
	if err != nil {
		return err
	}

	accepted, user := false, UserInfo{}
	if isWhite {
		accepted, user = true, UserInfo{}
	} else if req.hasProxyAuth {
		accepted, user = h.Directory.CheckAuth(req.proxyUser, req.proxyPass, localIP, remoteIP, isWhite)
	}

	if !accepted && !req.hasProxyAuth {
		if _, err := conn.Write([]byte(respProxyAuth)); err != nil {
			return WrapError(IoFailure, err, "write 407")
		}
		req, err = h.readRequest(br, conn)
		if err != nil {
			return err
		}
		if req.hasProxyAuth {
			accepted, user = h.Directory.CheckAuth(req.proxyUser, req.proxyPass, localIP, remoteIP, isWhite)
		}
	}

	if !accepted {
		conn.Write([]byte(respUnauthorized))
		return NewError(AuthFailed, "http proxy auth failed for %q", req.proxyUser)
	}

	if !h.ACL.Check(user, req.host, localIP) {
		conn.Write([]byte(respForbidden))
		return NewError(ForbiddenRequest, "acl denied host %q", req.host)
	}

	if req.isConnect {
		h.Stats.Requests.Add(RequestHTTPS)
	} else {
		h.Stats.Requests.Add(RequestHTTP)
	}

	targetAddr, err := h.Resolver.Resolve(context.Background(), req.host, req.port)
	if err != nil {
		return err
	}

	if cc, ok := h.ACL.(countryChecker); ok && !cc.CheckCountry(targetAddr.IP.String()) {
		conn.Write([]byte(respForbidden))
		return NewError(ForbiddenRequest, "acl denied host %q by country", req.host)
	}

	dial := h.Dial
	if dial == nil {
		dial = dialFromLocalIP
	}
	out, err := dialWithRetry(context.Background(), dial, localIP, targetAddr)
	if err != nil {
		return WrapError(ConnectServerFailed, err, "dial target")
	}

	if req.isConnect {
		if _, err := conn.Write([]byte(respOK)); err != nil {
			out.Close()
			return WrapError(IoFailure, err, "write 200")
		}
	} else {
		stripped := stripProxyHeaders(req.raw)
		if _, err := out.Write(stripped); err != nil {
			out.Close()
			return WrapError(IoFailure, err, "forward initial request")
		}
	}

	flow := TrafficRecord{
		UserID:   user.UserID,
		Host:     canonicalHost(req.host),
		LocalIP:  localIP,
		RemoteIP: remoteIP,
	}

	tun := NewTunnel(br, conn, out, h.Registry, h.Stats, flow)
	if !req.isConnect {
		tun.ClientFilter = stripProxyHeaders
	}
	return tun.Run(user.UserID)
}

// readRequest reads the request line and headers up to CRLFCRLF, enforcing
// the 10s/4KiB/32-header limits from §4.7.
func (h *HttpFrontEnd) readRequest(br *bufio.Reader, conn net.Conn) (*httpRequest, error) {
	conn.SetReadDeadline(time.Now().Add(httpReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, httpReadChunk)
	chunk := make([]byte, httpReadChunk)
	for {
		if idx := headerEndIndex(buf); idx >= 0 {
			return parseHTTPRequest(buf[:idx])
		}
		if len(buf) > httpMaxRequest {
			return nil, NewError(InvalidRequest, "request exceeds max size")
		}
		n, err := br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, WrapError(EmptyRequest, err, "read request")
		}
	}
}

func headerEndIndex(buf []byte) int {
	const sep = "\r\n\r\n"
	for i := 0; i+len(sep) <= len(buf); i++ {
		if string(buf[i:i+len(sep)]) == sep {
			return i + len(sep)
		}
	}
	return -1
}

func parseHTTPRequest(raw []byte) (*httpRequest, error) {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) < 1 {
		return nil, NewError(EmptyRequest, "no request line")
	}
	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, NewError(InvalidRequest, "malformed request line %q", lines[0])
	}
	method, uri := parts[0], parts[1]

	req := &httpRequest{raw: raw, isConnect: method == "CONNECT"}
	if req.isConnect {
		host, portStr, err := net.SplitHostPort(uri)
		if err != nil {
			return nil, NewError(InvalidRequest, "bad CONNECT target %q", uri)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, NewError(InvalidRequest, "bad CONNECT port %q", uri)
		}
		req.host, req.port = host, port
	} else {
		u, err := url.Parse(uri)
		if err != nil || u.Host == "" {
			return nil, NewError(InvalidRequest, "bad request URI %q", uri)
		}
		host := u.Hostname()
		port := 80
		if u.Scheme == "https" {
			port = 443
		}
		if p := u.Port(); p != "" {
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		req.host, req.port = host, port
	}

	headerCount := 0
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		headerCount++
		if headerCount > httpMaxHeaders {
			return nil, NewError(InvalidRequest, "too many headers")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Proxy-Authorization") {
			continue
		}
		scheme, cred, ok := strings.Cut(strings.TrimSpace(value), " ")
		if !ok || !strings.EqualFold(scheme, "Basic") {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(cred)
		if err != nil {
			return nil, WrapError(InvalidAuthHeader, err, "decode proxy-authorization")
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return nil, NewError(InvalidAuthHeader, "malformed basic credential")
		}
		req.proxyUser, req.proxyPass, req.hasProxyAuth = user, pass, true
	}

	return req, nil
}

func dialFromLocalIP(ctx context.Context, localIP string, addr *net.TCPAddr) (net.Conn, error) {
	var d net.Dialer
	if localIP != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(localIP)}
	}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	return conn, nil
}

// connectRetryLimit is the number of connect-to-target attempts before
// giving up, with no backoff between them (SPEC_FULL.md §5/§7).
const connectRetryLimit = 3

func dialWithRetry(ctx context.Context, dial func(ctx context.Context, localIP string, addr *net.TCPAddr) (net.Conn, error), localIP string, addr *net.TCPAddr) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetryLimit; attempt++ {
		conn, err := dial(ctx, localIP, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

package gretun

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderEndIndex(t *testing.T) {
	require.Equal(t, -1, headerEndIndex([]byte("GET / HTTP/1.1\r\n")))
	require.Equal(t, len("GET / HTTP/1.1\r\n\r\n"), headerEndIndex([]byte("GET / HTTP/1.1\r\n\r\n")))
	require.Equal(t, len("GET / HTTP/1.1\r\n\r\n"), headerEndIndex([]byte("GET / HTTP/1.1\r\n\r\ntrailing")))
}

func TestParseHTTPRequestConnect(t *testing.T) {
	req, err := parseHTTPRequest([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, req.isConnect)
	require.Equal(t, "example.com", req.host)
	require.Equal(t, 443, req.port)
}

func TestParseHTTPRequestConnectBadTarget(t *testing.T) {
	_, err := parseHTTPRequest([]byte("CONNECT example.com HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, InvalidRequest, KindOf(err))
}

func TestParseHTTPRequestAbsoluteURIDefaultsPort80(t *testing.T) {
	req, err := parseHTTPRequest([]byte("GET http://example.com/path HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.False(t, req.isConnect)
	require.Equal(t, "example.com", req.host)
	require.Equal(t, 80, req.port)
}

func TestParseHTTPRequestHTTPSAbsoluteURIDefaultsPort443(t *testing.T) {
	req, err := parseHTTPRequest([]byte("GET https://example.com/path HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 443, req.port)
}

func TestParseHTTPRequestExplicitPortOverridesDefault(t *testing.T) {
	req, err := parseHTTPRequest([]byte("GET http://example.com:8080/path HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 8080, req.port)
}

func TestParseHTTPRequestBadRequestURI(t *testing.T) {
	_, err := parseHTTPRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	require.Equal(t, InvalidRequest, KindOf(err))
}

func TestParseHTTPRequestDecodesProxyAuthorization(t *testing.T) {
	cred := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	raw := "GET http://example.com/ HTTP/1.1\r\nProxy-Authorization: Basic " + cred + "\r\n\r\n"
	req, err := parseHTTPRequest([]byte(raw))
	require.NoError(t, err)
	require.True(t, req.hasProxyAuth)
	require.Equal(t, "alice", req.proxyUser)
	require.Equal(t, "secret", req.proxyPass)
}

func TestParseHTTPRequestMalformedBasicCredentialFails(t *testing.T) {
	raw := "GET http://example.com/ HTTP/1.1\r\nProxy-Authorization: Basic !!!not-base64!!!\r\n\r\n"
	_, err := parseHTTPRequest([]byte(raw))
	require.Error(t, err)
	require.Equal(t, InvalidAuthHeader, KindOf(err))
}

func TestParseHTTPRequestIgnoresNonBasicProxyAuth(t *testing.T) {
	raw := "GET http://example.com/ HTTP/1.1\r\nProxy-Authorization: Digest abc\r\n\r\n"
	req, err := parseHTTPRequest([]byte(raw))
	require.NoError(t, err)
	require.False(t, req.hasProxyAuth)
}

func TestParseHTTPRequestTooManyHeadersFails(t *testing.T) {
	raw := "GET http://example.com/ HTTP/1.1\r\n"
	for i := 0; i < httpMaxHeaders+1; i++ {
		raw += "X-Pad: v\r\n"
	}
	raw += "\r\n"
	_, err := parseHTTPRequest([]byte(raw))
	require.Error(t, err)
	require.Equal(t, InvalidRequest, KindOf(err))
}

// geoDenyACL implements both ACL and countryChecker, denying whatever
// single IP string it's configured with and allowing everything else.
type geoDenyACL struct {
	deniedIP string
}

func (a *geoDenyACL) Check(UserInfo, string, string) bool { return true }
func (a *geoDenyACL) Update([]byte) error                 { return nil }
func (a *geoDenyACL) CheckCountry(ip string) bool         { return ip != a.deniedIP }

// TestHttpFrontEndHandleDeniesByCountryAfterResolve checks that an ACL
// implementing countryChecker is consulted after Resolver.Resolve and
// before dial, and that a deny there surfaces as ForbiddenRequest without
// ever reaching the target listener.
func TestHttpFrontEndHandleDeniesByCountryAfterResolve(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	targetAddr := target.Addr().(*net.TCPAddr)
	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := target.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	h := &HttpFrontEnd{
		Directory: NewDirectory(),
		ACL:       &geoDenyACL{deniedIP: targetAddr.IP.String()},
		Registry:  NewConnectionRegistry(),
		Stats:     NewStatsCore(),
		Resolver:  NewResolver(ResolverOptions{}),
	}

	clientConn, serverConn := net.Pipe()
	br := bufio.NewReader(clientConn)

	handleDone := make(chan error, 1)
	go func() {
		handleDone <- h.Handle(bufio.NewReader(serverConn), serverConn, "127.0.0.1", "198.51.100.1", true)
	}()

	connectReq := "CONNECT " + targetAddr.String() + " HTTP/1.1\r\nHost: " + targetAddr.String() + "\r\n\r\n"
	go clientConn.Write([]byte(connectReq))

	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "403")

	clientConn.Close()

	select {
	case err := <-handleDone:
		require.Error(t, err)
		require.Equal(t, ForbiddenRequest, KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}

	select {
	case c := <-acceptCh:
		c.Close()
		t.Fatal("dial reached the target listener despite a country deny")
	default:
	}
}

// TestHttpFrontEndHandleWhitelistedConnectTunnels drives a full CONNECT
// request through HttpFrontEnd.Handle over a real loopback dial, isWhite
// so no proxy auth challenge is issued, and checks the 200 response plus
// bidirectional relay.
func TestHttpFrontEndHandleWhitelistedConnectTunnels(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	targetConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := target.Accept()
		if err == nil {
			targetConnCh <- c
		}
	}()

	h := &HttpFrontEnd{
		Directory: NewDirectory(),
		ACL:       NewDefaultACL(),
		Registry:  NewConnectionRegistry(),
		Stats:     NewStatsCore(),
		Resolver:  NewResolver(ResolverOptions{}),
	}

	clientConn, serverConn := net.Pipe()
	br := bufio.NewReader(clientConn)

	handleDone := make(chan error, 1)
	go func() {
		handleDone <- h.Handle(bufio.NewReader(serverConn), serverConn, "127.0.0.1", "198.51.100.1", true)
	}()

	connectReq := "CONNECT " + target.Addr().String() + " HTTP/1.1\r\nHost: " + target.Addr().String() + "\r\n\r\n"
	go clientConn.Write([]byte(connectReq))

	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)

	targetConn := <-targetConnCh
	defer targetConn.Close()

	clientConn.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = io.ReadFull(targetConn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	targetConn.Write([]byte("pong"))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	clientConn.Close()
	targetConn.Close()

	select {
	case <-handleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after the tunnel closed")
	}
}

// TestHttpFrontEndHandleChallengesThenAcceptsProxyAuth covers the
// 407-then-retry sequencing: the first request has no Proxy-Authorization,
// gets challenged, and the client's second request on the same connection
// carries valid credentials.
func TestHttpFrontEndHandleChallengesThenAcceptsProxyAuth(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	targetConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := target.Accept()
		if err == nil {
			targetConnCh <- c
		}
	}()

	dir := NewDirectory()
	dir.UpdateAll([]UserInfo{
		{UserID: 9, AuthType: AuthPassword, Username: "alice", Password: "secret", IPs: []string{"127.0.0.1"}, Available: true},
	})

	h := &HttpFrontEnd{
		Directory: dir,
		ACL:       NewDefaultACL(),
		Registry:  NewConnectionRegistry(),
		Stats:     NewStatsCore(),
		Resolver:  NewResolver(ResolverOptions{}),
	}

	clientConn, serverConn := net.Pipe()
	br := bufio.NewReader(clientConn)

	handleDone := make(chan error, 1)
	go func() {
		handleDone <- h.Handle(bufio.NewReader(serverConn), serverConn, "127.0.0.1", "198.51.100.1", false)
	}()

	firstReq := "CONNECT " + target.Addr().String() + " HTTP/1.1\r\nHost: " + target.Addr().String() + "\r\n\r\n"
	go clientConn.Write([]byte(firstReq))

	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "407")
	// drain the rest of the 407 response headers
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	cred := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	secondReq := "CONNECT " + target.Addr().String() + " HTTP/1.1\r\nHost: " + target.Addr().String() +
		"\r\nProxy-Authorization: Basic " + cred + "\r\n\r\n"
	go clientConn.Write([]byte(secondReq))

	status, err = br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)

	targetConn := <-targetConnCh
	clientConn.Close()
	targetConn.Close()

	select {
	case <-handleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}
}

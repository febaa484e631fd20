package gretun

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPListenerServeAndStop(t *testing.T) {
	ln, err := NewTCPListener("test", "127.0.0.1:0")
	require.NoError(t, err)
	require.Equal(t, "test", ln.String())

	var (
		mu    sync.Mutex
		conns int
	)
	done := make(chan struct{})
	go func() {
		ln.Serve(func(c net.Conn) {
			mu.Lock()
			conns++
			mu.Unlock()
			c.Close()
		})
		close(done)
	}()

	addr := ln.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, ln.Stop())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestTCPListenerStopUnblocksAccept(t *testing.T) {
	ln, err := NewTCPListener("test2", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ln.Serve(func(c net.Conn) { c.Close() })
		close(done)
	}()

	require.NoError(t, ln.Stop())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve kept running after Stop with no pending connections")
	}
}

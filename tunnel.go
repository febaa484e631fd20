package gretun

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tunnelBufferSize = 51200
	tunnelEOFSleep   = 50 * time.Millisecond
)

// halfCloser is implemented by *net.TCPConn; Tunnel shuts down the write
// side of each leg once its copy direction finishes, without tearing down
// the whole socket while the other direction may still be flowing.
type halfCloser interface {
	CloseWrite() error
}

// Tunnel relays bytes between a proxy client and the dialed target,
// bidirectionally and concurrently, registering itself with a
// ConnectionRegistry so a control-plane DisableUser can cut it short
// (SPEC_FULL.md §4.9).
type Tunnel struct {
	clientReader *bufio.Reader
	client       net.Conn
	server       net.Conn
	registry     *ConnectionRegistry
	stats        *StatsCore
	flow         TrafficRecord

	// ClientFilter, when set, is applied to every chunk read from the
	// client before it is written to the server (the "strip PROXY-*
	// headers" behavior for non-CONNECT HTTP requests).
	ClientFilter func([]byte) []byte
}

func NewTunnel(clientReader *bufio.Reader, client, server net.Conn, registry *ConnectionRegistry, stats *StatsCore, flow TrafficRecord) *Tunnel {
	return &Tunnel{
		clientReader: clientReader,
		client:       client,
		server:       server,
		registry:     registry,
		stats:        stats,
		flow:         flow,
	}
}

// Run relays until both directions finish, registering/deregistering with
// the connection registry under handleID for the duration.
func (t *Tunnel) Run(userID uint64) error {
	handleID := t.registry.NextHandleID()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	t.registry.Add(userID, handleID, cancel)
	defer t.registry.Remove(userID, handleID)

	t.stats.Connections.Add(1)
	defer t.stats.Connections.Add(-1)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		t.copyDirection(t.clientReader, t.server, t.ClientFilter, true, done)
		if hc, ok := t.server.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		t.copyDirection(t.server, t.client, nil, false, done)
		if hc, ok := t.client.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
	return nil
}

// copyDirection reads from src and writes to dst until EOF or done fires.
// isUpload selects which half of the traffic record a successful write
// accumulates into.
func (t *Tunnel) copyDirection(src io.Reader, dst io.Writer, filter func([]byte) []byte, isUpload bool, done <-chan struct{}) {
	buf := make([]byte, tunnelBufferSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if filter != nil {
				chunk = filter(chunk)
			}
			written, werr := dst.Write(chunk)
			if written > 0 {
				t.recordTraffic(uint64(written), isUpload)
			}
			if werr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				time.Sleep(tunnelEOFSleep)
			}
			return
		}
	}
}

func (t *Tunnel) recordTraffic(n uint64, isUpload bool) {
	rec := t.flow
	if isUpload {
		rec.Upload = n
		t.stats.Traffic.Add(n, 0)
	} else {
		rec.Download = n
		t.stats.Traffic.Add(0, n)
	}
	t.stats.UserTraffic.Add(rec)
}

package gretun

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	controlPingInterval   = 5 * time.Second
	defaultReconnectDelay = 5 * time.Second
	controlWriteTimeout   = 5 * time.Second
)

// controlBackend is the transport ControlSession drives: either a real
// websocket to the control server, or (RG_BACKEND=stdio) a fake backend
// that reads/writes newline-delimited JSON on stdin/stdout, grounded on
// the original's RG_BACKEND=stdio escape hatch for running the control
// plane end to end without a live server.
type controlBackend interface {
	Send(ctx context.Context, msg ClientMessage) error
	Receive(ctx context.Context) (ServerMessage, error)
	Close() error
}

// ControlSession owns the long-lived connection to the control server:
// handshake, periodic ping, inbound message dispatch, and automatic
// reconnect (SPEC_FULL.md §4.11, grounded on
// original_source/server/src/backend/ws_client.rs).
type ControlSession struct {
	URL             string
	AuthToken       string
	IPInfo          ServerIpInfo
	ReconnectDelay  time.Duration
	Directory       *Directory
	ACL             ACL
	Registry        *ConnectionRegistry
	Stats           *StatsScheduler
	UseStdioBackend bool

	backendUp int32 // atomic bool
}

func NewControlSession(url, token string, ipInfo ServerIpInfo) *ControlSession {
	return &ControlSession{
		URL:            url,
		AuthToken:      token,
		IPInfo:         ipInfo,
		ReconnectDelay: defaultReconnectDelay,
	}
}

// BackendUp reports whether the control connection is currently believed
// healthy.
func (s *ControlSession) BackendUp() bool {
	return atomic.LoadInt32(&s.backendUp) == 1
}

func (s *ControlSession) setBackendUp(up bool) {
	if up {
		atomic.StoreInt32(&s.backendUp, 1)
	} else {
		atomic.StoreInt32(&s.backendUp, 0)
	}
}

// Run connects, handshakes, and services the session until ctx is
// cancelled, reconnecting with ReconnectDelay between attempts.
func (s *ControlSession) Run(ctx context.Context) {
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			Log.WithError(err).Warn("control session ended, reconnecting")
		}
		s.setBackendUp(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *ControlSession) runOnce(ctx context.Context) error {
	backend, err := s.connect(ctx)
	if err != nil {
		return WrapError(ConnectServerFailed, err, "connect to control server")
	}
	defer backend.Close()

	if err := backend.Send(ctx, NewAuthenticateMessage(s.AuthToken)); err != nil {
		return WrapError(WebsocketSendFailed, err, "send authenticate")
	}
	if err := backend.Send(ctx, NewIPRangeMessage(s.IPInfo)); err != nil {
		return WrapError(WebsocketSendFailed, err, "send ip range")
	}
	s.setBackendUp(true)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.pingLoop(sessionCtx, backend)
	}()

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		s.statsLoop(sessionCtx, backend)
	}()

	err = s.receiveLoop(sessionCtx, backend)
	cancel()
	<-pingDone
	<-statsDone
	return err
}

// statsLoop forwards every StatsScheduler snapshot to the control server,
// reshaping StatUserTraffic into UserTrafficStat (an already-JSON-encoded
// []TrafficRecord payload, decoded and rewrapped) and everything else into
// a plain ClientInfoStat, mirroring emit_stat in ws_client.rs.
func (s *ControlSession) statsLoop(ctx context.Context, backend controlBackend) {
	if s.Stats == nil {
		return
	}
	ch := s.Stats.Subscribe()
	defer s.Stats.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			msg, err := statSnapshotToClientMessage(snap)
			if err != nil {
				Log.WithError(err).Warn("failed to convert stat snapshot")
				continue
			}
			if err := backend.Send(ctx, msg); err != nil {
				Log.WithError(err).Warn("failed to send stat snapshot")
				return
			}
		}
	}
}

func statSnapshotToClientMessage(snap StatSnapshot) (ClientMessage, error) {
	if snap.Kind == StatUserTraffic {
		var records []TrafficRecord
		if snap.Payload != "" {
			if err := json.Unmarshal([]byte(snap.Payload), &records); err != nil {
				return ClientMessage{}, err
			}
		}
		return NewUserTrafficStatMessage(UserTrafficInfo{
			UserTraffics: records,
			Timestamp:    uint64(snap.Timestamp),
		}), nil
	}
	return NewClientInfoStatMessage(StatData{
		StatType:  snap.Kind,
		Data:      snap.Payload,
		Timestamp: uint64(snap.Timestamp),
	}), nil
}

func (s *ControlSession) connect(ctx context.Context) (controlBackend, error) {
	if s.UseStdioBackend {
		return newStdioBackend(), nil
	}
	c, _, err := websocket.Dial(ctx, s.URL, nil)
	if err != nil {
		return nil, err
	}
	return &wsBackend{conn: c}, nil
}

func (s *ControlSession) pingLoop(ctx context.Context, backend controlBackend) {
	ticker := time.NewTicker(controlPingInterval)
	defer ticker.Stop()
	ws, ok := backend.(*wsBackend)
	if !ok {
		return // stdio backend has no ping frame
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
			err := ws.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				Log.WithError(err).Debug("control session ping failed")
				return
			}
		}
	}
}

func (s *ControlSession) receiveLoop(ctx context.Context, backend controlBackend) error {
	for {
		msg, err := backend.Receive(ctx)
		if err != nil {
			return err
		}
		s.dispatch(msg)
	}
}

// dispatch applies an inbound ServerMessage to Directory/ACL/Registry.
func (s *ControlSession) dispatch(msg ServerMessage) {
	switch msg.Kind {
	case "AclData":
		if s.ACL != nil {
			if err := s.ACL.Update([]byte(msg.AclData)); err != nil {
				Log.WithError(err).Warn("failed to apply acl update")
			}
		}
	case "UserAuth":
		s.Directory.UpdateAll(msg.UserAuth)
	case "UserWhiteList":
		s.Directory.UpdateWhiteList(msg.UserWhiteList)
	case "UpdateUser":
		s.Directory.UpdateUserInfo(msg.UpdateUser)
	case "DisableUser":
		s.Directory.SetAvailable(msg.DisableUser, false)
		for _, cancel := range s.Registry.KillUser(msg.DisableUser) {
			cancel()
		}
	}
}

// --- websocket backend ---------------------------------------------------

type wsBackend struct {
	conn *websocket.Conn
}

func (b *wsBackend) Send(ctx context.Context, msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *wsBackend) Receive(ctx context.Context) (ServerMessage, error) {
	var msg ServerMessage
	_, data, err := b.conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(data, &msg)
	return msg, err
}

func (b *wsBackend) Close() error {
	return b.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

// --- stdio fake backend ---------------------------------------------------

// stdioBackend implements controlBackend over newline-delimited JSON on
// stdin/stdout, the Go equivalent of the original's RG_BACKEND=stdio mode
// for exercising the control-plane protocol without a live server.
type stdioBackend struct {
	enc *json.Encoder
	dec *json.Decoder
}

func newStdioBackend() *stdioBackend {
	return &stdioBackend{
		enc: json.NewEncoder(os.Stdout),
		dec: json.NewDecoder(bufio.NewReader(os.Stdin)),
	}
}

func (b *stdioBackend) Send(_ context.Context, msg ClientMessage) error {
	return b.enc.Encode(msg)
}

func (b *stdioBackend) Receive(_ context.Context) (ServerMessage, error) {
	var msg ServerMessage
	if err := b.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return msg, io.ErrClosedPipe
		}
		return msg, err
	}
	return msg, nil
}

func (b *stdioBackend) Close() error { return nil }

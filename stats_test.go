package gretun

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrafficTotalAddAndCollectClears(t *testing.T) {
	var tt TrafficTotal
	tt.Add(10, 20)
	tt.Add(5, 5)

	snap := tt.Collect()
	require.Equal(t, StatTrafficTotal, snap.Kind)
	var payload struct {
		Total, Upload, Download uint64
	}
	require.NoError(t, json.Unmarshal([]byte(snap.Payload), &payload))
	require.Equal(t, uint64(40), payload.Total)
	require.Equal(t, uint64(15), payload.Upload)
	require.Equal(t, uint64(25), payload.Download)

	// read-and-clear: a second collect immediately after sees zero
	second := tt.Collect()
	require.NoError(t, json.Unmarshal([]byte(second.Payload), &payload))
	require.Zero(t, payload.Total)
}

func TestTrafficUserAddFoldsSameFlow(t *testing.T) {
	tu := NewTrafficUser()
	tu.Add(TrafficRecord{UserID: 1, Host: "a.com", LocalIP: "10.0.0.1", RemoteIP: "1.1.1.1", Upload: 10, Download: 5})
	tu.Add(TrafficRecord{UserID: 1, Host: "a.com", LocalIP: "10.0.0.1", RemoteIP: "1.1.1.1", Upload: 3, Download: 2})

	records := tu.Drain()
	require.Len(t, records, 1)
	require.Equal(t, uint64(13), records[0].Upload)
	require.Equal(t, uint64(7), records[0].Download)
}

func TestTrafficUserClearAfterCollectKeepsNewlyAdded(t *testing.T) {
	tu := NewTrafficUser()
	tu.Add(TrafficRecord{UserID: 1, Host: "a.com", RemoteIP: "1.1.1.1", Upload: 1})
	drained := tu.Drain()

	// a record arrives concurrently, after the drain snapshot was taken
	tu.Add(TrafficRecord{UserID: 2, Host: "b.com", RemoteIP: "2.2.2.2", Upload: 1})

	tu.ClearAfterCollect(drained)
	remaining := tu.Drain()
	require.Len(t, remaining, 1)
	require.Equal(t, uint64(2), remaining[0].UserID)
}

func TestRequestStatAdd(t *testing.T) {
	var rs RequestStat
	rs.Add(RequestNone)
	rs.Add(RequestHTTP)
	rs.Add(RequestHTTPS)
	rs.Add(RequestSOCKS5)

	snap := rs.Collect()
	var payload struct {
		Total, HTTP, HTTPS, SOCKS5 uint64
	}
	require.NoError(t, json.Unmarshal([]byte(snap.Payload), &payload))
	require.Equal(t, uint64(4), payload.Total)
	require.Equal(t, uint64(1), payload.HTTP)
	require.Equal(t, uint64(1), payload.HTTPS)
	require.Equal(t, uint64(1), payload.SOCKS5)
}

func TestConnectionStatAddSigned(t *testing.T) {
	var cs ConnectionStat
	cs.Add(1)
	cs.Add(1)
	cs.Add(-1)

	snap := cs.Collect()
	var payload struct{ Delta int64 }
	require.NoError(t, json.Unmarshal([]byte(snap.Payload), &payload))
	require.Equal(t, int64(1), payload.Delta)
}

func TestStatsCoreCollectOrder(t *testing.T) {
	core := NewStatsCore()
	snaps := core.Collect()
	require.Len(t, snaps, 5)
	require.Equal(t, []StatKind{StatUserTraffic, StatTrafficTotal, StatRequest, StatConnection, StatSystem}, []StatKind{
		snaps[0].Kind, snaps[1].Kind, snaps[2].Kind, snaps[3].Kind, snaps[4].Kind,
	})
}

func TestSystemStatCollectWithoutProbe(t *testing.T) {
	s := NewSystemStat(nil)
	snap := s.Collect()
	require.Equal(t, StatSystem, snap.Kind)
	var payload struct {
		RTTMillis int64 `json:"rtt_ms"`
	}
	require.NoError(t, json.Unmarshal([]byte(snap.Payload), &payload))
	require.Equal(t, int64(-1), payload.RTTMillis)
}

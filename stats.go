package gretun

import (
	"sync"
	"sync/atomic"
	"time"
)

// TrafficTotal holds the three global atomic counters from SPEC_FULL.md
// §4.4: Add increments all three together, Collect swaps them to zero
// (read-and-clear) and returns the pre-swap values as a StatSnapshot.
type TrafficTotal struct {
	total, upload, download uint64
}

func (t *TrafficTotal) Add(up, down uint64) {
	atomic.AddUint64(&t.upload, up)
	atomic.AddUint64(&t.download, down)
	atomic.AddUint64(&t.total, up+down)
}

func (t *TrafficTotal) Collect() StatSnapshot {
	total := atomic.SwapUint64(&t.total, 0)
	up := atomic.SwapUint64(&t.upload, 0)
	down := atomic.SwapUint64(&t.download, 0)
	return StatSnapshot{
		Kind:      StatTrafficTotal,
		Payload:   encodeTrafficTotal(total, up, down),
		Timestamp: nowUnix(),
	}
}

// TrafficUser accumulates per-user, per-flow TrafficRecords. Add folds a
// record into the existing entry (same user, same flow key) or inserts a
// new one. Collect drains the whole map and, per §4.4, only actually
// clears it once the caller's serialization of the drained contents
// succeeds (ClearAfterCollect).
type TrafficUser struct {
	mu   sync.Mutex
	byID map[uint64]map[string]TrafficRecord
}

func NewTrafficUser() *TrafficUser {
	return &TrafficUser{byID: make(map[uint64]map[string]TrafficRecord)}
}

func (t *TrafficUser) Add(rec TrafficRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flows, ok := t.byID[rec.UserID]
	if !ok {
		flows = make(map[string]TrafficRecord)
		t.byID[rec.UserID] = flows
	}
	key := rec.FlowKey()
	if existing, ok := flows[key]; ok {
		existing.Upload += rec.Upload
		existing.Download += rec.Download
		flows[key] = existing
		return
	}
	flows[key] = rec
}

// Drain returns every record currently accumulated, without clearing.
func (t *TrafficUser) Drain() []TrafficRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TrafficRecord
	for _, flows := range t.byID {
		for _, rec := range flows {
			out = append(out, rec)
		}
	}
	return out
}

// ClearAfterCollect removes exactly the records passed in (by user+flow
// key), so a failed serialization leaves newly-added records intact.
func (t *TrafficUser) ClearAfterCollect(records []TrafficRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		flows, ok := t.byID[rec.UserID]
		if !ok {
			continue
		}
		delete(flows, rec.FlowKey())
		if len(flows) == 0 {
			delete(t.byID, rec.UserID)
		}
	}
}

func (t *TrafficUser) Collect() StatSnapshot {
	records := t.Drain()
	payload, err := encodeUserTraffic(records)
	if err != nil {
		Log.WithError(err).Error("failed to serialize user traffic snapshot")
		return StatSnapshot{Kind: StatUserTraffic, Timestamp: nowUnix()}
	}
	t.ClearAfterCollect(records)
	return StatSnapshot{Kind: StatUserTraffic, Payload: payload, Timestamp: nowUnix()}
}

// RequestStat counts accepted requests by protocol. Add(RequestNone)
// increments only Total (used at accept time, before the protocol is
// known); Add with a concrete kind increments Total and the matching
// sub-counter.
type RequestStat struct {
	total, http, https, socks5 uint64
}

func (r *RequestStat) Add(kind RequestKind) {
	atomic.AddUint64(&r.total, 1)
	switch kind {
	case RequestHTTP:
		atomic.AddUint64(&r.http, 1)
	case RequestHTTPS:
		atomic.AddUint64(&r.https, 1)
	case RequestSOCKS5:
		atomic.AddUint64(&r.socks5, 1)
	}
}

func (r *RequestStat) Collect() StatSnapshot {
	total := atomic.SwapUint64(&r.total, 0)
	http := atomic.SwapUint64(&r.http, 0)
	https := atomic.SwapUint64(&r.https, 0)
	socks5 := atomic.SwapUint64(&r.socks5, 0)
	return StatSnapshot{
		Kind:      StatRequest,
		Payload:   encodeRequestStat(total, http, https, socks5),
		Timestamp: nowUnix(),
	}
}

// ConnectionStat tracks the live inbound connection delta: +1 on accept,
// -1 after the pipeline finishes handling a connection.
type ConnectionStat struct {
	delta int64
}

func (c *ConnectionStat) Add(delta int64) {
	atomic.AddInt64(&c.delta, delta)
}

func (c *ConnectionStat) Collect() StatSnapshot {
	delta := atomic.SwapInt64(&c.delta, 0)
	return StatSnapshot{
		Kind:      StatConnection,
		Payload:   encodeConnectionStat(delta),
		Timestamp: nowUnix(),
	}
}

// SystemStat samples host-level metrics on each collect: CPU%, memory
// used/total, network rx/tx deltas since the previous sample, and an
// optional ICMP RTT probe (SPEC_FULL.md §4.4).
type SystemStat struct {
	mu       sync.Mutex
	prevRx   uint64
	prevTx   uint64
	prevTime time.Time
	probeFn  func() (time.Duration, bool)
}

// NewSystemStat returns a SystemStat. probeFn performs the reference-host
// ICMP probe (first successful reply of up to four 1-second attempts); it
// is injected so tests don't need real ICMP sockets. A nil probeFn skips
// the RTT field.
func NewSystemStat(probeFn func() (time.Duration, bool)) *SystemStat {
	return &SystemStat{prevTime: timeNow(), probeFn: probeFn}
}

func (s *SystemStat) Collect() StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpuPct := sampleCPUPercent()
	memUsed, memTotal := sampleMemory()
	rx, tx := sampleNetworkCounters()

	now := timeNow()
	elapsed := now.Sub(s.prevTime)
	var rxDelta, txDelta uint64
	if elapsed > 0 && rx >= s.prevRx && tx >= s.prevTx {
		rxDelta = rx - s.prevRx
		txDelta = tx - s.prevTx
	}
	s.prevRx, s.prevTx, s.prevTime = rx, tx, now

	var rttMS int64 = -1
	if s.probeFn != nil {
		if rtt, ok := s.probeFn(); ok {
			rttMS = rtt.Milliseconds()
		}
	}

	return StatSnapshot{
		Kind:      StatSystem,
		Payload:   encodeSystemStat(cpuPct, memUsed, memTotal, rxDelta, txDelta, rttMS),
		Timestamp: nowUnix(),
	}
}

// StatsCore owns the five sub-counters from SPEC_FULL.md §4.4.
type StatsCore struct {
	Traffic     TrafficTotal
	UserTraffic *TrafficUser
	Requests    RequestStat
	Connections ConnectionStat
	System      *SystemStat
}

// NewStatsCore returns a StatsCore with all sub-counters initialized.
func NewStatsCore() *StatsCore {
	return &StatsCore{
		UserTraffic: NewTrafficUser(),
		System:      NewSystemStat(nil),
	}
}

// Collect runs Collect on every sub-counter and returns all five
// snapshots, in a fixed order (UserTraffic, TrafficTotal, Request,
// Connection, System).
func (s *StatsCore) Collect() []StatSnapshot {
	return []StatSnapshot{
		s.UserTraffic.Collect(),
		s.Traffic.Collect(),
		s.Requests.Collect(),
		s.Connections.Collect(),
		s.System.Collect(),
	}
}

func nowUnix() int64 { return timeNow().Unix() }

// timeNow is indirected so tests can fake the clock; production always
// uses time.Now.
var timeNow = time.Now

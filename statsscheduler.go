package gretun

import (
	"context"
	"time"
)

const (
	statsTickInterval     = 60 * time.Second
	statsSubscriberBuffer = 500
)

// StatsScheduler ticks StatsCore.Collect on an interval and fans the
// resulting snapshots out to subscribers (SPEC_FULL.md §4.12, grounded on
// original_source/crates/rg-stat/src/lib.rs's tick/collect/broadcast
// loop). Each subscriber gets its own best-effort, drop-oldest channel so
// one slow consumer (e.g. a stalled ControlSession) never blocks another.
type StatsScheduler struct {
	core *StatsCore

	subscribe   chan chan StatSnapshot
	unsubscribe chan chan StatSnapshot
}

func NewStatsScheduler(core *StatsCore) *StatsScheduler {
	return &StatsScheduler{
		core:        core,
		subscribe:   make(chan chan StatSnapshot),
		unsubscribe: make(chan chan StatSnapshot),
	}
}

// Subscribe returns a channel that receives every snapshot from future
// ticks until Unsubscribe is called with the same channel.
func (s *StatsScheduler) Subscribe() chan StatSnapshot {
	ch := make(chan StatSnapshot, statsSubscriberBuffer)
	s.subscribe <- ch
	return ch
}

func (s *StatsScheduler) Unsubscribe(ch chan StatSnapshot) {
	s.unsubscribe <- ch
}

// Run drives the tick loop until ctx is cancelled.
func (s *StatsScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(statsTickInterval)
	defer ticker.Stop()

	subscribers := make(map[chan StatSnapshot]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-s.subscribe:
			subscribers[ch] = struct{}{}
		case ch := <-s.unsubscribe:
			delete(subscribers, ch)
		case <-ticker.C:
			for _, snap := range s.core.Collect() {
				for ch := range subscribers {
					broadcastSnapshot(ch, snap)
				}
			}
		}
	}
}

// broadcastSnapshot sends best-effort: if the subscriber's buffer is
// full, the oldest pending snapshot is dropped to make room rather than
// blocking the scheduler.
func broadcastSnapshot(ch chan StatSnapshot, snap StatSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

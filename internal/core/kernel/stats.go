package kernel

import (
	"sync/atomic"
	"time"
)

// Stats holds the per-node counters. All fields are updated atomically so
// the coordinator can snapshot them without stopping the worker.
type Stats struct {
	sent            atomic.Uint64
	received        atomic.Uint64
	executed        atomic.Uint64
	contextSwitches atomic.Uint64
	dropped         atomic.Uint64
	load            atomic.Int64
	latencyTotal    atomic.Int64 // nanoseconds
	latencySamples  atomic.Uint64
}

func (s *Stats) observeLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.latencyTotal.Add(int64(d))
	s.latencySamples.Add(1)
}

// Snapshot is a point-in-time copy of one node's counters.
type Snapshot struct {
	Load            int           `json:"load"`
	Sent            uint64        `json:"sent"`
	Received        uint64        `json:"received"`
	Executed        uint64        `json:"executed"`
	ContextSwitches uint64        `json:"context_switches"`
	Dropped         uint64        `json:"dropped"`
	AvgLatency      time.Duration `json:"avg_latency"`
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Load:            int(s.load.Load()),
		Sent:            s.sent.Load(),
		Received:        s.received.Load(),
		Executed:        s.executed.Load(),
		ContextSwitches: s.contextSwitches.Load(),
		Dropped:         s.dropped.Load(),
	}
	if samples := s.latencySamples.Load(); samples > 0 {
		snap.AvgLatency = time.Duration(uint64(s.latencyTotal.Load()) / samples)
	}
	return snap
}

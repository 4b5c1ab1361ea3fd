package cluster

import (
	"github.com/polycore/polycore/internal/core/kernel"
)

// NodeStats is one node's snapshot tagged with its id.
type NodeStats struct {
	ID kernel.NodeID `json:"id"`
	kernel.Snapshot
}

// SystemStats is the system-wide aggregate.
type SystemStats struct {
	Nodes []NodeStats `json:"nodes"`

	TotalSent            uint64 `json:"total_sent"`
	TotalReceived        uint64 `json:"total_received"`
	TotalExecuted        uint64 `json:"total_executed"`
	TotalContextSwitches uint64 `json:"total_context_switches"`
	TotalDropped         uint64 `json:"total_dropped"`
	TotalLoad            int    `json:"total_load"`

	// DeliveryRatePct is received/sent across the system.
	DeliveryRatePct float64 `json:"delivery_rate_pct"`
	// CommOverheadPct is messages/(messages+executed): the share of work
	// spent communicating instead of executing.
	CommOverheadPct float64 `json:"comm_overhead_pct"`
}

// SystemStatistics aggregates every node's counters.
func (c *Coordinator) SystemStatistics() SystemStats {
	stats := SystemStats{Nodes: make([]NodeStats, 0, len(c.ids))}
	for _, id := range c.ids {
		snap := c.nodes[id].Statistics()
		stats.Nodes = append(stats.Nodes, NodeStats{ID: id, Snapshot: snap})
		stats.TotalSent += snap.Sent
		stats.TotalReceived += snap.Received
		stats.TotalExecuted += snap.Executed
		stats.TotalContextSwitches += snap.ContextSwitches
		stats.TotalDropped += snap.Dropped
		stats.TotalLoad += snap.Load
	}
	// System-origin traffic (terminate, shutdown) counts like node traffic,
	// so the delivery rate cannot exceed 100 percent.
	stats.TotalSent += c.sent.Load()
	stats.TotalDropped += c.dropped.Load()

	if stats.TotalSent > 0 {
		stats.DeliveryRatePct = float64(stats.TotalReceived) / float64(stats.TotalSent) * 100
	}
	messages := stats.TotalSent + stats.TotalReceived
	if messages+stats.TotalExecuted > 0 {
		stats.CommOverheadPct = float64(messages) / float64(messages+stats.TotalExecuted) * 100
	}
	return stats
}

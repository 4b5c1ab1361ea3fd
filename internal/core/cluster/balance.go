package cluster

import (
	"github.com/polycore/polycore/internal/core/kernel"
	"github.com/polycore/polycore/internal/core/observability/log"
)

// NodeLoad pairs a node id with its load at snapshot time.
type NodeLoad struct {
	ID   kernel.NodeID `json:"id"`
	Load int           `json:"load"`
}

// Migration records one auto-migration performed by a balance pass.
type Migration struct {
	PID  kernel.PID    `json:"pid"`
	From kernel.NodeID `json:"from"`
	To   kernel.NodeID `json:"to"`
}

// Report is the outcome of one balance pass.
type Report struct {
	Mean        float64     `json:"mean"`
	Overloaded  []NodeLoad  `json:"overloaded,omitempty"`
	Underloaded []NodeLoad  `json:"underloaded,omitempty"`
	Migrations  []Migration `json:"migrations,omitempty"`
}

// BalanceLoad snapshots every node's load under the placement lock and flags
// nodes above mean*overload_factor and below mean*underload_factor. The pass
// is advisory by default: it reports candidates without moving anything.
// With auto_migrate enabled it moves one process per overloaded node toward
// the underloaded set; holding placeMu keeps that from racing concurrent
// placement decisions.
func (c *Coordinator) BalanceLoad() Report {
	if !c.running.Load() {
		return Report{}
	}

	c.placeMu.Lock()
	defer c.placeMu.Unlock()

	loads := make([]NodeLoad, 0, len(c.ids))
	total := 0
	for _, id := range c.ids {
		load := c.nodes[id].Load()
		loads = append(loads, NodeLoad{ID: id, Load: load})
		total += load
	}
	if total == 0 {
		return Report{}
	}

	report := Report{Mean: float64(total) / float64(len(c.ids))}
	for _, nl := range loads {
		switch {
		case float64(nl.Load) > report.Mean*c.cfg.OverloadFactor:
			report.Overloaded = append(report.Overloaded, nl)
		case float64(nl.Load) < report.Mean*c.cfg.UnderloadFactor:
			report.Underloaded = append(report.Underloaded, nl)
		}
	}

	c.logger.Info("balance pass",
		log.Float64("mean", report.Mean),
		log.Int("overloaded", len(report.Overloaded)),
		log.Int("underloaded", len(report.Underloaded)))

	if !c.cfg.AutoMigrate || len(report.Overloaded) == 0 || len(report.Underloaded) == 0 {
		return report
	}

	// One process per overloaded node, cheapest target first.
	for _, src := range report.Overloaded {
		target, ok := c.coolestLocked(src.ID, report.Mean)
		if !ok {
			break
		}
		procs := c.nodes[src.ID].Processes()
		if len(procs) == 0 {
			continue
		}
		pid := procs[0].PID
		if err := c.nodes[src.ID].Migrate(pid, target); err != nil {
			c.logger.Warn("auto-migration failed",
				log.Int64("pid", int64(pid)),
				log.Err(err))
			continue
		}
		report.Migrations = append(report.Migrations, Migration{PID: pid, From: src.ID, To: target})
	}
	return report
}

// coolestLocked picks the least-loaded node under the underload threshold,
// excluding the source.
func (c *Coordinator) coolestLocked(exclude kernel.NodeID, mean float64) (kernel.NodeID, bool) {
	best := kernel.NodeID(-1)
	min := -1
	for _, id := range c.ids {
		if id == exclude {
			continue
		}
		load := c.nodes[id].Load()
		if float64(load) >= mean*c.cfg.UnderloadFactor {
			continue
		}
		if min < 0 || load < min {
			min = load
			best = id
		}
	}
	return best, best >= 0
}

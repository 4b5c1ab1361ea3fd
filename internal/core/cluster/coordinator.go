// Package cluster owns the set of kernel nodes: routing registry, process
// placement, advisory load balancing, and system lifecycle. No system-wide
// lock governs steady-state operation; the coordinator's only exclusion is
// the load-snapshot lock taken for placement and balance passes.
package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/polycore/polycore/internal/core/config"
	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/kernel"
	"github.com/polycore/polycore/internal/core/observability/log"
)

// NoPID is the failure sentinel returned by Create.
const NoPID kernel.PID = -1

// Coordinator builds and supervises the nodes.
type Coordinator struct {
	cfg      *config.Config
	logger   *log.Logger
	bus      *bus.Bus
	registry *Registry
	nodes    map[kernel.NodeID]*kernel.Node
	ids      []kernel.NodeID // ascending

	nextPID atomic.Int64
	running atomic.Bool
	stopped atomic.Bool
	sent    atomic.Uint64 // system-origin messages delivered
	dropped atomic.Uint64 // system-origin messages dropped

	// placeMu is the coordinator-level load-snapshot exclusion, distinct
	// from any single node's internal lock. It serializes placement and
	// balance passes.
	placeMu sync.Mutex
}

// New builds a stopped cluster from the configuration.
func New(cfg *config.Config, logger *log.Logger, eventBus *bus.Bus) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	if eventBus == nil {
		eventBus = bus.New()
	}

	ids := make([]kernel.NodeID, cfg.Nodes)
	inboxes := make(map[kernel.NodeID]*kernel.Inbox, cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		id := kernel.NodeID(i)
		ids[i] = id
		inboxes[id] = kernel.NewInbox(cfg.QueueCapacity)
	}
	registry := newRegistry(ids, inboxes)

	var barrier *kernel.BarrierPlan
	if cfg.BootBarrier {
		barrier = &kernel.BarrierPlan{Coordinator: ids[0], Participants: len(ids)}
	}

	nodes := make(map[kernel.NodeID]*kernel.Node, cfg.Nodes)
	for _, id := range ids {
		nodes[id] = kernel.NewNode(id, inboxes[id], registry, kernel.Options{
			TickInterval: cfg.TickInterval.Std(),
			Quantum:      cfg.Quantum.Std(),
			Retirement: kernel.Retirement{
				MidAge:        cfg.Retirement.MidAge.Std(),
				OldAge:        cfg.Retirement.OldAge.Std(),
				AncientAge:    cfg.Retirement.AncientAge.Std(),
				YoungChance:   cfg.Retirement.YoungChance,
				MidChance:     cfg.Retirement.MidChance,
				OldChance:     cfg.Retirement.OldChance,
				AncientChance: cfg.Retirement.AncientChance,
			},
			Barrier: barrier,
			Seed:    cfg.Seed,
			Logger:  logger,
			Bus:     eventBus,
		})
	}

	return &Coordinator{
		cfg:      cfg,
		logger:   logger.With(log.String("component", "coordinator")),
		bus:      eventBus,
		registry: registry,
		nodes:    nodes,
		ids:      ids,
	}
}

// NodeIDs returns every node id in ascending order.
func (c *Coordinator) NodeIDs() []kernel.NodeID { return c.registry.Nodes() }

// Node looks up one kernel instance.
func (c *Coordinator) Node(id kernel.NodeID) (*kernel.Node, error) {
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, kernel.ErrInvalidTarget)
	}
	return n, nil
}

// Running reports whether the system is inside its started window.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Start launches every node worker. It is idempotent; a cluster cannot be
// restarted after Shutdown.
func (c *Coordinator) Start() error {
	if c.stopped.Load() {
		return ErrNotRunning
	}
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	for _, id := range c.ids {
		if err := c.nodes[id].Start(); err != nil {
			return fmt.Errorf("start node %d: %w", id, err)
		}
	}
	c.logger.Info("all nodes started",
		log.Int("nodes", len(c.ids)),
		log.Int("queue_capacity", c.cfg.QueueCapacity))
	return nil
}

// Shutdown broadcasts the shutdown message, wakes every blocked receiver and
// joins all workers. Idempotent: a second call is a no-op. A worker that
// never observes the sentinel surfaces as ErrShutdownTimeout rather than a
// silent hang.
func (c *Coordinator) Shutdown() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.stopped.Store(true)
	c.logger.Info("initiating shutdown")

	for _, id := range c.ids {
		down := kernel.NewMessage(kernel.SourceSystem, id, kernel.MsgShutdown, -1, nil)
		if err := c.registry.Deliver(down); err != nil {
			// A full inbox is fine here; Close below wakes that worker.
			c.dropped.Add(1)
			c.logger.Warn("shutdown message dropped", log.Int("node", int(id)), log.Err(err))
			continue
		}
		c.sent.Add(1)
	}
	for _, id := range c.ids {
		c.registry.inboxes[id].Close()
	}

	var g errgroup.Group
	for _, id := range c.ids {
		n := c.nodes[id]
		g.Go(func() error {
			return n.Join(c.cfg.ShutdownTimeout.Std())
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("worker failed to exit", log.Err(err))
		return err
	}
	c.logger.Info("shutdown complete")
	return nil
}

// Create places a new process on the least-loaded node, ties broken by the
// lowest node id. Returned pids are globally unique and strictly increasing.
func (c *Coordinator) Create(priority int) (kernel.PID, error) {
	if !c.running.Load() {
		return NoPID, ErrNotRunning
	}

	c.placeMu.Lock()
	defer c.placeMu.Unlock()

	target := c.leastLoadedLocked()
	pid := kernel.PID(c.nextPID.Add(1) - 1)
	if err := c.nodes[target].CreateProcess(pid, priority); err != nil {
		return NoPID, err
	}
	c.logger.Info("process placed",
		log.Int64("pid", int64(pid)),
		log.Int("node", int(target)),
		log.Int("load", c.nodes[target].Load()))
	return pid, nil
}

// leastLoadedLocked scans every node under placeMu. Strict less-than keeps
// the lowest id on ties.
func (c *Coordinator) leastLoadedLocked() kernel.NodeID {
	best := c.ids[0]
	min := c.nodes[best].Load()
	for _, id := range c.ids[1:] {
		if load := c.nodes[id].Load(); load < min {
			min = load
			best = id
		}
	}
	return best
}

// Migrate moves one process from source to target through the message bus.
func (c *Coordinator) Migrate(pid kernel.PID, source, target kernel.NodeID) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	if !c.registry.Knows(source) || !c.registry.Knows(target) {
		return kernel.ErrInvalidTarget
	}
	return c.nodes[source].Migrate(pid, target)
}

// Terminate locates the owning node and sends it a terminate message.
func (c *Coordinator) Terminate(pid kernel.PID) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	for _, id := range c.ids {
		if !c.nodes[id].HasProcess(pid) {
			continue
		}
		msg := kernel.NewMessage(kernel.SourceSystem, id, kernel.MsgTerminate, pid, nil)
		if err := c.registry.Deliver(msg); err != nil {
			c.dropped.Add(1)
			return err
		}
		c.sent.Add(1)
		return nil
	}
	return kernel.ErrProcessNotFound
}

// Heartbeat has the lowest-id node ping every peer.
func (c *Coordinator) Heartbeat() error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	return c.nodes[c.ids[0]].Heartbeat()
}

// StartElection begins a bully election from the given node.
func (c *Coordinator) StartElection(initiator kernel.NodeID) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	n, ok := c.nodes[initiator]
	if !ok {
		return kernel.ErrInvalidTarget
	}
	return n.StartElection()
}

// Statistics snapshots one node's counters.
func (c *Coordinator) Statistics(id kernel.NodeID) (kernel.Snapshot, error) {
	n, ok := c.nodes[id]
	if !ok {
		return kernel.Snapshot{}, fmt.Errorf("node %d: %w", id, kernel.ErrInvalidTarget)
	}
	return n.Statistics(), nil
}

package kernel

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/observability/log"
)

// Options configures one node. The node receives its inbox ready-built; its
// capacity is fixed by the caller at construction.
type Options struct {
	// TickInterval bounds how long the worker waits for a message before
	// running the next scheduling tick.
	TickInterval time.Duration
	// Quantum is the simulated CPU time one tick grants each runnable
	// process.
	Quantum    time.Duration
	Retirement Retirement
	// Barrier, when set, makes the worker rendezvous with its peers before
	// entering the main loop.
	Barrier *BarrierPlan
	Seed    uint64
	Logger  *log.Logger
	Bus     *bus.Bus
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 50 * time.Millisecond
	}
	if o.Quantum <= 0 {
		o.Quantum = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Bus == nil {
		o.Bus = bus.New()
	}
	return o
}

// Node is one independent kernel instance. It owns its inbox and process
// table; the only way in is a message, the only exclusion is local.
type Node struct {
	id     NodeID
	inbox  *Inbox
	router Router
	opts   Options
	logger *log.Logger
	bus    *bus.Bus
	stats  Stats

	mu    sync.Mutex
	table map[PID]*ProcessRecord
	rng   *rand.Rand

	running  atomic.Bool
	leader   atomic.Int64
	electing atomic.Bool

	// deferred holds messages put aside during the boot barrier; the worker
	// replays them before its first tick. Worker-goroutine only.
	deferred []Message

	barrierMu      sync.Mutex
	barrierArrived time.Time
	barrierPassed  time.Time

	done chan struct{}
}

func NewNode(id NodeID, inbox *Inbox, router Router, opts Options) *Node {
	opts = opts.withDefaults()
	n := &Node{
		id:     id,
		inbox:  inbox,
		router: router,
		opts:   opts,
		logger: opts.Logger.With(log.Int("node_id", int(id))),
		bus:    opts.Bus,
		table:  make(map[PID]*ProcessRecord),
		rng:    rand.New(rand.NewPCG(opts.Seed, uint64(id)+1)),
		done:   make(chan struct{}),
	}
	n.leader.Store(int64(Broadcast))
	return n
}

func (n *Node) ID() NodeID { return n.id }

func (n *Node) Running() bool { return n.running.Load() }

// Load is the number of processes currently in the table.
func (n *Node) Load() int { return int(n.stats.load.Load()) }

func (n *Node) Statistics() Snapshot { return n.stats.Snapshot() }

// Leader returns the last acknowledged election winner, or Broadcast when no
// election has completed.
func (n *Node) Leader() NodeID { return NodeID(n.leader.Load()) }

// Start launches the worker goroutine. A second call fails with
// ErrAlreadyRunning.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go n.worker()
	return nil
}

// Join blocks until the worker goroutine exits. A worker that never observes
// the shutdown sentinel is a fatal condition; Join surfaces it as
// ErrShutdownTimeout instead of waiting forever.
func (n *Node) Join(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-n.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("node %d: %w", n.id, ErrShutdownTimeout)
	}
}

// worker is the node's single consumer: drain queued messages, run one
// scheduling tick, then block until new traffic or the tick interval.
func (n *Node) worker() {
	defer close(n.done)
	n.logger.Info("worker started")

	if plan := n.opts.Barrier; plan != nil {
		if err := n.enterBarrier(*plan); err != nil {
			n.running.Store(false)
			n.logger.Info("worker stopped", log.String("reason", "shutdown during barrier"))
			return
		}
	}
	for _, msg := range n.deferred {
		n.dispatch(msg)
	}
	n.deferred = nil

	for n.running.Load() {
		for {
			msg, err := n.inbox.TryDequeue()
			if err != nil {
				if errors.Is(err, ErrQueueClosed) {
					n.running.Store(false)
				}
				break
			}
			n.receive(msg)
		}
		if !n.running.Load() {
			break
		}

		n.tick()

		msg, err := n.inbox.Dequeue(n.opts.TickInterval)
		switch {
		case err == nil:
			n.receive(msg)
		case errors.Is(err, ErrQueueClosed):
			n.running.Store(false)
		}
	}

	n.logger.Info("worker stopped")
}

// observe counts a successful dequeue and records its queue latency.
func (n *Node) observe(msg Message) {
	n.stats.received.Add(1)
	n.stats.observeLatency(time.Since(msg.SentAt))
}

func (n *Node) receive(msg Message) {
	n.observe(msg)
	n.dispatch(msg)
}

func (n *Node) dispatch(msg Message) {
	switch msg.Type {
	case MsgCreate:
		priority, err := decodeCreate(msg.Payload)
		if err != nil {
			n.logger.Warn("malformed create request", log.Err(err))
			return
		}
		n.admit(newProcessRecord(msg.PID, n.id, priority), "process.created")
	case MsgMigrate:
		n.migrateIn(msg)
	case MsgTerminate:
		if err := n.Terminate(msg.PID); err != nil {
			n.logger.Debug("terminate for absent process", log.Int64("pid", int64(msg.PID)))
		}
	case MsgHeartbeat:
		// Liveness ack only.
		n.logger.Debug("heartbeat", log.Int("from", int(msg.Source)))
	case MsgShutdown:
		n.running.Store(false)
	case MsgVote:
		n.onVote(msg)
	case MsgWinner:
		n.onWinner(msg)
	case MsgBarrierReached, MsgBarrierGo:
		// Barrier traffic outside the rendezvous window. Dropped.
		n.logger.Debug("late barrier message", log.String("type", msg.Type.String()))
	default:
		n.logger.Warn("unknown message type",
			log.String("type", msg.Type.String()),
			log.Int("from", int(msg.Source)))
	}
}

// send routes one outbound message, counting the send on success and the
// drop on a full destination inbox.
func (n *Node) send(msg Message) error {
	err := n.router.Deliver(msg)
	switch {
	case err == nil:
		n.stats.sent.Add(1)
	case errors.Is(err, ErrQueueFull):
		n.stats.dropped.Add(1)
		n.bus.Publish(bus.NewEvent("message.dropped", int(n.id), map[string]any{
			"type": msg.Type.String(),
			"dest": int(msg.Dest),
		}))
		n.logger.Warn("destination inbox full, message dropped",
			log.String("type", msg.Type.String()),
			log.Int("dest", int(msg.Dest)))
	}
	return err
}

// Heartbeat sends a liveness ping to every peer.
func (n *Node) Heartbeat() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	var all error
	for _, id := range n.router.Nodes() {
		if id == n.id {
			continue
		}
		if err := n.send(NewMessage(n.id, id, MsgHeartbeat, -1, nil)); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

// CreateProcess places a new process record directly into the table. Used by
// the coordinator for initial placement; message-driven creation goes
// through dispatch.
func (n *Node) CreateProcess(pid PID, priority int) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	n.admit(newProcessRecord(pid, n.id, priority), "process.created")
	return nil
}

// admit inserts a record under the table lock. A duplicate pid within one
// table is an invariant violation and panics.
func (n *Node) admit(rec *ProcessRecord, event string) {
	n.mu.Lock()
	if _, exists := n.table[rec.PID]; exists {
		n.mu.Unlock()
		panic(fmt.Sprintf("kernel: duplicate pid %d on node %d", rec.PID, n.id))
	}
	rec.Node = n.id
	n.table[rec.PID] = rec
	n.stats.load.Store(int64(len(n.table)))
	n.mu.Unlock()

	n.bus.Publish(bus.NewEvent(event, int(n.id), map[string]any{
		"pid":      int64(rec.PID),
		"priority": rec.Priority,
	}))
	n.logger.Info("process admitted",
		log.Int64("pid", int64(rec.PID)),
		log.Int("priority", rec.Priority))
}

// Migrate removes the process locally and sends it to the target as one
// logically atomic sequence with respect to the table. There is no cross-node
// transaction: when the outbound send is dropped the process is lost, and
// the loss is counted rather than masked.
func (n *Node) Migrate(pid PID, target NodeID) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if target == n.id {
		return ErrInvalidTarget
	}

	n.mu.Lock()
	rec, ok := n.table[pid]
	if !ok {
		n.mu.Unlock()
		return ErrProcessNotFound
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	delete(n.table, pid)
	n.stats.load.Store(int64(len(n.table)))
	err = n.send(NewMessage(n.id, target, MsgMigrate, pid, payload))
	n.mu.Unlock()

	if err != nil {
		return err
	}
	n.bus.Publish(bus.NewEvent("process.migrated", int(n.id), map[string]any{
		"pid": int64(pid),
		"to":  int(target),
	}))
	n.logger.Info("process migrated out",
		log.Int64("pid", int64(pid)),
		log.Int("target", int(target)))
	return nil
}

func (n *Node) migrateIn(msg Message) {
	if !msg.Verify() {
		n.logger.Error("migration payload failed checksum",
			log.Int("from", int(msg.Source)),
			log.Int64("pid", int64(msg.PID)))
		return
	}
	rec, err := decodeRecord(msg.Payload)
	if err != nil {
		n.logger.Error("malformed migration payload", log.Err(err))
		return
	}
	rec.State = StateReady
	n.admit(rec, "process.arrived")
}

// Terminate marks the process terminated; the next sweep removes it.
func (n *Node) Terminate(pid PID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.table[pid]
	if !ok {
		return ErrProcessNotFound
	}
	rec.State = StateTerminated
	return nil
}

// HasProcess reports whether the pid is currently in this node's table.
func (n *Node) HasProcess(pid PID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.table[pid]
	return ok
}

// Processes returns a copy of the table for observers.
func (n *Node) Processes() []ProcessRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ProcessRecord, 0, len(n.table))
	for _, rec := range n.table {
		out = append(out, *rec)
	}
	return out
}

// tick runs one scheduling pass: every runnable process accrues one quantum
// and may retire per the lifetime curve, then terminated records are swept
// in a single pass.
func (n *Node) tick() {
	var swept []PID

	n.mu.Lock()
	for _, rec := range n.table {
		if rec.State != StateReady && rec.State != StateRunning {
			continue
		}
		rec.State = StateRunning
		rec.CPUTime += n.opts.Quantum
		n.stats.executed.Add(1)
		n.stats.contextSwitches.Add(1)
		if c := n.opts.Retirement.chance(rec.CPUTime); c > 0 && n.rng.IntN(100) < c {
			rec.State = StateTerminated
		}
	}
	for pid, rec := range n.table {
		if rec.State == StateTerminated {
			delete(n.table, pid)
			swept = append(swept, pid)
		}
	}
	n.stats.load.Store(int64(len(n.table)))
	n.mu.Unlock()

	for _, pid := range swept {
		n.bus.Publish(bus.NewEvent("process.terminated", int(n.id), map[string]any{
			"pid": int64(pid),
		}))
	}
	if len(swept) > 0 {
		n.logger.Debug("swept terminated processes", log.Int("count", len(swept)))
	}
}

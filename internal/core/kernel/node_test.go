package kernel

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRouter wires inboxes together without a coordinator.
type testRouter struct {
	inboxes map[NodeID]*Inbox
}

func (r *testRouter) Deliver(msg Message) error {
	if msg.Dest == Broadcast {
		var all error
		for id, in := range r.inboxes {
			if id == msg.Source {
				continue
			}
			copied := msg
			copied.Dest = id
			all = errors.Join(all, in.Enqueue(copied))
		}
		return all
	}
	in, ok := r.inboxes[msg.Dest]
	if !ok {
		return ErrInvalidTarget
	}
	return in.Enqueue(msg)
}

func (r *testRouter) Nodes() []NodeID {
	out := make([]NodeID, 0, len(r.inboxes))
	for id := range r.inboxes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// immortalOpts keeps processes alive forever and ticks fast.
func immortalOpts() Options {
	return Options{
		TickInterval: 5 * time.Millisecond,
		Quantum:      50 * time.Millisecond,
		Retirement:   Retirement{}, // zero chances: never retire
	}
}

func newTestCluster(t *testing.T, n int, opts Options) (map[NodeID]*Node, *testRouter) {
	t.Helper()
	router := &testRouter{inboxes: make(map[NodeID]*Inbox)}
	nodes := make(map[NodeID]*Node)
	for i := 0; i < n; i++ {
		id := NodeID(i)
		inbox := NewInbox(16)
		router.inboxes[id] = inbox
		nodes[id] = NewNode(id, inbox, router, opts)
	}
	t.Cleanup(func() {
		for id, node := range nodes {
			router.inboxes[id].Close()
			_ = node.Join(time.Second)
		}
	})
	return nodes, router
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNodeCreateViaMessage(t *testing.T) {
	nodes, router := newTestCluster(t, 1, immortalOpts())
	n := nodes[0]
	require.NoError(t, n.Start())

	msg := NewMessage(SourceSystem, 0, MsgCreate, 7, encodeCreate(3))
	require.NoError(t, router.Deliver(msg))

	waitFor(t, time.Second, func() bool { return n.HasProcess(7) }, "create message not applied")
	snap := n.Statistics()
	assert.GreaterOrEqual(t, snap.Received, uint64(1))
	assert.Greater(t, snap.AvgLatency, time.Duration(0), "dequeue latency should be recorded")
}

func TestNodeCreateNotRunning(t *testing.T) {
	nodes, _ := newTestCluster(t, 1, immortalOpts())
	err := nodes[0].CreateProcess(1, 5)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestNodeDoubleStart(t *testing.T) {
	nodes, _ := newTestCluster(t, 1, immortalOpts())
	require.NoError(t, nodes[0].Start())
	require.ErrorIs(t, nodes[0].Start(), ErrAlreadyRunning)
}

func TestNodeTerminateViaMessage(t *testing.T) {
	nodes, router := newTestCluster(t, 1, immortalOpts())
	n := nodes[0]
	require.NoError(t, n.Start())
	require.NoError(t, n.CreateProcess(1, 5))

	require.NoError(t, router.Deliver(NewMessage(SourceSystem, 0, MsgTerminate, 1, nil)))

	waitFor(t, time.Second, func() bool { return !n.HasProcess(1) }, "terminated process not swept")
	assert.Equal(t, 0, n.Load())
}

func TestNodeTerminateAbsent(t *testing.T) {
	nodes, _ := newTestCluster(t, 1, immortalOpts())
	require.ErrorIs(t, nodes[0].Terminate(99), ErrProcessNotFound)
}

func TestNodeMigrateMovesProcess(t *testing.T) {
	nodes, _ := newTestCluster(t, 2, immortalOpts())
	require.NoError(t, nodes[0].Start())
	require.NoError(t, nodes[1].Start())
	require.NoError(t, nodes[0].CreateProcess(42, 7))

	require.NoError(t, nodes[0].Migrate(42, 1))

	assert.False(t, nodes[0].HasProcess(42), "migrated process must leave the source immediately")
	waitFor(t, time.Second, func() bool { return nodes[1].HasProcess(42) }, "migrated process never arrived")

	// Priority travels with the record.
	for _, rec := range nodes[1].Processes() {
		if rec.PID == 42 {
			assert.Equal(t, 7, rec.Priority)
			assert.Equal(t, NodeID(1), rec.Node)
			assert.Equal(t, StateReady, rec.State)
		}
	}
}

func TestNodeMigrateUnknownPID(t *testing.T) {
	nodes, _ := newTestCluster(t, 2, immortalOpts())
	require.NoError(t, nodes[0].Start())

	before := nodes[0].Statistics().Sent
	err := nodes[0].Migrate(99, 1)
	require.ErrorIs(t, err, ErrProcessNotFound)
	assert.Equal(t, before, nodes[0].Statistics().Sent, "failed migrate must send nothing")
}

func TestNodeMigrateToSelf(t *testing.T) {
	nodes, _ := newTestCluster(t, 1, immortalOpts())
	require.NoError(t, nodes[0].Start())
	require.NoError(t, nodes[0].CreateProcess(1, 5))
	require.ErrorIs(t, nodes[0].Migrate(1, 0), ErrInvalidTarget)
}

func TestNodeMigrateDropIsObservable(t *testing.T) {
	router := &testRouter{inboxes: make(map[NodeID]*Inbox)}
	opts := immortalOpts()

	srcInbox := NewInbox(16)
	full := NewInbox(1)
	router.inboxes[0] = srcInbox
	router.inboxes[1] = full
	source := NewNode(0, srcInbox, router, opts)

	// Target inbox is at capacity and its node is not draining.
	require.NoError(t, full.Enqueue(NewMessage(SourceSystem, 1, MsgHeartbeat, -1, nil)))

	require.NoError(t, source.Start())
	defer func() {
		srcInbox.Close()
		_ = source.Join(time.Second)
	}()
	require.NoError(t, source.CreateProcess(5, 5))

	err := source.Migrate(5, 1)
	require.ErrorIs(t, err, ErrQueueFull)

	// The process is lost, and the loss is counted.
	assert.False(t, source.HasProcess(5))
	assert.Equal(t, uint64(1), source.Statistics().Dropped)
}

func TestNodeRetirementCurve(t *testing.T) {
	opts := immortalOpts()
	opts.Retirement = Retirement{
		MidAge: time.Millisecond, OldAge: 2 * time.Millisecond, AncientAge: 3 * time.Millisecond,
		YoungChance: 100, MidChance: 100, OldChance: 100, AncientChance: 100,
	}
	nodes, _ := newTestCluster(t, 1, opts)
	n := nodes[0]
	require.NoError(t, n.Start())
	require.NoError(t, n.CreateProcess(1, 5))

	waitFor(t, time.Second, func() bool { return !n.HasProcess(1) }, "process never retired")
	snap := n.Statistics()
	assert.Greater(t, snap.Executed, uint64(0))
	assert.Greater(t, snap.ContextSwitches, uint64(0))
}

func TestNodeDuplicatePIDPanics(t *testing.T) {
	nodes, _ := newTestCluster(t, 1, immortalOpts())
	n := nodes[0]
	require.NoError(t, n.Start())
	require.NoError(t, n.CreateProcess(1, 5))
	require.Panics(t, func() { _ = n.CreateProcess(1, 5) })
}

func TestNodeUnknownMessageTypeIgnored(t *testing.T) {
	nodes, router := newTestCluster(t, 1, immortalOpts())
	n := nodes[0]
	require.NoError(t, n.Start())

	require.NoError(t, router.Deliver(NewMessage(SourceSystem, 0, MessageType(200), -1, nil)))
	require.NoError(t, router.Deliver(NewMessage(SourceSystem, 0, MsgCreate, 1, encodeCreate(5))))

	waitFor(t, time.Second, func() bool { return n.HasProcess(1) }, "node died on unknown message type")
	assert.True(t, n.Running())
}

func TestNodeHeartbeatBroadcast(t *testing.T) {
	nodes, _ := newTestCluster(t, 3, immortalOpts())
	for _, n := range nodes {
		require.NoError(t, n.Start())
	}

	require.NoError(t, nodes[0].Heartbeat())

	assert.Equal(t, uint64(2), nodes[0].Statistics().Sent)
	waitFor(t, time.Second, func() bool {
		return nodes[1].Statistics().Received >= 1 && nodes[2].Statistics().Received >= 1
	}, "heartbeats not received")
}

func TestNodeShutdownMessageStopsWorker(t *testing.T) {
	nodes, router := newTestCluster(t, 1, immortalOpts())
	n := nodes[0]
	require.NoError(t, n.Start())

	require.NoError(t, router.Deliver(NewMessage(SourceSystem, 0, MsgShutdown, -1, nil)))

	waitFor(t, time.Second, func() bool { return !n.Running() }, "shutdown message ignored")
	require.NoError(t, n.Join(time.Second))
}

func TestMessageChecksum(t *testing.T) {
	msg := NewMessage(0, 1, MsgMigrate, 1, []byte(`{"pid":1}`))
	assert.True(t, msg.Verify())
	msg.Payload = []byte(`{"pid":2}`)
	assert.False(t, msg.Verify(), "tampered payload must fail verification")
}

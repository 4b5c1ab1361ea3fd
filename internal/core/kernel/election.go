package kernel

import (
	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/observability/log"
)

// Bully-style leader election. Any node may initiate; the highest live id
// always wins. Vote receivers propagate their own candidacy, so exactly one
// Winner broadcast reaches every node.

// StartElection begins an election from this node: a Vote goes to every node
// with a strictly higher id, and with no higher peer the node declares
// itself leader immediately.
func (n *Node) StartElection() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	n.logger.Info("starting election")
	n.runCandidacy()
	return nil
}

func (n *Node) runCandidacy() {
	if n.Leader() == n.id {
		// Already announced as winner; re-broadcasting would duplicate the
		// Winner message.
		return
	}
	if !n.electing.CompareAndSwap(false, true) {
		// A candidacy is already in flight; stay silent and defer to it.
		return
	}
	higher := 0
	for _, id := range n.router.Nodes() {
		if id > n.id {
			_ = n.send(NewMessage(n.id, id, MsgVote, -1, nil))
			higher++
		}
	}
	if higher == 0 {
		n.becomeLeader()
	}
}

// onVote handles a Vote from a lower-id initiator. The standing leader
// re-announces itself to the voter directly; a node deferring to a known
// higher leader stays silent; anyone else pushes its own candidacy. The
// re-announcement resets the voter's in-flight candidacy, so elections
// started after a completed one still resolve.
func (n *Node) onVote(msg Message) {
	if msg.Source >= n.id {
		return
	}
	switch leader := n.Leader(); {
	case leader == n.id:
		// Not a fresh broadcast; receivers apply repeated Winner messages
		// idempotently.
		_ = n.send(NewMessage(n.id, msg.Source, MsgWinner, -1, nil))
	case leader > n.id:
		// Deferring to a known higher candidate.
	default:
		n.runCandidacy()
	}
}

// onWinner adopts the announced leader unconditionally. There is no election
// epoch, so a stale Winner from an earlier round can override a newer
// result; known consistency gap, kept observable rather than patched.
func (n *Node) onWinner(msg Message) {
	n.leader.Store(int64(msg.Source))
	n.electing.Store(false)
	n.logger.Info("acknowledged leader", log.Int("leader", int(msg.Source)))
}

func (n *Node) becomeLeader() {
	n.leader.Store(int64(n.id))
	n.electing.Store(false)
	for _, id := range n.router.Nodes() {
		if id != n.id {
			_ = n.send(NewMessage(n.id, id, MsgWinner, -1, nil))
		}
	}
	n.bus.Publish(bus.NewEvent("election.leader", int(n.id), map[string]any{
		"leader": int(n.id),
	}))
	n.logger.Info("won election")
}

package cluster

import (
	"errors"
	"fmt"

	"github.com/polycore/polycore/internal/core/kernel"
)

// Registry is the coordinator-owned routing table. Nodes get it as an opaque
// kernel.Router handle: they can address peers by id but never hold a peer
// reference. The table is fixed at construction, so delivery needs no lock.
type Registry struct {
	ids     []kernel.NodeID // ascending
	inboxes map[kernel.NodeID]*kernel.Inbox
}

func newRegistry(ids []kernel.NodeID, inboxes map[kernel.NodeID]*kernel.Inbox) *Registry {
	return &Registry{ids: ids, inboxes: inboxes}
}

// Deliver routes the message into the destination inbox. A destination of
// kernel.Broadcast fans out to every node except the sender. The destination
// is validated before any queue is touched.
func (r *Registry) Deliver(msg kernel.Message) error {
	if msg.Dest == kernel.Broadcast {
		return r.broadcast(msg)
	}
	inbox, ok := r.inboxes[msg.Dest]
	if !ok {
		return fmt.Errorf("node %d: %w", msg.Dest, kernel.ErrInvalidTarget)
	}
	return inbox.Enqueue(msg)
}

func (r *Registry) broadcast(msg kernel.Message) error {
	var all error
	for _, id := range r.ids {
		if id == msg.Source {
			continue
		}
		copied := msg
		copied.Dest = id
		if err := r.inboxes[id].Enqueue(copied); err != nil {
			all = errors.Join(all, fmt.Errorf("node %d: %w", id, err))
		}
	}
	return all
}

// Nodes returns every routable node id in ascending order.
func (r *Registry) Nodes() []kernel.NodeID {
	out := make([]kernel.NodeID, len(r.ids))
	copy(out, r.ids)
	return out
}

// Knows reports whether the id is routable.
func (r *Registry) Knows(id kernel.NodeID) bool {
	_, ok := r.inboxes[id]
	return ok
}

var _ kernel.Router = (*Registry)(nil)

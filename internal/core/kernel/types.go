// Package kernel implements the per-node kernel instances of the multikernel
// simulator: bounded message inboxes, process tables, the worker loop, and
// the barrier and election protocols that run over the message bus.
package kernel

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// NodeID identifies one kernel instance.
type NodeID int

// PID identifies one simulated process. PIDs are allocated globally and
// increase monotonically.
type PID int64

// Broadcast as a destination addresses every node except the sender.
const Broadcast NodeID = -1

// SourceSystem marks messages originating from the coordinator rather than
// from a node.
const SourceSystem NodeID = -1

// MessageID uniquely identifies a message.
type MessageID string

// MessageType defines the kind of message being sent between nodes.
type MessageType uint8

const (
	MsgCreate MessageType = iota
	MsgMigrate
	MsgTerminate
	MsgHeartbeat
	MsgShutdown
	MsgBarrierReached
	MsgBarrierGo
	MsgVote
	MsgWinner
)

func (mt MessageType) String() string {
	switch mt {
	case MsgCreate:
		return "create"
	case MsgMigrate:
		return "migrate"
	case MsgTerminate:
		return "terminate"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgShutdown:
		return "shutdown"
	case MsgBarrierReached:
		return "barrier.reached"
	case MsgBarrierGo:
		return "barrier.go"
	case MsgVote:
		return "election.vote"
	case MsgWinner:
		return "election.winner"
	default:
		return "unknown"
	}
}

// Message is one packet on the inter-node bus. It is immutable once sent:
// messages travel by value and are discarded after a successful dequeue.
type Message struct {
	ID       MessageID
	Source   NodeID
	Dest     NodeID
	Type     MessageType
	PID      PID
	Payload  []byte
	Checksum uint64
	SentAt   time.Time
}

// NewMessage stamps a message with a fresh ID, the payload checksum and the
// send time used for latency tracking.
func NewMessage(source, dest NodeID, typ MessageType, pid PID, payload []byte) Message {
	return Message{
		ID:       MessageID(uuid.NewString()),
		Source:   source,
		Dest:     dest,
		Type:     typ,
		PID:      pid,
		Payload:  payload,
		Checksum: xxhash.Sum64(payload),
		SentAt:   time.Now(),
	}
}

// Verify reports whether the payload still matches its checksum.
func (m Message) Verify() bool {
	return xxhash.Sum64(m.Payload) == m.Checksum
}

// Router delivers outbound messages. Nodes hold a routing handle only; they
// never reference peer nodes directly.
type Router interface {
	// Deliver places the message into the destination inbox. It returns
	// ErrInvalidTarget for an unknown destination and ErrQueueFull when the
	// destination inbox is at capacity.
	Deliver(msg Message) error

	// Nodes returns every routable node id in ascending order.
	Nodes() []NodeID
}

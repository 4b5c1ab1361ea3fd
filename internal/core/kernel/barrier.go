package kernel

import (
	"time"

	"github.com/polycore/polycore/internal/core/events/bus"
	"github.com/polycore/polycore/internal/core/observability/log"
)

// BarrierPlan configures the boot rendezvous: every participant blocks until
// all of them have arrived. The coordinator is by convention the lowest node
// id. There is no timeout or abort path: a stalled participant stalls the
// barrier permanently.
type BarrierPlan struct {
	Coordinator  NodeID
	Participants int
}

// enterBarrier runs on the worker goroutine before the main loop.
//
// Messages that are not barrier traffic arrive here too; the policy is to
// defer them: they are queued on n.deferred and dispatched normally once the
// barrier has passed. Nothing is discarded.
func (n *Node) enterBarrier(plan BarrierPlan) error {
	n.barrierMu.Lock()
	n.barrierArrived = time.Now()
	n.barrierMu.Unlock()
	n.logger.Info("entering barrier")

	if n.id == plan.Coordinator {
		arrived := 1 // count self
		for arrived < plan.Participants {
			msg, err := n.inbox.Dequeue(0)
			if err != nil {
				return err
			}
			n.observe(msg)
			switch msg.Type {
			case MsgBarrierReached:
				arrived++
			case MsgShutdown:
				return ErrQueueClosed
			default:
				n.deferred = append(n.deferred, msg)
			}
		}
		n.logger.Info("all participants arrived, releasing barrier",
			log.Int("participants", plan.Participants))
		for _, id := range n.router.Nodes() {
			if id == n.id {
				continue
			}
			_ = n.send(NewMessage(n.id, id, MsgBarrierGo, -1, nil))
		}
	} else {
		if err := n.send(NewMessage(n.id, plan.Coordinator, MsgBarrierReached, -1, nil)); err != nil {
			return err
		}
		for {
			msg, err := n.inbox.Dequeue(0)
			if err != nil {
				return err
			}
			n.observe(msg)
			if msg.Type == MsgBarrierGo {
				break
			}
			if msg.Type == MsgShutdown {
				return ErrQueueClosed
			}
			n.deferred = append(n.deferred, msg)
		}
	}

	n.barrierMu.Lock()
	n.barrierPassed = time.Now()
	n.barrierMu.Unlock()
	n.bus.Publish(bus.NewEvent("barrier.passed", int(n.id), nil))
	n.logger.Info("passed barrier")
	return nil
}

// BarrierTimes reports when this node arrived at and passed the boot
// barrier. ok is false until the barrier has passed.
func (n *Node) BarrierTimes() (arrived, passed time.Time, ok bool) {
	n.barrierMu.Lock()
	defer n.barrierMu.Unlock()
	return n.barrierArrived, n.barrierPassed, !n.barrierPassed.IsZero()
}

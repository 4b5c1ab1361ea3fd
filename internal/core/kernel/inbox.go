package kernel

import (
	"sync"
	"time"
)

// Inbox is a bounded FIFO message queue with blocking receive. Capacity is
// fixed at construction. Enqueue never blocks: a full inbox rejects the
// message immediately and the sender must count the drop. Close releases
// every blocked receiver exactly once.
type Inbox struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewInbox(capacity int) *Inbox {
	return &Inbox{
		ch:   make(chan Message, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue appends the message, failing fast with ErrQueueFull when the inbox
// is at capacity and ErrQueueClosed after shutdown.
func (in *Inbox) Enqueue(msg Message) error {
	select {
	case <-in.done:
		return ErrQueueClosed
	default:
	}
	select {
	case in.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// TryDequeue returns the head message without blocking, or ErrQueueEmpty.
// Buffered messages drain even after Close.
func (in *Inbox) TryDequeue() (Message, error) {
	select {
	case msg := <-in.ch:
		return msg, nil
	default:
		select {
		case <-in.done:
			return Message{}, ErrQueueClosed
		default:
			return Message{}, ErrQueueEmpty
		}
	}
}

// Dequeue blocks until a message arrives, the timeout elapses, or the inbox
// is closed. A timeout of zero or less blocks indefinitely. ErrQueueEmpty is
// returned when the deadline passes without a wake; ErrQueueClosed is the
// shutdown sentinel.
func (in *Inbox) Dequeue(timeout time.Duration) (Message, error) {
	// Messages already buffered win over a concurrent close.
	select {
	case msg := <-in.ch:
		return msg, nil
	default:
	}

	if timeout <= 0 {
		select {
		case msg := <-in.ch:
			return msg, nil
		case <-in.done:
			return Message{}, ErrQueueClosed
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-in.ch:
		return msg, nil
	case <-in.done:
		return Message{}, ErrQueueClosed
	case <-timer.C:
		return Message{}, ErrQueueEmpty
	}
}

// Close wakes every blocked receiver with the shutdown sentinel. It is
// idempotent.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}

// Closed reports whether Close has been called.
func (in *Inbox) Closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in *Inbox) Len() int { return len(in.ch) }

func (in *Inbox) Cap() int { return cap(in.ch) }

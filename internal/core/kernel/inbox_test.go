package kernel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxCapacity(t *testing.T) {
	const capacity = 4
	in := NewInbox(capacity)

	var fullErrs int
	for i := 0; i < capacity+1; i++ {
		if err := in.Enqueue(NewMessage(0, 1, MsgHeartbeat, -1, nil)); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			fullErrs++
		}
	}
	assert.Equal(t, 1, fullErrs, "exactly one enqueue should fail")
	assert.Equal(t, capacity, in.Len())

	retrieved := 0
	for {
		_, err := in.TryDequeue()
		if err != nil {
			require.ErrorIs(t, err, ErrQueueEmpty)
			break
		}
		retrieved++
	}
	assert.Equal(t, capacity, retrieved, "exactly C messages should be retrievable")
}

func TestInboxFIFO(t *testing.T) {
	in := NewInbox(16)

	var sent []MessageID
	for i := 0; i < 10; i++ {
		msg := NewMessage(0, 1, MsgHeartbeat, PID(i), nil)
		sent = append(sent, msg.ID)
		require.NoError(t, in.Enqueue(msg))
	}

	for i := 0; i < 10; i++ {
		msg, err := in.TryDequeue()
		require.NoError(t, err)
		assert.Equal(t, sent[i], msg.ID, "dequeue order must equal enqueue order")
	}
}

func TestInboxBlockingDequeueWakesOnEnqueue(t *testing.T) {
	in := NewInbox(4)

	got := make(chan Message, 1)
	go func() {
		msg, err := in.Dequeue(0)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, in.Enqueue(NewMessage(2, 1, MsgHeartbeat, -1, nil)))

	select {
	case msg := <-got:
		assert.Equal(t, NodeID(2), msg.Source)
	case <-time.After(time.Second):
		t.Fatal("blocked receiver was not woken by enqueue")
	}
}

func TestInboxDequeueTimeout(t *testing.T) {
	in := NewInbox(4)

	start := time.Now()
	_, err := in.Dequeue(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestInboxCloseReleasesEveryWaiterOnce(t *testing.T) {
	in := NewInbox(4)

	const waiters = 3
	var released atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := in.Dequeue(0)
			if err == ErrQueueClosed {
				released.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	in.Close()
	in.Close() // idempotent

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by close")
	}
	assert.Equal(t, int32(waiters), released.Load())
}

func TestInboxEnqueueAfterClose(t *testing.T) {
	in := NewInbox(4)
	in.Close()
	err := in.Enqueue(NewMessage(0, 1, MsgHeartbeat, -1, nil))
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestInboxDrainsBufferedAfterClose(t *testing.T) {
	in := NewInbox(4)
	require.NoError(t, in.Enqueue(NewMessage(0, 1, MsgHeartbeat, -1, nil)))
	require.NoError(t, in.Enqueue(NewMessage(0, 1, MsgHeartbeat, -1, nil)))
	in.Close()

	for i := 0; i < 2; i++ {
		_, err := in.TryDequeue()
		require.NoError(t, err, "buffered messages drain after close")
	}
	_, err := in.TryDequeue()
	require.ErrorIs(t, err, ErrQueueClosed)
}

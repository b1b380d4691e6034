package cellqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torfoil/relaycore/pkg/cell"
)

func testCell(circID uint32) *cell.Cell {
	return &cell.Cell{CircID: circID, Command: cell.CmdRelay, Payload: make([]byte, cell.PayloadLen)}
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(0)
	require.Equal(t, 0, q.Len())

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(testCell(i)))
	}
	require.Equal(t, 3, q.Len())

	for i := uint32(1); i <= 3; i++ {
		pc, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, pc.Body.CircID)
	}
	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestQueueHardCap(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(testCell(1)))
	require.NoError(t, q.Enqueue(testCell(2)))
	err := q.Enqueue(testCell(3))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueMarkForClose(t *testing.T) {
	q := NewQueue(0)
	q.MarkForClose()
	require.True(t, q.IsMarkedForClose())
	err := q.Enqueue(testCell(1))
	require.ErrorIs(t, err, ErrMarkedForClose)
}

func TestQueueOldestInsertedAtTracksEmptyTransitions(t *testing.T) {
	q := NewQueue(0)
	require.True(t, q.OldestInsertedAt().IsZero())

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := now
	now = func() time.Time { return fixed }
	defer func() { now = restore }()

	require.NoError(t, q.Enqueue(testCell(1)))
	require.Equal(t, fixed, q.OldestInsertedAt())

	later := fixed.Add(time.Second)
	now = func() time.Time { return later }
	require.NoError(t, q.Enqueue(testCell(2)))
	// oldest should not have moved forward just because a second cell queued.
	require.Equal(t, fixed, q.OldestInsertedAt())

	_, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, fixed, q.OldestInsertedAt()) // one cell still queued

	_, ok = q.Dequeue()
	require.True(t, ok)
	require.True(t, q.OldestInsertedAt().IsZero()) // drained
}

func TestQueueWatermarkBackpressure(t *testing.T) {
	q := NewQueue(0)
	q.SetWatermarks(3, 1)

	var events []bool
	q.SetBlockedCallback(func(blocked bool) { events = append(events, blocked) })

	require.NoError(t, q.Enqueue(testCell(1)))
	require.NoError(t, q.Enqueue(testCell(2)))
	require.False(t, q.Blocked())

	// Third cell crosses the high watermark.
	require.NoError(t, q.Enqueue(testCell(3)))
	require.True(t, q.Blocked())
	require.Equal(t, []bool{true}, events)

	// Still blocked until we drain to the low watermark.
	_, ok := q.Dequeue()
	require.True(t, ok)
	require.True(t, q.Blocked())

	_, ok = q.Dequeue()
	require.True(t, ok)
	require.False(t, q.Blocked())
	require.Equal(t, []bool{true, false}, events)
}

func TestQueueWatermarkNoRepeatedNotifications(t *testing.T) {
	q := NewQueue(0)
	q.SetWatermarks(2, 0)

	var n int
	q.SetBlockedCallback(func(bool) { n++ })

	require.NoError(t, q.Enqueue(testCell(1)))
	require.NoError(t, q.Enqueue(testCell(2)))
	require.NoError(t, q.Enqueue(testCell(3)))
	require.Equal(t, 1, n, "only the crossing enqueue notifies")
}

func TestCmuxDestroyCellsPreemptOrdinaryTraffic(t *testing.T) {
	m := NewCmux()
	q1 := NewQueue(0)
	require.NoError(t, q1.Enqueue(testCell(1)))
	m.Attach(1, q1)

	dq := NewQueue(0)
	destroyCell := &cell.Cell{CircID: 1, Command: cell.CmdDestroy, Payload: []byte{byte(cell.ReasonRequested)}}
	require.NoError(t, dq.Enqueue(destroyCell))
	m.AttachDestroy(1, dq)

	c, circID, ok := m.FlushOne()
	require.True(t, ok)
	require.Equal(t, uint32(1), circID)
	require.Equal(t, cell.CmdDestroy, c.Command)

	// Ordinary cell still there after the destroy cell was drained.
	c2, circID2, ok2 := m.FlushOne()
	require.True(t, ok2)
	require.Equal(t, uint32(1), circID2)
	require.Equal(t, cell.CmdRelay, c2.Command)
}

func TestCmuxRoundRobinWithAging(t *testing.T) {
	m := NewCmux()
	q1 := NewQueue(0)
	q2 := NewQueue(0)
	m.Attach(1, q1)
	m.Attach(2, q2)

	for i := 0; i < 3; i++ {
		require.NoError(t, q1.Enqueue(testCell(1)))
	}
	require.NoError(t, q2.Enqueue(testCell(2)))

	// circuit 2 has been waiting since the start, so once it has data it
	// should win as soon as it is non-empty relative to circuit 1's
	// continual traffic: first flush picks whichever circuit was attached
	// first among equally-aged (zero-age) queues, i.e. circuit 1.
	c, circID, ok := m.FlushOne()
	require.True(t, ok)
	require.Equal(t, uint32(1), circID)
	_ = c

	// circuit 2 aged while circuit 1 was serviced, so it wins next.
	c, circID, ok = m.FlushOne()
	require.True(t, ok)
	require.Equal(t, uint32(2), circID)
	_ = c

	// circuit 2 is now empty; circuit 1 is the only active queue left.
	flushed := m.FlushN(10)
	require.Len(t, flushed, 2)
	for _, f := range flushed {
		require.Equal(t, uint32(1), f.CircID)
	}

	require.Empty(t, m.ActiveCircuits())
}

func TestCmuxFlushOneEmpty(t *testing.T) {
	m := NewCmux()
	_, _, ok := m.FlushOne()
	require.False(t, ok)
}

func TestCmuxDetach(t *testing.T) {
	m := NewCmux()
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(testCell(5)))
	m.Attach(5, q)
	m.Detach(5)
	_, _, ok := m.FlushOne()
	require.False(t, ok)
}

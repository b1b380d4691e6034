// Package cellqueue implements the per-circuit, per-direction cell queue
// and the per-channel cmux that schedules which circuit's queue flushes
// next. Queue storage is backed by github.com/eapache/channels, giving an
// unbounded-then-capped buffer feeding a single consumer goroutine.
package cellqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/torfoil/relaycore/pkg/cell"
)

// Default watermarks and hard cap.
const (
	DefaultHighWatermark = 200
	DefaultLowWatermark  = 100
	DefaultHardCap       = 2500
)

// PackedCell is a cell awaiting transmission, with the timestamp it was
// enqueued at (used for age-ordered OOM shedding).
type PackedCell struct {
	Body       *cell.Cell
	InsertedAt time.Time
}

// Queue is a bounded FIFO of packed cells for one circuit in one
// direction. Backed by an eapache/channels.InfiniteChannel so push/pop
// never block the event loop; Queue itself enforces the hard cap (the
// backing channel has no bound of its own).
type Queue struct {
	mu      sync.Mutex
	ch      channels.Channel
	n       int
	hardCap int
	oldest  time.Time

	highWM    int
	lowWM     int
	blocked   bool
	onBlocked func(bool)

	markedForClose bool
}

// NewQueue creates an empty queue with the given hard cap (default 2500,
// consensus-tunable).
func NewQueue(hardCap int) *Queue {
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	return &Queue{
		ch:      channels.NewInfiniteChannel(),
		hardCap: hardCap,
		highWM:  DefaultHighWatermark,
		lowWM:   DefaultLowWatermark,
	}
}

// SetWatermarks overrides the default high/low watermarks. The high mark
// must be strictly above the low mark; out-of-order values are ignored.
func (q *Queue) SetWatermarks(high, low int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if high <= low || low < 0 {
		return
	}
	q.highWM = high
	q.lowWM = low
}

// SetBlockedCallback installs a function invoked with true when the queue
// length crosses the high watermark and with false when it drains back to
// the low watermark. The callback runs outside the queue's lock so it may
// re-enter the queue, but it is called from whichever goroutine performed
// the crossing Enqueue or Dequeue.
func (q *Queue) SetBlockedCallback(fn func(blocked bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onBlocked = fn
}

// Blocked reports whether the queue is currently above the high watermark
// and has not yet drained back to the low one.
func (q *Queue) Blocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blocked
}

// ErrQueueFull is returned by Enqueue when the hard cap would be
// exceeded; exceeding it is fatal for the circuit.
var ErrQueueFull = fmt.Errorf("cellqueue: hard cap exceeded")

// ErrMarkedForClose is returned by Enqueue once the circuit has been
// marked for close; no further cells are enqueued after that point.
var ErrMarkedForClose = fmt.Errorf("cellqueue: circuit marked for close")

// Enqueue appends a cell to the tail of the queue. Crossing the high
// watermark fires the blocked callback so streams feeding this circuit
// stop reading from their sockets.
func (q *Queue) Enqueue(c *cell.Cell) error {
	q.mu.Lock()

	if q.markedForClose {
		q.mu.Unlock()
		return ErrMarkedForClose
	}
	if q.n+1 > q.hardCap {
		q.mu.Unlock()
		return ErrQueueFull
	}
	ts := now()
	if q.n == 0 {
		q.oldest = ts
	}
	q.ch.In() <- &PackedCell{Body: c, InsertedAt: ts}
	q.n++

	var notify func(bool)
	if !q.blocked && q.n >= q.highWM {
		q.blocked = true
		notify = q.onBlocked
	}
	q.mu.Unlock()

	if notify != nil {
		notify(true)
	}
	return nil
}

// Dequeue pops the head cell, or returns (nil, false) if the queue is
// empty. Draining back to the low watermark fires the blocked callback
// with false so stopped streams resume reading.
func (q *Queue) Dequeue() (*PackedCell, bool) {
	q.mu.Lock()

	if q.n == 0 {
		q.mu.Unlock()
		return nil, false
	}
	// q.n > 0 means a cell is buffered in the backing channel; receive it
	// even if its forwarding goroutine has not yet moved it to Out().
	v, ok := <-q.ch.Out()
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	q.n--
	if q.n == 0 {
		q.oldest = time.Time{}
	}
	var notify func(bool)
	if q.blocked && q.n <= q.lowWM {
		q.blocked = false
		notify = q.onBlocked
	}
	q.mu.Unlock()
	if notify != nil {
		notify(false)
	}
	return v.(*PackedCell), true
}

// Len returns the number of cells currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// MarkForClose sets the monotonic marked-for-close flag. Once set it is
// never cleared.
func (q *Queue) MarkForClose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markedForClose = true
}

// IsMarkedForClose reports the marked-for-close flag.
func (q *Queue) IsMarkedForClose() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markedForClose
}

// Close releases the backing channel. Safe to call once the queue is
// drained and the owning circuit has been removed from the table.
func (q *Queue) Close() {
	q.ch.Close()
}

// OldestInsertedAt returns the insertion timestamp of the oldest cell this
// queue has held since it was last empty, used by the OOM handler's
// "kill circuits whose oldest queued cells are the oldest" policy. It is
// a scoring heuristic, not an exact peek: the channel type backing Queue
// does not support non-destructive head access, so this returns the
// timestamp recorded when the queue last
// transitioned from empty to non-empty, which is always <= the real head
// timestamp. Returns the zero Time if empty.
func (q *Queue) OldestInsertedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return time.Time{}
	}
	return q.oldest
}

// now is a var so tests can override it; production code always uses
// time.Now.
var now = time.Now

package cellqueue

import (
	"sync"

	"github.com/torfoil/relaycore/pkg/cell"
)

// circuitQueue is one circuit's entry in a Cmux: its outbound queue plus
// the aging counter the round-robin-with-aging policy uses.
type circuitQueue struct {
	circID       uint32
	queue        *Queue
	age          int
	destroyQueue *Queue // non-nil once a DESTROY cell is pending for this circuit
}

// Cmux multiplexes many circuits' outbound queues onto one channel
// connection, scheduling round-robin with aging: every time a
// non-empty queue is passed over in favor of another, its age increases;
// the queue with the highest age among non-empty queues is picked next,
// and the winner's age resets to zero. DESTROY cells always preempt this
// policy.
type Cmux struct {
	mu       sync.Mutex
	circuits map[uint32]*circuitQueue
	order    []uint32 // attach order, used for tie-breaking
}

// NewCmux creates an empty per-channel cmux.
func NewCmux() *Cmux {
	return &Cmux{circuits: make(map[uint32]*circuitQueue)}
}

// Attach registers a circuit's outbound queue with the cmux.
func (m *Cmux) Attach(circID uint32, q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.circuits[circID]; exists {
		return
	}
	m.circuits[circID] = &circuitQueue{circID: circID, queue: q}
	m.order = append(m.order, circID)
}

// AttachDestroy marks a DESTROY cell as pending for a circuit; the next
// FlushOne call always prefers it over ordinary relay traffic.
func (m *Cmux) AttachDestroy(circID uint32, q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cq, ok := m.circuits[circID]
	if !ok {
		cq = &circuitQueue{circID: circID}
		m.circuits[circID] = cq
		m.order = append(m.order, circID)
	}
	cq.destroyQueue = q
}

// Detach removes a circuit from the cmux, the single-circuit form used
// on normal teardown once its queues are drained (DetachAll handles
// channel close).
func (m *Cmux) Detach(circID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.circuits, circID)
	for i, id := range m.order {
		if id == circID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// DetachAll removes every attached circuit, e.g. on channel close.
func (m *Cmux) DetachAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits = make(map[uint32]*circuitQueue)
	m.order = nil
}

// FlushOne pops and returns a single cell according to the scheduling
// policy, or (nil, 0, false) if every attached queue is empty.
func (m *Cmux) FlushOne() (*cell.Cell, uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// DESTROY cells always preempt ordinary traffic.
	for _, id := range m.order {
		cq := m.circuits[id]
		if cq.destroyQueue == nil {
			continue
		}
		if pc, ok := cq.destroyQueue.Dequeue(); ok {
			if cq.destroyQueue.Len() == 0 {
				cq.destroyQueue = nil
			}
			return pc.Body, id, true
		}
		cq.destroyQueue = nil
	}

	winner := m.pickWinner()
	if winner == nil {
		return nil, 0, false
	}
	pc, ok := winner.queue.Dequeue()
	if !ok {
		// Race between close and free: tolerate it.
		return nil, 0, false
	}
	winner.age = 0
	for _, id := range m.order {
		if id != winner.circID {
			if cq := m.circuits[id]; cq.queue != nil && cq.queue.Len() > 0 {
				cq.age++
			}
		}
	}
	return pc.Body, winner.circID, true
}

// FlushN drains up to max cells in a loop, one FlushOne pick at a time.
func (m *Cmux) FlushN(max int) []FlushedCell {
	out := make([]FlushedCell, 0, max)
	for i := 0; i < max; i++ {
		c, circID, ok := m.FlushOne()
		if !ok {
			break
		}
		out = append(out, FlushedCell{Cell: c, CircID: circID})
	}
	return out
}

// FlushedCell pairs a dequeued cell with the circuit it came from.
type FlushedCell struct {
	Cell   *cell.Cell
	CircID uint32
}

// pickWinner returns the highest-aged non-empty queue, breaking ties in
// favor of the circuit attached earliest. Caller must hold m.mu.
func (m *Cmux) pickWinner() *circuitQueue {
	var winner *circuitQueue
	for _, id := range m.order {
		cq := m.circuits[id]
		if cq.queue == nil || cq.queue.Len() == 0 {
			continue
		}
		if winner == nil || cq.age > winner.age {
			winner = cq
		}
	}
	return winner
}

// ActiveCircuits returns the circuit ids currently holding at least one
// queued cell, for diagnostics/tests.
func (m *Cmux) ActiveCircuits() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []uint32
	for _, id := range m.order {
		cq := m.circuits[id]
		if cq.queue != nil && cq.queue.Len() > 0 {
			active = append(active, id)
		}
	}
	return active
}

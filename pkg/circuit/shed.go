package circuit

import (
	"sort"
	"time"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/cellqueue"
)

// perCellBytes approximates the memory one queued cell holds: the fixed
// wire size plus queue bookkeeping overhead.
const perCellBytes = cell.CellLen + 64

// queuesOf returns the non-nil cell queues attached to a table entry of
// either circuit type.
func queuesOf(c any) []*cellqueue.Queue {
	var qs []*cellqueue.Queue
	switch circ := c.(type) {
	case *OrCircuit:
		qs = append(qs, circ.SendQueue(), circ.RecvQueue())
	case *OriginCircuit:
		if q := circ.SendQueue(); q != nil {
			qs = append(qs, q)
		}
	}
	return qs
}

// QueuedBytes approximates the total memory held in every registered
// circuit's cell queues.
func (t *Table) QueuedBytes() uint64 {
	var total uint64
	t.ForEach(func(_ Key, c any) {
		for _, q := range queuesOf(c) {
			total += uint64(q.Len()) * perCellBytes
		}
	})
	return total
}

// ShedOldestQueues closes circuits in approximate age order of their
// oldest queued cell until at least target bytes of queue memory have
// been freed, returning the bytes actually freed. Circuits with empty
// queues are never touched.
func (t *Table) ShedOldestQueues(target uint64) uint64 {
	type candidate struct {
		key    Key
		circ   any
		oldest time.Time
		bytes  uint64
	}

	var cands []candidate
	t.ForEach(func(k Key, c any) {
		var bytes uint64
		oldest := time.Time{}
		for _, q := range queuesOf(c) {
			if q.Len() == 0 {
				continue
			}
			bytes += uint64(q.Len()) * perCellBytes
			if ts := q.OldestInsertedAt(); oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
		}
		if bytes > 0 {
			cands = append(cands, candidate{key: k, circ: c, oldest: oldest, bytes: bytes})
		}
	})

	sort.Slice(cands, func(i, j int) bool { return cands[i].oldest.Before(cands[j].oldest) })

	var freed uint64
	for _, cand := range cands {
		if freed >= target {
			break
		}
		switch circ := cand.circ.(type) {
		case *OrCircuit:
			circ.Close(cell.ReasonResourceLimit)
		case *OriginCircuit:
			circ.MarkForClose(cell.ReasonResourceLimit)
			circ.SetState(StateClosed)
			if q := circ.SendQueue(); q != nil {
				q.MarkForClose()
			}
		}
		for _, q := range queuesOf(cand.circ) {
			for {
				if _, ok := q.Dequeue(); !ok {
					break
				}
			}
		}
		t.Remove(cand.key)
		freed += cand.bytes
	}
	return freed
}

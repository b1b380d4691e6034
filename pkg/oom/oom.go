// Package oom implements the global memory-pressure response for the
// relay core. Cell queues, half-open streams, the DNS cache and the other
// in-memory caches all draw from one budget (MaxMemInQueues); when the
// total crosses it, each oversized cache is trimmed in turn and, if that
// is not enough, the circuit table sheds circuits whose queued cells are
// the oldest.
package oom

import (
	"sync"

	"github.com/torfoil/relaycore/pkg/logger"
)

// Shrinkable is one registered cache: it reports its current memory use
// and can trim itself down to a target.
type Shrinkable interface {
	Name() string
	MemoryUsed() uint64
	// TrimTo shrinks the cache to at most target bytes, returning the
	// bytes freed.
	TrimTo(target uint64) uint64
}

// CircuitShedder is the circuit table's side of the handler: the memory
// held in cell queues, and a way to free it by killing circuits in
// approximate queue-age order.
type CircuitShedder interface {
	QueuedBytes() uint64
	ShedOldestQueues(target uint64) uint64
}

// Trim thresholds: a cache using more than budget/trimCheckDivisor of the
// budget is trimmed down to budget/trimTargetDivisor.
const (
	trimCheckDivisor  = 5  // 20%
	trimTargetDivisor = 10 // 10%
)

// Handler owns the budget and the registered caches. Registration order
// is the trim order.
type Handler struct {
	mu sync.Mutex

	budget       uint64
	lowThreshold uint64
	caches       []Shrinkable
	shedder      CircuitShedder

	log *logger.Logger
}

// NewHandler creates a handler for the given budget. lowThreshold is the
// recovery target a reclaim pass drives total use back under; zero picks
// three quarters of the budget. shedder may be nil (no circuit shedding,
// caches only).
func NewHandler(budget, lowThreshold uint64, shedder CircuitShedder, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault()
	}
	if lowThreshold == 0 || lowThreshold > budget {
		lowThreshold = budget / 4 * 3
	}
	return &Handler{
		budget:       budget,
		lowThreshold: lowThreshold,
		shedder:      shedder,
		log:          log.Component("oom"),
	}
}

// Register adds a cache to the trim sequence. Caches are trimmed in
// registration order.
func (h *Handler) Register(s Shrinkable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caches = append(h.caches, s)
}

// TotalUsed sums the registered caches' and the circuit queues' memory.
func (h *Handler) TotalUsed() uint64 {
	h.mu.Lock()
	caches := make([]Shrinkable, len(h.caches))
	copy(caches, h.caches)
	shedder := h.shedder
	h.mu.Unlock()

	var total uint64
	for _, c := range caches {
		total += c.MemoryUsed()
	}
	if shedder != nil {
		total += shedder.QueuedBytes()
	}
	return total
}

// Check runs a reclaim pass if total use has reached the budget. It
// returns the bytes freed (zero when under budget).
func (h *Handler) Check() uint64 {
	total := h.TotalUsed()
	if total < h.budget {
		return 0
	}
	return h.reclaim(total)
}

func (h *Handler) reclaim(total uint64) uint64 {
	h.mu.Lock()
	caches := make([]Shrinkable, len(h.caches))
	copy(caches, h.caches)
	shedder := h.shedder
	h.mu.Unlock()

	h.log.Warn("memory budget reached, reclaiming",
		"used", total, "budget", h.budget)

	var freed uint64
	for _, c := range caches {
		used := c.MemoryUsed()
		if used <= h.budget/trimCheckDivisor {
			continue
		}
		got := c.TrimTo(h.budget / trimTargetDivisor)
		freed += got
		h.log.Info("trimmed cache", "cache", c.Name(), "freed", got)
	}

	if shedder != nil && total-freed > h.lowThreshold {
		got := shedder.ShedOldestQueues(total - freed - h.lowThreshold)
		freed += got
		if got > 0 {
			h.log.Warn("shed circuit queues", "freed", got)
		}
	}
	return freed
}

// Package dnsresolve implements the exit-side DNS resolver facade: a
// pending-coalescing cache with a min-heap expiry index, dual-stack
// answer selection, wildcard-hijack detection, and OOM-driven pruning.
package dnsresolve

import (
	"container/heap"
	"net"
	"sync"
	"time"
)

// ResolveMaxTimeout bounds how long a pending resolution is held before
// it is treated as expired.
const ResolveMaxTimeout = 300 * time.Second

// MaxDNSTTL caps how long a successful answer is cached, and is the unit
// the OOM pruner advances its cutoff by.
const MaxDNSTTL = 24 * time.Hour

// AnswerKind distinguishes the record types a CachedResolve can hold.
type AnswerKind int

const (
	AnswerNone AnswerKind = iota
	AnswerA
	AnswerAAAA
	AnswerPTR
	AnswerError
	AnswerErrorTransient
)

// CachedResolve is one hash-map entry: either a still-pending lookup
// awaiting one or more in-flight queries, or a resolved/cached answer.
type CachedResolve struct {
	Address string // the queried name (or PTR query string)

	Pending     bool
	AWaiting    bool // A query still in flight
	AAAAWaiting bool // AAAA query still in flight (only when IPv6 exit is enabled)

	Kind    AnswerKind
	IPv4    net.IP
	IPv6    net.IP
	PTRName string

	Expire time.Time

	// waiters holds callbacks invoked once all in-flight queries for this
	// record have completed.
	waiters []func(*CachedResolve)

	heapIndex int
}

// IsFresh reports whether the entry may still answer from cache.
func (c *CachedResolve) IsFresh(now time.Time) bool {
	return !c.Pending && now.Before(c.Expire)
}

// done reports whether every in-flight query this record is waiting on
// has completed.
func (c *CachedResolve) done() bool {
	return !c.AWaiting && !c.AAAAWaiting
}

// expireHeap is a container/heap.Interface over *CachedResolve ordered by
// Expire, letting the OOM pruner and TTL sweep find the soonest-to-expire
// entries without scanning the whole map.
type expireHeap []*CachedResolve

func (h expireHeap) Len() int            { return len(h) }
func (h expireHeap) Less(i, j int) bool  { return h[i].Expire.Before(h[j].Expire) }
func (h expireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *expireHeap) Push(x any) {
	e := x.(*CachedResolve)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *expireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.heapIndex = -1
	return e
}

// Cache is the address → CachedResolve map plus its expiry min-heap,
// guarded by a single mutex since the core runs on one cooperative
// event-loop thread and this cache is only ever touched from
// that thread or from query-completion callbacks marshaled back onto it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*CachedResolve
	heap    expireHeap

	now func() time.Time
}

// NewCache creates an empty resolver cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*CachedResolve),
		now:     time.Now,
	}
}

// Lookup returns the cached entry for address, if any.
func (c *Cache) Lookup(address string) (*CachedResolve, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	return e, ok
}

// InsertPending creates a new pending record for address, scheduling A
// (and, if wantAAAA, AAAA) queries.
func (c *Cache) InsertPending(address string, wantAAAA bool) *CachedResolve {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &CachedResolve{
		Address:     address,
		Pending:     true,
		AWaiting:    true,
		AAAAWaiting: wantAAAA,
		Expire:      c.now().Add(ResolveMaxTimeout),
	}
	c.entries[address] = e
	heap.Push(&c.heap, e)
	return e
}

// AddWaiter attaches a callback to a pending entry, to be invoked once
// every in-flight query on it has completed. Used for coalescing: a
// second request for the same address attaches here instead of launching
// its own queries.
func (c *Cache) AddWaiter(e *CachedResolve, fn func(*CachedResolve)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.waiters = append(e.waiters, fn)
}

// ResolveA folds a successful A answer into the record and wakes waiters
// if every in-flight query has now completed.
func (c *Cache) ResolveA(address string, ip net.IP, ttl time.Duration) {
	c.foldAnswer(address, func(e *CachedResolve) {
		e.AWaiting = false
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		e.IPv4 = ip
		if e.Kind == AnswerNone || e.Kind == AnswerError {
			e.Kind = AnswerA
		}
		c.bumpExpiry(e, ttl)
	})
}

// ResolveAAAA folds a successful AAAA answer into the record.
func (c *Cache) ResolveAAAA(address string, ip net.IP, ttl time.Duration) {
	c.foldAnswer(address, func(e *CachedResolve) {
		e.AAAAWaiting = false
		e.IPv6 = ip
		if e.Kind == AnswerNone || e.Kind == AnswerError {
			e.Kind = AnswerAAAA
		}
		c.bumpExpiry(e, ttl)
	})
}

// ResolvePTR folds a successful PTR answer into the record.
func (c *Cache) ResolvePTR(address, name string, ttl time.Duration) {
	c.foldAnswer(address, func(e *CachedResolve) {
		e.AWaiting = false
		e.AAAAWaiting = false
		e.Kind = AnswerPTR
		e.PTRName = name
		c.bumpExpiry(e, ttl)
	})
}

// Fail folds a failed query into the record: the A or AAAA leg (whichever
// is named) stops waiting and, if no answer of that kind has already
// arrived, the record is marked AnswerError.
func (c *Cache) FailA(address string, transient bool) {
	c.foldAnswer(address, func(e *CachedResolve) {
		e.AWaiting = false
		if e.IPv4 == nil {
			e.Kind = failureKind(transient)
		}
	})
}

func (c *Cache) FailAAAA(address string, transient bool) {
	c.foldAnswer(address, func(e *CachedResolve) {
		e.AAAAWaiting = false
		if e.IPv6 == nil {
			e.Kind = failureKind(transient)
		}
	})
}

func failureKind(transient bool) AnswerKind {
	if transient {
		return AnswerErrorTransient
	}
	return AnswerError
}

func (c *Cache) bumpExpiry(e *CachedResolve, ttl time.Duration) {
	if ttl <= 0 || ttl > MaxDNSTTL {
		ttl = MaxDNSTTL
	}
	e.Expire = c.now().Add(ttl)
	heap.Fix(&c.heap, e.heapIndex)
}

func (c *Cache) foldAnswer(address string, apply func(*CachedResolve)) {
	c.mu.Lock()
	e, ok := c.entries[address]
	if !ok {
		c.mu.Unlock()
		return
	}
	apply(e)
	var fire []func(*CachedResolve)
	if e.done() {
		e.Pending = false
		fire = e.waiters
		e.waiters = nil
	}
	c.mu.Unlock()
	for _, w := range fire {
		w(e)
	}
}

// PruneOOM implements the memory-pressure eviction policy: walk the
// expiry heap,
// advancing the cutoff by MaxDNSTTL/4 per pass, evicting every entry
// whose expiry falls before the cutoff, until either target bytes have
// been reclaimed or the cache is empty. It returns the number of entries
// evicted.
func (c *Cache) PruneOOM(estimateBytes func(*CachedResolve) int, targetBytes int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	reclaimed := 0
	evicted := 0
	cutoff := c.now()
	step := MaxDNSTTL / 4
	for reclaimed < targetBytes && c.heap.Len() > 0 {
		cutoff = cutoff.Add(step)
		for c.heap.Len() > 0 && c.heap[0].Expire.Before(cutoff) {
			e := heap.Pop(&c.heap).(*CachedResolve)
			delete(c.entries, e.Address)
			reclaimed += estimateBytes(e)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached entries, pending or resolved.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

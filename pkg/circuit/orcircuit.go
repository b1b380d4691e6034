package circuit

import (
	"fmt"
	"sync"

	"github.com/torfoil/relaycore/pkg/cellqueue"
	"github.com/torfoil/relaycore/pkg/relaycrypto"
)

// HopLink identifies one side (previous or next) of an OrCircuit: which
// channel it rides on and the circ_id it uses on that channel.
type HopLink struct {
	ChannelID uint64
	CircID    uint32
}

// OrCircuit is the relay-side view of a circuit: this node is one hop among
// several, with a previous-hop link (p_chan/p_circ_id in tor-spec.txt
// terminology) and — once EXTENDed — a next-hop link (n_chan/n_circ_id).
type OrCircuit struct {
	base

	prev HopLink
	next *HopLink // nil until EXTENDed

	// CryptoP decrypts cells arriving from the previous hop and encrypts
	// cells going back to it. A relay only ever holds one hop's worth of
	// key material regardless of its position in the circuit; forwarding
	// toward the next hop moves the still-onion-wrapped payload unchanged
	// (see forwardForward in pkg/relaypipeline), so there is no separate
	// next-hop crypto to hold here.
	mu      sync.RWMutex
	CryptoP relaycrypto.Crypto

	// sendQueue holds cells toward the next hop, recvQueue cells back
	// toward the previous hop.
	sendQueue    *cellqueue.Queue
	recvQueue    *cellqueue.Queue

	nStreams int // open streams whose BEGIN was processed at this hop (exit only)

	isExit bool
}

// NewOrCircuit creates a relay-side circuit for a freshly validated CREATE
// or CREATE_FAST cell. The previous-hop link is fixed at creation; the
// next-hop link is attached later by ExtendTo once an EXTEND cell succeeds.
func NewOrCircuit(id uint32, prev HopLink, hardCap int) *OrCircuit {
	c := &OrCircuit{base: newBase(id), prev: prev}
	c.sendQueue = cellqueue.NewQueue(hardCap)
	c.recvQueue = cellqueue.NewQueue(hardCap)
	return c
}

// Prev returns the previous-hop link.
func (c *OrCircuit) Prev() HopLink { return c.prev }

// Next returns the next-hop link and whether one is attached.
func (c *OrCircuit) Next() (HopLink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.next == nil {
		return HopLink{}, false
	}
	return *c.next, true
}

// SetNext attaches the next-hop link once an EXTEND succeeds.
func (c *OrCircuit) SetNext(link HopLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = &link
}

// ClearNext detaches the next-hop link, e.g. on TRUNCATE.
func (c *OrCircuit) ClearNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = nil
}

// SetCrypto installs the per-hop crypto contexts derived from a completed
// CREATE/CREATED (or CREATE_FAST/CREATED_FAST) handshake. CryptoP decrypts
// from / encrypts to the previous hop.
func (c *OrCircuit) SetCrypto(p relaycrypto.Crypto) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CryptoP = p
}

// SetExit marks this hop as the circuit's terminus (no next hop will ever be
// attached; BEGIN/RESOLVE are processed locally instead of forwarded).
func (c *OrCircuit) SetExit(isExit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isExit = isExit
}

// IsExit reports whether this hop terminates the circuit.
func (c *OrCircuit) IsExit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isExit
}

// SendQueue returns the outbound (toward next hop) cell queue.
func (c *OrCircuit) SendQueue() *cellqueue.Queue { return c.sendQueue }

// RecvQueue returns the outbound-toward-previous-hop cell queue (naming
// follows tor-spec.txt: cells "received" from the next hop are queued here
// pending delivery back to the previous hop).
func (c *OrCircuit) RecvQueue() *cellqueue.Queue { return c.recvQueue }

// IncStreams increments the open-stream count (exit hops only).
func (c *OrCircuit) IncStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nStreams++
}

// DecStreams decrements the open-stream count.
func (c *OrCircuit) DecStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nStreams > 0 {
		c.nStreams--
	}
}

// NStreams returns the open-stream count.
func (c *OrCircuit) NStreams() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nStreams
}

// Close marks the circuit and both cell queues for close and sets the
// state to Closed; the next-hop link stays attached. This is monotonic: calling
// Close twice is harmless.
func (c *OrCircuit) Close(reason fmt.Stringer) {
	c.MarkForClose(reason)
	c.sendQueue.MarkForClose()
	c.recvQueue.MarkForClose()
	c.SetState(StateClosed)
}

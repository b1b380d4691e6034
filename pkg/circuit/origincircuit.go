package circuit

import (
	"errors"
	"sync"

	"github.com/torfoil/relaycore/pkg/cellqueue"
	"github.com/torfoil/relaycore/pkg/relaycrypto"
)

// Hop is one step of an origin-built circuit's cryptographic path
// (cpath in tor-spec.txt). Each direction carries one relaycrypto.Crypto
// so origin and relay code share the same onion-layer primitive.
type Hop struct {
	Fingerprint string
	Address     string
	IsGuard     bool
	IsExit      bool

	Forward  relaycrypto.Crypto // encrypts one layer on the way out
	Backward relaycrypto.Crypto // decrypts one layer on the way back

	// CC is this hop's congestion-control object, if any: when attached,
	// circuit-level SENDME processing dispatches through it instead of the fixed
	// pkg/sendme window). Nil for the common fixed-window case.
	CC CongestionController
}

// NewHop creates a cpath entry with no crypto attached yet; SetCrypto
// installs it once the handshake for this hop completes.
func NewHop(fingerprint, address string, isGuard, isExit bool) *Hop {
	return &Hop{Fingerprint: fingerprint, Address: address, IsGuard: isGuard, IsExit: isExit}
}

// SetCrypto installs this hop's per-direction crypto once its handshake
// (ntor CREATE/CREATED or EXTEND/EXTENDED) completes.
func (h *Hop) SetCrypto(forward, backward relaycrypto.Crypto) {
	h.Forward = forward
	h.Backward = backward
}

// PathBiasCounters are the per-guard floating counters used for pathbias
// probing and accounting. Kept on the OriginCircuit
// that used the guard, and aggregated per-guard by pkg/pathbias.
type PathBiasCounters struct {
	State PathBiasState
}

// PathBiasState is the lifecycle of a circuit from the pathbias guard's
// point of view: did it get far enough to count as a
// "successful" attempt, and did it later get used.
type PathBiasState int

const (
	PathBiasStateNoUse PathBiasState = iota
	PathBiasStateBuildAttempted
	PathBiasStateBuildSucceeded
	PathBiasStateUseAttempted
	PathBiasStateUseSucceeded
	PathBiasStateUseFailed
	PathBiasStateCollapsed
)

// OriginCircuit is the originator-side view of a circuit this node itself
// built: it owns the full cpath, tracks open streams, and carries the
// pathbias bookkeeping that only makes sense from the circuit's creator.
type OriginCircuit struct {
	base

	mu           sync.RWMutex
	cpath        []*Hop
	isolationKey *IsolationKey

	// link and sendQueue are the first hop's (the guard's) channel and
	// outbound cell queue, attached once the node dialing that hop has a
	// CREATE2 underway. Nil until AttachLink runs.
	link      *HopLink
	sendQueue *cellqueue.Queue

	openStreams map[uint16]struct{}

	pathBias PathBiasCounters

	// relayEarlyCommands is not updated by any method; the RELAY_EARLY
	// budget is tracked by base.remainingRelayEarly (TakeRelayEarly).
	relayEarlyCommands int
}

// NewOriginCircuit creates an empty origin-built circuit awaiting hops.
func NewOriginCircuit(id uint32) *OriginCircuit {
	return &OriginCircuit{
		base:        newBase(id),
		cpath:       make([]*Hop, 0, 3),
		openStreams: make(map[uint16]struct{}),
	}
}

// AddHop appends a hop to the cpath. Only valid while the circuit is still
// building.
func (c *OriginCircuit) AddHop(h *Hop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateBuilding {
		return ErrNotBuilding
	}
	c.cpath = append(c.cpath, h)
	return nil
}

// ErrNotBuilding is returned by cpath-mutating calls once a circuit has left
// the Building state.
var ErrNotBuilding = errors.New("circuit: not in building state")

// AttachLink records which channel and circ_id this circuit's first hop
// (the guard) rides on, and allocates its outbound cell queue. Safe to call
// once per circuit, before any SendFromOrigin call.
func (c *OriginCircuit) AttachLink(link HopLink, hardCap int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = &link
	c.sendQueue = cellqueue.NewQueue(hardCap)
}

// Link returns the first-hop link and whether one is attached.
func (c *OriginCircuit) Link() (HopLink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return HopLink{}, false
	}
	return *c.link, true
}

// SendQueue returns the outbound (toward the guard) cell queue, or nil if
// AttachLink has not run yet.
func (c *OriginCircuit) SendQueue() *cellqueue.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sendQueue
}

// Hops returns the cpath. Callers must not mutate the returned slice.
func (c *OriginCircuit) Hops() []*Hop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cpath
}

// Length returns the number of hops built so far.
func (c *OriginCircuit) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cpath)
}

// SetIsolationKey sets the circuit's isolation key (stream/circuit reuse
// policy — see isolation.go).
func (c *OriginCircuit) SetIsolationKey(key *IsolationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolationKey = key
}

// GetIsolationKey returns the circuit's isolation key, or nil.
func (c *OriginCircuit) GetIsolationKey() *IsolationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isolationKey
}

// GetState is an alias for base.State kept for callers (e.g. pkg/pool)
// written against the older accessor name.
func (c *OriginCircuit) GetState() State { return c.State() }

// AddStream records a newly opened stream id on this circuit.
func (c *OriginCircuit) AddStream(streamID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openStreams[streamID] = struct{}{}
}

// RemoveStream forgets a closed stream id.
func (c *OriginCircuit) RemoveStream(streamID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.openStreams, streamID)
}

// OpenStreamCount returns how many streams are currently open on this
// circuit.
func (c *OriginCircuit) OpenStreamCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.openStreams)
}

// RecordBuildAttempt transitions the pathbias state machine on a
// circuit-build attempt.
func (c *OriginCircuit) RecordBuildAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathBias.State == PathBiasStateNoUse {
		c.pathBias.State = PathBiasStateBuildAttempted
	}
}

// RecordBuildSucceeded marks the circuit as having reached a pathbias
// "successful build" — conventionally, having received its second hop's
// EXTENDED (tor-spec.txt's pathbias counts from the second hop to exclude
// guard-only failures that are not the guard's fault).
func (c *OriginCircuit) RecordBuildSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathBias.State == PathBiasStateBuildAttempted {
		c.pathBias.State = PathBiasStateBuildSucceeded
	}
}

// RecordUseAttempt marks the circuit as having been handed a stream.
func (c *OriginCircuit) RecordUseAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathBias.State == PathBiasStateBuildSucceeded {
		c.pathBias.State = PathBiasStateUseAttempted
	}
}

// RecordUseSucceeded/RecordUseFailed/RecordCollapsed finalize the pathbias
// state for this circuit's lifetime; pkg/pathbias reads PathBiasState() once
// the circuit is closed to fold it into the owning guard's counters.
func (c *OriginCircuit) RecordUseSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathBias.State == PathBiasStateUseAttempted {
		c.pathBias.State = PathBiasStateUseSucceeded
	}
}

func (c *OriginCircuit) RecordUseFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pathBias.State == PathBiasStateUseAttempted {
		c.pathBias.State = PathBiasStateUseFailed
	}
}

func (c *OriginCircuit) RecordCollapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pathBias.State = PathBiasStateCollapsed
}

// PathBiasState returns the circuit's terminal pathbias classification.
func (c *OriginCircuit) PathBiasState() PathBiasState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pathBias.State
}

// EncryptForward onion-encrypts a relay payload addressed to the last hop
// of the cpath: that hop's layer folds the cell into its running digest
// and writes the digest field, then every closer hop's cipher is applied
// on top, innermost first, so each relay peels exactly one layer. Only
// the destination hop's digest advances; the outer layers are cipher-only
// or a mid-path relay's digest state would diverge from its peer's.
func (c *OriginCircuit) EncryptForward(payload []byte) ([]byte, error) {
	c.mu.RLock()
	hops := append([]*Hop(nil), c.cpath...)
	c.mu.RUnlock()

	dest := -1
	for i := len(hops) - 1; i >= 0; i-- {
		if hops[i].Forward != nil {
			dest = i
			break
		}
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	for i := dest; i >= 0; i-- {
		if hops[i].Forward == nil {
			continue
		}
		if i == dest {
			if _, err := hops[i].Forward.EncryptAndTag(out); err != nil {
				return nil, err
			}
			continue
		}
		if err := hops[i].Forward.Encrypt(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecryptBackward peels one layer per hop (guard first) and reports which
// hop, if any, recognized the cell — mirroring relaypipeline's
// recognized-cell loop but from the originator's side, where every hop's
// key is known locally instead of being distributed across relays.
func (c *OriginCircuit) DecryptBackward(payload []byte) (recognizedHop int, plain []byte, err error) {
	c.mu.RLock()
	hops := append([]*Hop(nil), c.cpath...)
	c.mu.RUnlock()

	out := make([]byte, len(payload))
	copy(out, payload)
	for i, hop := range hops {
		if hop.Backward == nil {
			continue
		}
		recognized, _, derr := hop.Backward.DecryptAndRecognize(out)
		if derr != nil {
			return -1, nil, derr
		}
		if recognized {
			return i, out, nil
		}
	}
	return -1, out, nil
}

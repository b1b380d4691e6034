package stream

import (
	"fmt"
	"sync"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/sendme"
)

// EdgeState is the protocol-level state of an EdgeConnection: the
// BEGIN/DATA/END/CONNECTED/RESOLVE/RESOLVED state machine that
// pkg/relaypipeline's relay-cell handlers drive on either side of a circuit.
type EdgeState int

const (
	// EdgeResolving is an exit-side stream with a DNS lookup in flight
	// (RESOLVE, or the address half of a BEGIN).
	EdgeResolving EdgeState = iota
	// EdgeConnecting is an exit-side stream with a TCP connect in flight
	// after a BEGIN cell.
	EdgeConnecting
	// EdgeConnectWait is an origin-side stream that sent BEGIN and is
	// waiting for CONNECTED.
	EdgeConnectWait
	// EdgeResolveWait is an origin-side stream that sent RESOLVE and is
	// waiting for RESOLVED.
	EdgeResolveWait
	// EdgeOpen is a stream ready to carry DATA in both directions.
	EdgeOpen
	// EdgeResolveFailed is a terminal state for a RESOLVE that errored.
	EdgeResolveFailed
	// EdgeClosed is a terminal state: END sent or received, or the
	// owning circuit closed.
	EdgeClosed
)

// String returns a human-readable state name.
func (s EdgeState) String() string {
	switch s {
	case EdgeResolving:
		return "RESOLVING"
	case EdgeConnecting:
		return "CONNECTING"
	case EdgeConnectWait:
		return "CONNECT_WAIT"
	case EdgeResolveWait:
		return "RESOLVE_WAIT"
	case EdgeOpen:
		return "OPEN"
	case EdgeResolveFailed:
		return "RESOLVE_FAILED"
	case EdgeClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MaxResolveFailures bounds how many times a client-side stream may detach
// and retry on a new circuit after a retriable END.
const MaxResolveFailures = 3

// EdgeConnection is one stream multiplexed inside a circuit: the
// protocol state tor-spec.txt section 6 calls an edge connection.
type EdgeConnection struct {
	mu sync.Mutex

	StreamID  uint16
	CircuitID uint32
	// CPathLayer identifies which hop of an OriginCircuit's cpath
	// terminates this stream (index into OriginCircuit.Hops()); -1 when
	// this EdgeConnection lives on a relay's OrCircuit instead, where
	// there is exactly one local hop.
	CPathLayer int
	Origin     bool // true if this node originated the BEGIN/RESOLVE

	Target string
	Port   uint16

	state EdgeState
	// Window tracks this stream's own package/deliver credit, layered on
	// top of the circuit-level window; both levels must have credit
	// before a DATA cell may be sent.
	Window *sendme.Window

	endReason      cell.EndReason
	edgeHasSentEnd bool
	xoffReceived   bool
	stoppedReading bool

	// pendingOptimisticData holds DATA bytes sent (origin side) or
	// received (exit side) before the stream reached EdgeOpen, so a
	// retry onto a new circuit (origin side) or a delayed socket
	// connect (exit side) can replay them.
	pendingOptimisticData [][]byte

	resolveAttempts int
}

// NewEdgeConnection creates a stream in its initial wait state: origin
// streams start in EdgeConnectWait (or EdgeResolveWait for a RESOLVE-only
// stream via NewResolveConnection); exit streams start in EdgeConnecting
// (or EdgeResolving for RESOLVE) once their BEGIN/RESOLVE is decoded.
func NewEdgeConnection(streamID uint16, circuitID uint32, origin bool, target string, port uint16) *EdgeConnection {
	state := EdgeConnecting
	if origin {
		state = EdgeConnectWait
	}
	return &EdgeConnection{
		StreamID:   streamID,
		CircuitID:  circuitID,
		CPathLayer: -1,
		Origin:     origin,
		Target:     target,
		Port:       port,
		state:      state,
		Window:     sendme.NewStreamWindow(),
	}
}

// NewResolveConnection creates a stream for a RESOLVE/RESOLVED exchange
// rather than a BEGIN/CONNECTED one.
func NewResolveConnection(streamID uint16, circuitID uint32, origin bool, target string) *EdgeConnection {
	e := NewEdgeConnection(streamID, circuitID, origin, target, 0)
	if origin {
		e.state = EdgeResolveWait
	} else {
		e.state = EdgeResolving
	}
	return e
}

// State returns the current protocol state.
func (e *EdgeConnection) State() EdgeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the stream. Callers (relaypipeline's dispatch
// table) are responsible for the legality of each transition; this does
// not itself validate the transition graph.
func (e *EdgeConnection) SetState(s EdgeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// AcceptsOptimisticData reports whether a DATA cell may be accepted (exit
// side) or queued for replay (origin side) even though CONNECTED/RESOLVED
// has not yet arrived: the exit accepts DATA cells in the Connecting and
// Resolving states.
func (e *EdgeConnection) AcceptsOptimisticData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case EdgeConnecting, EdgeResolving, EdgeConnectWait, EdgeResolveWait, EdgeOpen:
		return true
	default:
		return false
	}
}

// QueueOptimisticData records DATA bytes sent or received before the
// stream reached EdgeOpen.
func (e *EdgeConnection) QueueOptimisticData(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	e.pendingOptimisticData = append(e.pendingOptimisticData, cp)
}

// DrainOptimisticData pops and clears all queued optimistic data, for
// replay onto a freshly retried circuit (origin side) or onto a socket
// just finished connecting (exit side).
func (e *EdgeConnection) DrainOptimisticData() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pendingOptimisticData
	e.pendingOptimisticData = nil
	return out
}

// RecordEnd sets the stream's terminal end reason and transitions it to
// EdgeClosed. Idempotent: only the first reason sticks.
func (e *EdgeConnection) RecordEnd(reason cell.EndReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EdgeClosed {
		return
	}
	e.endReason = reason
	e.state = EdgeClosed
}

// EndReason returns the reason recorded by RecordEnd, or EndReason(0) if
// the stream has not ended.
func (e *EdgeConnection) EndReason() cell.EndReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endReason
}

// MarkEndSent records that this side has already sent a RELAY_END for
// this stream, so a second close attempt does not emit a duplicate.
func (e *EdgeConnection) MarkEndSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edgeHasSentEnd = true
}

// HasSentEnd reports whether MarkEndSent was called.
func (e *EdgeConnection) HasSentEnd() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.edgeHasSentEnd
}

// SetXOFFReceived records congestion-control backpressure from the peer
// (RELAY_XOFF).
func (e *EdgeConnection) SetXOFFReceived(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.xoffReceived = v
}

// XOFFReceived reports the last XOFF/XON state received.
func (e *EdgeConnection) XOFFReceived() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xoffReceived
}

// StopReading marks the stream as not reading from its socket, used when
// the outbound circuit queue crosses its high watermark.
func (e *EdgeConnection) StopReading() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stoppedReading = true
}

// ResumeReading clears the stopped-reading flag once the queue drains back
// to the low watermark. A stream the peer has XOFFed, or that has already
// closed, stays stopped.
func (e *EdgeConnection) ResumeReading() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.xoffReceived || e.state == EdgeClosed {
		return
	}
	e.stoppedReading = false
}

// IsReading reports whether the stream should be reading from its socket.
func (e *EdgeConnection) IsReading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stoppedReading && e.state != EdgeClosed
}

// ShouldRetry implements the client-side retry policy: an END
// received before the stream opened, carrying a retriable reason, may
// detach the stream and attach it to a new circuit, up to
// MaxResolveFailures times for a given address.
func (e *EdgeConnection) ShouldRetry(reason cell.EndReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Origin {
		return false
	}
	switch e.state {
	case EdgeConnectWait, EdgeResolveWait:
	default:
		return false
	}
	return reason.Retriable() && e.resolveAttempts < MaxResolveFailures
}

// IncRetryAttempt records that a retry was taken, counting toward
// MaxResolveFailures.
func (e *EdgeConnection) IncRetryAttempt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolveAttempts++
}

// RetryAttempts returns how many retries this stream has already used.
func (e *EdgeConnection) RetryAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveAttempts
}

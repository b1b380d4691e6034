// Package relaypipeline implements the relay-cell pipeline: the
// recognized-cell check at a relay hop, the relay-command dispatch, and
// the corresponding decrypt/peel loop at an origin circuit. It is the
// piece that ties pkg/cell, pkg/relaycrypto, pkg/circuit, pkg/sendme,
// pkg/stream, pkg/dnsresolve and pkg/pathbias together into the single
// "a relay cell arrived, what now" operation those packages only provide
// the primitives for.
package relaypipeline

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/cellqueue"
	"github.com/torfoil/relaycore/pkg/circuit"
	"github.com/torfoil/relaycore/pkg/dnsresolve"
	torerrors "github.com/torfoil/relaycore/pkg/errors"
	"github.com/torfoil/relaycore/pkg/logger"
	"github.com/torfoil/relaycore/pkg/pathbias"
	"github.com/torfoil/relaycore/pkg/sendme"
	"github.com/torfoil/relaycore/pkg/stream"
)

// ExitHandler is the narrow collaborator interface for a stream's
// exit-side socket I/O: this package only drives the state machine and
// hands bytes to/from whatever actually owns a TCP connection. The
// handler reports back through the Pipeline's exported stream seam —
// StreamConnected once the connect finishes, StreamData for bytes read
// from the socket, StreamEnded when the socket fails or closes — each
// called back onto the core's single thread.
type ExitHandler interface {
	// Open begins a TCP connect (or BEGIN_DIR local dispatch) for a freshly
	// decoded BEGIN. The result arrives later via Pipeline.StreamConnected
	// or Pipeline.StreamEnded.
	Open(circID uint32, streamID uint16, target string, port uint16, flags uint32) error
	// Write delivers application bytes received from the client toward the
	// open socket.
	Write(circID uint32, streamID uint16, data []byte) error
	// CloseStream tears down the socket side of a stream, e.g. on RELAY_END
	// or circuit close.
	CloseStream(circID uint32, streamID uint16, reason cell.EndReason)
}

// AppHandler is the narrow collaborator interface for delivering relay
// traffic back to whatever originated a stream on an OriginCircuit (a SOCKS
// client, a directory-fetch caller, a controller); this interface is the
// seam to that layer.
type AppHandler interface {
	Connected(circID uint32, streamID uint16, addr []byte, ttl uint32)
	Resolved(circID uint32, streamID uint16, answers []ResolvedAnswer)
	Data(circID uint32, streamID uint16, data []byte)
	Ended(circID uint32, streamID uint16, reason cell.EndReason)
}

// streamKey identifies one EdgeConnection by the circuit it lives on (an
// *circuit.OrCircuit or *circuit.OriginCircuit pointer, compared by
// identity) and its stream id, mirroring circuit.Key's (channel, circ_id)
// compound-key idiom one level down.
type streamKey struct {
	circ any
	id   uint16
}

// circState holds the circuit-level bookkeeping this package layers on top
// of circuit.OrCircuit/OriginCircuit: the circuit-level SENDME window,
// its authenticated-tag recorder, the randomized-cell policy, and the
// bounded counter of cells discarded after mark-for-close.
type circState struct {
	window     *sendme.Window
	tags       *sendme.TagRecorder
	randomness *sendme.RandomnessPolicy
	discarded  int

	// pending is the in-flight ntor handshake an origin circuit is waiting
	// on an EXTENDED2 reply for, if any. Only ever set on an OriginCircuit's
	// state (see ExtendOrigin/handleExtendedAtOrigin in process.go).
	pending *pendingExtend
}

// maxDiscardedAtEnd caps the per-circuit count of cells dropped after
// mark-for-close; cells past the cap are still dropped, just not counted.
const maxDiscardedAtEnd = 1 << 20

// Pipeline is the process-wide relay-cell processor. One Pipeline serves
// every circuit table entry, matching the core's single cooperative
// event loop.
type Pipeline struct {
	mu      sync.Mutex
	streams map[streamKey]*stream.EdgeConnection
	circs   map[any]*circState

	Resolver   *dnsresolve.Resolver
	ExitPolicy dnsresolve.ExitPolicy
	Exit       ExitHandler
	App        AppHandler
	HS         HSDispatcher
	Conflux    ConfluxDispatcher
	Extend     Extender

	// DropGuards mirrors config.Config's PathBiasDropGuards: whether
	// CloseWithPathBias actually disables a guard once its pathbias
	// rate hits the extreme threshold, or only logs the condition.
	DropGuards bool

	log  *logger.Logger
	plog *logger.RateLimited
}

// New creates a Pipeline. Exit/App/HS/Conflux/Extend may be left nil; a nil
// Exit answers each BEGIN with a logged warning and a RELAY_END (MISC), and
// with a nil Exit or App, DATA reaches nowhere but the stream's own
// bookkeeping still advances, matching
// dispatch.Dispatcher's "missing handler" convention. A nil Extend means
// this pipeline never originates EXTEND2 cells, appropriate for a
// relay-only deployment.
func New(log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault()
	}
	component := log.Component("relaypipeline")
	return &Pipeline{
		streams: make(map[streamKey]*stream.EdgeConnection),
		circs:   make(map[any]*circState),
		log:     component,
		plog:    logger.NewRateLimited(component, 0),
	}
}

func (p *Pipeline) stateFor(circ any) *circState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.circs[circ]
	if !ok {
		s = &circState{
			window:     sendme.NewCircuitWindow(),
			tags:       sendme.NewTagRecorder(),
			randomness: sendme.NewRandomnessPolicy(0),
		}
		p.circs[circ] = s
	}
	return s
}

// ForgetCircuit drops a circuit's pipeline-level bookkeeping once it is
// fully torn down.
func (p *Pipeline) ForgetCircuit(circ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.circs, circ)
}

func (p *Pipeline) streamFor(circ any, id uint16) (*stream.EdgeConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.streams[streamKey{circ, id}]
	return e, ok
}

func (p *Pipeline) putStream(circ any, id uint16, e *stream.EdgeConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[streamKey{circ, id}] = e
}

func (p *Pipeline) dropStream(circ any, id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, streamKey{circ, id})
}

// StreamsOn returns every EdgeConnection currently tracked for circ, for
// circuit-close teardown.
func (p *Pipeline) StreamsOn(circ any) []*stream.EdgeConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*stream.EdgeConnection
	for k, e := range p.streams {
		if k.circ == circ {
			out = append(out, e)
		}
	}
	return out
}

// BindBackpressure wires a circuit's outbound queue watermarks to the
// reading state of every stream feeding that circuit: crossing the high
// watermark stops each stream reading from its socket, draining back to
// the low watermark resumes them (XOFFed and closed streams stay
// stopped). Call once per queue when the circuit is set up.
func (p *Pipeline) BindBackpressure(circ any, q *cellqueue.Queue) {
	q.SetBlockedCallback(func(blocked bool) {
		for _, e := range p.StreamsOn(circ) {
			if blocked {
				e.StopReading()
			} else {
				e.ResumeReading()
			}
		}
	})
}

// ReceiveAtRelay implements the recognized-cell check at a
// relay hop: forward traffic is decrypted and, if recognized, handed to
// processAtRelay; otherwise the partially-peeled payload is forwarded
// unchanged to the next hop. Backward traffic is never recognized at a
// mid-relay (only the origin holds every hop's key), so it is simply
// re-encrypted with this hop's layer and forwarded toward the previous
// hop. payload must be exactly cell.PayloadLen bytes and is mutated in
// place.
func (p *Pipeline) ReceiveAtRelay(ctx context.Context, or *circuit.OrCircuit, dir circuit.Direction, isEarly bool, payload []byte) error {
	if or.IsMarkedForClose() {
		return p.discardOnClosed(or)
	}
	if len(payload) != cell.PayloadLen {
		return fmt.Errorf("relaypipeline: payload length %d != %d", len(payload), cell.PayloadLen)
	}
	if or.CryptoP == nil {
		return fmt.Errorf("relaypipeline: circuit %d has no crypto installed", or.ID())
	}

	if dir == circuit.DirectionBackward {
		// Mid-relay forwarding: apply our backward cipher layer only. The
		// digest field inside belongs to whichever hop originated the
		// cell and must pass through untouched.
		if err := or.CryptoP.Encrypt(payload); err != nil {
			return fmt.Errorf("relaypipeline: encrypting backward cell: %w", err)
		}
		return p.forwardBackward(or, payload)
	}

	if isEarly && !or.TakeRelayEarly() {
		or.Close(cell.ReasonProtocol)
		return torerrors.ProtocolError("RELAY_EARLY budget exceeded",
			fmt.Errorf("relaypipeline: circuit %d", or.ID()))
	}

	recognized, _, err := or.CryptoP.DecryptAndRecognize(payload)
	if err != nil {
		return fmt.Errorf("relaypipeline: decrypting forward cell: %w", err)
	}
	if !recognized {
		return p.forwardForward(or, isEarly, payload)
	}

	msg, err := cell.DecodeRelayCell(payload)
	if err != nil {
		return fmt.Errorf("relaypipeline: decoding recognized relay cell: %w", err)
	}
	return p.processAtRelay(ctx, or, msg)
}

func (p *Pipeline) discardOnClosed(or *circuit.OrCircuit) error {
	st := p.stateFor(or)
	if st.discarded < maxDiscardedAtEnd {
		st.discarded++
	}
	return nil
}

// forwardForward enqueues an unrecognized forward-traveling cell onto the
// next hop's link. An unrecognized cell on a circuit with no next hop
// attached and no rendezvous splice to flow into is a protocol violation
// (dead end): tear the circuit down with TORPROTOCOL.
func (p *Pipeline) forwardForward(or *circuit.OrCircuit, isEarly bool, payload []byte) error {
	next, ok := or.Next()
	if !ok {
		or.Close(cell.ReasonProtocol)
		return torerrors.ProtocolError("unrecognized cell with no next hop (dead end)",
			fmt.Errorf("relaypipeline: circuit %d", or.ID()))
	}
	cmd := cell.CmdRelay
	if isEarly {
		cmd = cell.CmdRelayEarly
	}
	out := &cell.Cell{CircID: next.CircID, Command: cmd, Payload: payload}
	if err := or.SendQueue().Enqueue(out); err != nil {
		return torerrors.ResourceLimitError("forward queue rejected cell", err)
	}
	return nil
}

// forwardBackward enqueues a cell moving toward the previous hop, after
// this hop's own backward layer has already been applied by the caller.
func (p *Pipeline) forwardBackward(or *circuit.OrCircuit, payload []byte) error {
	out := &cell.Cell{CircID: or.Prev().CircID, Command: cell.CmdRelay, Payload: payload}
	if err := or.RecvQueue().Enqueue(out); err != nil {
		return torerrors.ResourceLimitError("backward queue rejected cell", err)
	}
	return nil
}

// sendBackwardFromRelay builds, encrypts, and enqueues a relay cell this
// hop itself originates (CONNECTED, RESOLVED, SENDME, END, EXTENDED2),
// addressed back toward the previous hop.
func (p *Pipeline) sendBackwardFromRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("relaypipeline: encoding outbound relay cell: %w", err)
	}
	tag, err := or.CryptoP.EncryptAndTag(payload)
	if err != nil {
		return fmt.Errorf("relaypipeline: encrypting outbound relay cell: %w", err)
	}
	p.stateFor(or).tags.Record(tag)
	return p.forwardBackward(or, payload)
}

// sendForwardFromRelay builds, one-layer-encrypts, and enqueues a relay
// cell this hop sends onward to the next hop (EXTEND2 is the only command
// a relay itself originates in the forward direction).
func (p *Pipeline) sendForwardFromRelay(or *circuit.OrCircuit, msg *cell.RelayCell, isEarly bool) error {
	next, ok := or.Next()
	if !ok {
		return fmt.Errorf("relaypipeline: circuit %d: no next hop to send forward", or.ID())
	}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("relaypipeline: encoding outbound relay cell: %w", err)
	}
	cmd := cell.CmdRelay
	if isEarly {
		cmd = cell.CmdRelayEarly
	}
	return or.SendQueue().Enqueue(&cell.Cell{CircID: next.CircID, Command: cmd, Payload: payload})
}

// StreamConnected is the ExitHandler's callback once the TCP connect a
// BEGIN started has finished: the stream transitions to Open, a
// RELAY_CONNECTED reply travels back toward the client, and any
// optimistic DATA queued while the connect was in flight is replayed
// onto the socket.
func (p *Pipeline) StreamConnected(or *circuit.OrCircuit, streamID uint16, addr net.IP, ttl uint32) error {
	edge, ok := p.streamFor(or, streamID)
	if !ok {
		return fmt.Errorf("relaypipeline: circuit %d: no stream %d to mark connected", or.ID(), streamID)
	}
	edge.SetState(stream.EdgeOpen)

	body, err := EncodeConnected(addr, ttl)
	if err != nil {
		return err
	}
	if err := p.sendBackwardFromRelay(or, cell.NewRelayCell(streamID, cell.RelayConnected, body)); err != nil {
		return err
	}
	if p.Exit != nil {
		for _, d := range edge.DrainOptimisticData() {
			if err := p.Exit.Write(or.ID(), streamID, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// StreamData is the ExitHandler's callback for bytes read from the exit
// socket: they are packaged into backward DATA cells, debiting both the
// circuit- and stream-level package windows. An exhausted window is an
// error — the caller must stop reading the socket until SENDMEs refill
// the credit (IsReading/backpressure already gate this on a healthy
// peer).
func (p *Pipeline) StreamData(or *circuit.OrCircuit, streamID uint16, data []byte) error {
	edge, ok := p.streamFor(or, streamID)
	if !ok {
		return fmt.Errorf("relaypipeline: circuit %d: no stream %d for data", or.ID(), streamID)
	}
	st := p.stateFor(or)

	maxBody := cell.PayloadLen - cell.RelayCellHeaderLen
	for len(data) > 0 {
		n := len(data)
		if n > maxBody {
			n = maxBody
		}
		if err := st.window.Package(); err != nil {
			return err
		}
		if err := edge.Window.Package(); err != nil {
			return err
		}
		if err := p.sendBackwardFromRelay(or, cell.NewRelayCell(streamID, cell.RelayData, data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// StreamEnded is the ExitHandler's callback when the exit socket fails
// or closes: a RELAY_END with the given reason travels back toward the
// client (unless this side already sent one) and the stream is
// forgotten.
func (p *Pipeline) StreamEnded(or *circuit.OrCircuit, streamID uint16, reason cell.EndReason) error {
	edge, ok := p.streamFor(or, streamID)
	if !ok {
		return nil
	}
	alreadySent := edge.HasSentEnd()
	edge.MarkEndSent()
	edge.RecordEnd(reason)
	p.dropStream(or, streamID)
	or.DecStreams()
	if alreadySent {
		return nil
	}
	return p.sendBackwardFromRelay(or, cell.NewRelayCell(streamID, cell.RelayEnd, []byte{byte(reason)}))
}

// ReceiveAtOrigin implements the originator's receive path: peel
// each hop's layer in order until one recognizes the cell (circuit.
// OriginCircuit.DecryptBackward already does the per-hop loop), then
// dispatch the recognized relay message through processAtOrigin.
func (p *Pipeline) ReceiveAtOrigin(ctx context.Context, oc *circuit.OriginCircuit, payload []byte) error {
	if len(payload) != cell.PayloadLen {
		return fmt.Errorf("relaypipeline: payload length %d != %d", len(payload), cell.PayloadLen)
	}

	hop, plain, err := oc.DecryptBackward(payload)
	if err != nil {
		return fmt.Errorf("relaypipeline: peeling backward cell: %w", err)
	}
	if hop < 0 {
		return fmt.Errorf("relaypipeline: circuit %d: no hop recognized backward cell", oc.ID())
	}
	msg, err := cell.DecodeRelayCell(plain)
	if err != nil {
		return fmt.Errorf("relaypipeline: decoding recognized relay cell: %w", err)
	}
	return p.processAtOrigin(ctx, oc, hop, msg)
}

// SendFromOrigin builds a RELAY or RELAY_EARLY cell carrying msg, onion-
// encrypted across every hop in the cpath (OriginCircuit.EncryptForward),
// and enqueues it on the circuit's first-hop link. isEarly requests
// RELAY_EARLY, appropriate for the EXTEND/EXTEND2 cells that precede
// circuit open; once the per-circuit RELAY_EARLY
// budget (OriginCircuit.TakeRelayEarly) is exhausted this logs and falls
// back to a plain RELAY cell instead of refusing to send, matching the
// "next EXTEND2 is sent as plain RELAY" behavior once a circuit has used
// up its early-cell allowance.
func (p *Pipeline) SendFromOrigin(oc *circuit.OriginCircuit, streamID uint16, cmd byte, data []byte, isEarly bool) (*cell.RelayCell, []byte, error) {
	msg := cell.NewRelayCell(streamID, cmd, data)
	plain, err := msg.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("relaypipeline: encoding origin relay cell: %w", err)
	}
	if cmd == cell.RelayData {
		maxBody := cell.PayloadLen - cell.RelayCellHeaderLen
		if p.stateFor(oc).randomness.ShouldRandomize(len(data), maxBody) {
			if err := sendme.PadForUnpredictability(plain, cell.RelayCellHeaderLen+len(data)); err != nil {
				return nil, nil, err
			}
		}
	}
	onion, err := oc.EncryptForward(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("relaypipeline: onion-encrypting origin relay cell: %w", err)
	}

	outCmd := cell.CmdRelay
	if isEarly {
		if oc.TakeRelayEarly() {
			outCmd = cell.CmdRelayEarly
		} else {
			p.log.Warn("RELAY_EARLY budget exhausted, sending as plain RELAY",
				"circuit", oc.ID(), "command", cell.RelayCmdString(cmd))
		}
	}

	link, ok := oc.Link()
	if !ok {
		return nil, nil, fmt.Errorf("relaypipeline: circuit %d: no link attached to first hop", oc.ID())
	}
	out := &cell.Cell{CircID: link.CircID, Command: outCmd, Payload: onion}
	if err := oc.SendQueue().Enqueue(out); err != nil {
		return nil, nil, fmt.Errorf("relaypipeline: enqueueing origin relay cell: %w", err)
	}
	return msg, onion, nil
}

// CloseWithPathBias tears down an OriginCircuit and folds its outcome
// into the owning guard's pathbias counters.
// guard may be nil (no pathbias tracking configured).
func (p *Pipeline) CloseWithPathBias(oc *circuit.OriginCircuit, guard *pathbias.Guard, shape pathbias.CircuitShape, outcome pathbias.Outcome) {
	oc.SetState(circuit.StateClosed)
	for _, e := range p.StreamsOn(oc) {
		e.RecordEnd(cell.EndDestroy)
	}
	p.ForgetCircuit(oc)
	if guard != nil {
		guard.RecordClose(shape, outcome)
		if guard.ShouldDrop(p.DropGuards) {
			p.log.Warn("guard dropped for path bias", "fingerprint", guard.Fingerprint)
		}
	}
}

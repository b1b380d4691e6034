package relaypipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/circuit"
	"github.com/torfoil/relaycore/pkg/dnsresolve"
	torerrors "github.com/torfoil/relaycore/pkg/errors"
	"github.com/torfoil/relaycore/pkg/relaycrypto"
	"github.com/torfoil/relaycore/pkg/sendme"
	"github.com/torfoil/relaycore/pkg/stream"
)

// Extender is the narrow collaborator interface for relaying an EXTEND2's
// onionskin onward as a CREATE2 over the next hop's channel; dialing and
// channel management live with whatever owns the connections.
// BeginExtend starts the process; the CREATED2 reply (or a dial failure)
// is delivered back asynchronously through Pipeline.ExtendCompleted.
type Extender interface {
	BeginExtend(or *circuit.OrCircuit, specs []circuit.LinkSpecifier, htype circuit.HandshakeType, onionskin []byte) error
}

// PendingHop describes one relay an OriginCircuit is being extended to:
// enough identity, reachability and key material to build an EXTEND2 cell
// and, once its EXTENDED2 reply arrives, to record the hop on the cpath.
// Path selection (which relays, in which order) happens elsewhere; this
// is just the wire shape it hands to ExtendOrigin.
type PendingHop struct {
	Fingerprint    string
	Address        string
	IsGuard        bool
	IsExit         bool
	NodeID         [20]byte
	NtorKey        [32]byte
	LinkSpecifiers []circuit.LinkSpecifier
}

// pendingExtend is the ntor handshake state an origin circuit keeps alive
// between sending an EXTEND2 and receiving the matching EXTENDED2, plus
// whatever further hops remain queued for this circuit's build.
type pendingExtend struct {
	hs    *relaycrypto.ClientHandshake
	hop   PendingHop
	queue []PendingHop
}

// ExtendOrigin extends oc by one more hop: it starts a ntor handshake for
// hop, wraps the client handshake data in an EXTEND2 cell and sends it
// (SendFromOrigin handles the RELAY_EARLY budget and, once exhausted, the
// plain-RELAY downgrade). Once the matching EXTENDED2 arrives,
// handleExtendedAtOrigin completes the handshake, appends hop to the
// cpath, and recurses into ExtendOrigin for the next entry in queue, if
// any.
func (p *Pipeline) ExtendOrigin(oc *circuit.OriginCircuit, hop PendingHop, queue []PendingHop) error {
	hs, err := relaycrypto.NewClientHandshake(hop.NodeID, hop.NtorKey)
	if err != nil {
		return fmt.Errorf("relaypipeline: circuit %d: building ntor handshake for %s: %w", oc.ID(), hop.Fingerprint, err)
	}
	clientData := hs.ClientData()
	body, err := circuit.EncodeExtend2(circuit.Extend2Payload{
		LinkSpecifiers: hop.LinkSpecifiers,
		HandshakeType:  circuit.HandshakeTypeNtor,
		HandshakeData:  clientData[:],
	})
	if err != nil {
		hs.Close()
		return fmt.Errorf("relaypipeline: circuit %d: encoding extend2 for %s: %w", oc.ID(), hop.Fingerprint, err)
	}

	p.stateFor(oc).pending = &pendingExtend{hs: hs, hop: hop, queue: queue}
	if _, _, err := p.SendFromOrigin(oc, 0, cell.RelayExtend2, body, true); err != nil {
		p.stateFor(oc).pending = nil
		hs.Close()
		return fmt.Errorf("relaypipeline: circuit %d: sending extend2 to %s: %w", oc.ID(), hop.Fingerprint, err)
	}
	return nil
}

// processAtRelay implements the relay-command table for a
// cell recognized at a relay hop (this node is the terminus for this
// command, whether or not it is the circuit's designated exit).
func (p *Pipeline) processAtRelay(ctx context.Context, or *circuit.OrCircuit, msg *cell.RelayCell) error {
	switch msg.Command {
	case cell.RelayBegin, cell.RelayBeginDir:
		return p.handleBeginAtRelay(or, msg)
	case cell.RelayData:
		return p.handleDataAtRelay(or, msg)
	case cell.RelayEnd:
		return p.handleEndAtRelay(or, msg)
	case cell.RelaySendme:
		return p.handleSendmeAtRelay(or, msg)
	case cell.RelayExtend2:
		return p.handleExtend2AtRelay(or, msg)
	case cell.RelayTruncate:
		return p.handleTruncateAtRelay(or, msg)
	case cell.RelayResolve:
		return p.handleResolveAtRelay(ctx, or, msg)
	case cell.RelayXoff, cell.RelayXon:
		return p.handleFlowSignalAtRelay(or, msg)
	case cell.RelayDrop:
		return nil // padding, discarded by design
	default:
		if isHSCommand(msg.Command) {
			if p.HS == nil {
				p.log.Warn("dropping onion-service cell: no HS dispatcher registered", "command", cell.RelayCmdString(msg.Command))
				return nil
			}
			return p.HS.HandleHiddenService(or.ID(), msg.StreamID, msg.Command, msg.Data)
		}
		if isConfluxCommand(msg.Command) {
			if p.Conflux == nil {
				return nil
			}
			return p.Conflux.HandleConflux(or.ID(), msg.Command, msg.Data)
		}
		p.plog.ProtocolWarn("unknown-relay-cmd", "dropping unrecognized relay command", "command", cell.RelayCmdString(msg.Command))
		return nil
	}
}

func parseBeginBody(data []byte) (addrport string, flags uint32, err error) {
	nul := -1
	for i, b := range data {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", 0, fmt.Errorf("relaypipeline: BEGIN body missing NUL terminator")
	}
	addrport = string(data[:nul])
	rest := data[nul+1:]
	if len(rest) >= 4 {
		flags = binary.BigEndian.Uint32(rest[:4])
	}
	return addrport, flags, nil
}

func (p *Pipeline) handleBeginAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	var host string
	var port uint16
	var flags uint32

	if msg.Command == cell.RelayBeginDir {
		host, port = "", 0
	} else {
		addrport, f, err := parseBeginBody(msg.Data)
		if err != nil {
			return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayEnd, []byte{byte(cell.EndMisc)}))
		}
		flags = f
		h, portStr, err := net.SplitHostPort(addrport)
		if err != nil {
			return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayEnd, []byte{byte(cell.EndMisc)}))
		}
		portNum, err := strconv.Atoi(portStr)
		if err != nil || portNum < 1 || portNum > 65535 {
			return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayEnd, []byte{byte(cell.EndMisc)}))
		}
		host, port = h, uint16(portNum)
	}

	edge := stream.NewEdgeConnection(msg.StreamID, or.ID(), false, host, port)
	p.putStream(or, msg.StreamID, edge)
	or.IncStreams()

	if p.Exit == nil {
		p.log.Warn("dropping BEGIN: no exit handler registered", "stream", msg.StreamID)
		edge.RecordEnd(cell.EndMisc)
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayEnd, []byte{byte(cell.EndMisc)}))
	}
	if err := p.Exit.Open(or.ID(), msg.StreamID, host, port, flags); err != nil {
		edge.RecordEnd(cell.EndConnectFailed)
		p.dropStream(or, msg.StreamID)
		or.DecStreams()
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayEnd, []byte{byte(cell.EndConnectFailed)}))
	}
	return nil
}

func (p *Pipeline) handleDataAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	edge, ok := p.streamFor(or, msg.StreamID)
	if !ok {
		return nil // unknown/closed stream: silently dropped
	}
	st := p.stateFor(or)
	if err := st.window.Deliver(); err != nil {
		or.Close(cell.ReasonProtocol)
		return err
	}
	if err := edge.Window.Deliver(); err != nil {
		edge.RecordEnd(cell.EndTorProtocol)
		return err
	}

	if edge.State() != stream.EdgeOpen {
		edge.QueueOptimisticData(msg.Data)
	} else if p.Exit != nil {
		if err := p.Exit.Write(or.ID(), msg.StreamID, msg.Data); err != nil {
			return err
		}
	}

	if st.window.ShouldSendSendme() {
		if err := p.sendSendmeFromRelay(or, 0); err != nil {
			return err
		}
	}
	if edge.Window.ShouldSendSendme() {
		if err := p.sendSendmeFromRelay(or, msg.StreamID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) sendSendmeFromRelay(or *circuit.OrCircuit, streamID uint16) error {
	body := []byte{byte(sendme.VersionLegacy)}
	return p.sendBackwardFromRelay(or, cell.NewRelayCell(streamID, cell.RelaySendme, body))
}

func endReasonOf(data []byte) cell.EndReason {
	if len(data) == 0 {
		return cell.EndReason(0)
	}
	return cell.EndReason(data[0])
}

func (p *Pipeline) handleEndAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	reason := endReasonOf(msg.Data)
	if edge, ok := p.streamFor(or, msg.StreamID); ok {
		edge.RecordEnd(reason)
		p.dropStream(or, msg.StreamID)
		or.DecStreams()
	}
	if p.Exit != nil {
		p.Exit.CloseStream(or.ID(), msg.StreamID, reason)
	}
	return nil
}

func (p *Pipeline) handleSendmeAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("relaypipeline: empty SENDME body")
	}
	version := sendme.Version(msg.Data[0])

	applyWindow := func(w *sendme.Window) error {
		if version == sendme.VersionAuthTagged {
			tagLen := or.CryptoP.Variant().TagLen()
			if len(msg.Data) < 1+tagLen {
				return fmt.Errorf("relaypipeline: v1 SENDME body too short")
			}
			tag := msg.Data[1 : 1+tagLen]
			if err := p.stateFor(or).tags.Validate(tag); err != nil {
				or.Close(cell.ReasonProtocol)
				return torerrors.ProtocolError("SENDME tag validation failed", err)
			}
		}
		if err := w.ApplySendme(); err != nil {
			or.Close(cell.ReasonProtocol)
			return torerrors.ProtocolError("SENDME window overflow", err)
		}
		return nil
	}

	if msg.StreamID == 0 {
		return applyWindow(p.stateFor(or).window)
	}
	edge, ok := p.streamFor(or, msg.StreamID)
	if !ok {
		return nil
	}
	return applyWindow(edge.Window)
}

func (p *Pipeline) handleExtend2AtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	if _, ok := or.Next(); ok {
		return fmt.Errorf("relaypipeline: circuit %d: EXTEND2 received with next hop already attached", or.ID())
	}
	payload, err := circuit.DecodeExtend2(msg.Data)
	if err != nil {
		return err
	}
	if p.Extend == nil {
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(cell.ReasonInternal)}))
	}
	if err := p.Extend.BeginExtend(or, payload.LinkSpecifiers, payload.HandshakeType, payload.HandshakeData); err != nil {
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(cell.ReasonConnectFailed)}))
	}
	return nil
}

// ExtendCompleted delivers the outcome of an Extender.BeginExtend call:
// either the new hop's CREATED2 reply (success) or a dial/handshake
// failure, continuing the EXTEND2 handling handleExtend2AtRelay started.
func (p *Pipeline) ExtendCompleted(or *circuit.OrCircuit, channelID uint64, newCircID uint32, reply []byte, extendErr error) error {
	if extendErr != nil {
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(cell.ReasonConnectFailed)}))
	}
	or.SetNext(circuit.HopLink{ChannelID: channelID, CircID: newCircID})
	return p.sendBackwardFromRelay(or, cell.NewRelayCell(0, cell.RelayExtended2, reply))
}

func (p *Pipeline) handleTruncateAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	reason := endReasonOf(msg.Data)
	or.ClearNext()
	return p.sendBackwardFromRelay(or, cell.NewRelayCell(0, cell.RelayTruncated, []byte{byte(reason)}))
}

// resolveWaiter adapts a relay-side RESOLVE onto dnsresolve.Resolver's
// EdgeConnection interface, translating the eventual CachedResolve answer
// into a RELAY_RESOLVED reply.
type resolveWaiter struct {
	p          *Pipeline
	or         *circuit.OrCircuit
	streamID   uint16
	preferIPv6 bool
}

func (w *resolveWaiter) Purpose() dnsresolve.Purpose { return dnsresolve.PurposeResolve }
func (w *resolveWaiter) PreferIPv6() bool            { return w.preferIPv6 }

func (w *resolveWaiter) Resolved(result *dnsresolve.CachedResolve) {
	var answers []ResolvedAnswer
	switch {
	case result.IPv4 != nil:
		answers = append(answers, ResolvedAnswer{Type: AnswerTypeIPv4, Value: result.IPv4.To4(), TTL: resolveTTL(result)})
	case result.IPv6 != nil:
		answers = append(answers, ResolvedAnswer{Type: AnswerTypeIPv6, Value: result.IPv6.To16(), TTL: resolveTTL(result)})
	case result.PTRName != "":
		answers = append(answers, ResolvedAnswer{Type: AnswerTypeHostname, Value: []byte(result.PTRName), TTL: resolveTTL(result)})
	default:
		typ := AnswerTypeErrorNontransient
		if result.Kind == dnsresolve.AnswerErrorTransient {
			typ = AnswerTypeErrorTransient
		}
		answers = append(answers, ResolvedAnswer{Type: typ})
	}
	body, err := EncodeResolved(answers)
	if err != nil {
		return
	}
	_ = w.p.sendBackwardFromRelay(w.or, cell.NewRelayCell(w.streamID, cell.RelayResolved, body))
	w.p.dropStream(w.or, w.streamID)
	w.or.DecStreams()
}

func resolveTTL(r *dnsresolve.CachedResolve) uint32 {
	remaining := time.Until(r.Expire)
	if remaining <= 0 {
		return 0
	}
	if remaining > dnsresolve.MaxDNSTTL {
		remaining = dnsresolve.MaxDNSTTL
	}
	return uint32(remaining.Seconds())
}

func (p *Pipeline) handleResolveAtRelay(ctx context.Context, or *circuit.OrCircuit, msg *cell.RelayCell) error {
	address := string(msg.Data)
	edge := stream.NewResolveConnection(msg.StreamID, or.ID(), false, address)
	p.putStream(or, msg.StreamID, edge)
	or.IncStreams()

	if p.Resolver == nil {
		body, _ := EncodeResolved([]ResolvedAnswer{{Type: AnswerTypeErrorNontransient}})
		p.dropStream(or, msg.StreamID)
		or.DecStreams()
		return p.sendBackwardFromRelay(or, cell.NewRelayCell(msg.StreamID, cell.RelayResolved, body))
	}
	p.Resolver.Resolve(ctx, address, &resolveWaiter{p: p, or: or, streamID: msg.StreamID})
	return nil
}

func (p *Pipeline) handleFlowSignalAtRelay(or *circuit.OrCircuit, msg *cell.RelayCell) error {
	edge, ok := p.streamFor(or, msg.StreamID)
	if !ok {
		return nil
	}
	edge.SetXOFFReceived(msg.Command == cell.RelayXoff)
	return nil
}

// processAtOrigin implements the relay-command table for a
// cell recognized while peeling backward at the circuit's originator.
func (p *Pipeline) processAtOrigin(ctx context.Context, oc *circuit.OriginCircuit, hop int, msg *cell.RelayCell) error {
	switch msg.Command {
	case cell.RelayConnected:
		return p.handleConnectedAtOrigin(oc, msg)
	case cell.RelayData:
		return p.handleDataAtOrigin(oc, hop, msg)
	case cell.RelayEnd:
		return p.handleEndAtOrigin(oc, msg)
	case cell.RelaySendme:
		return p.handleSendmeAtOrigin(oc, hop, msg)
	case cell.RelayExtended2:
		return p.handleExtendedAtOrigin(oc, msg)
	case cell.RelayTruncated:
		return p.handleTruncatedAtOrigin(oc, msg)
	case cell.RelayResolved:
		return p.handleResolvedAtOrigin(oc, msg)
	case cell.RelayXoff, cell.RelayXon:
		return p.handleFlowSignalAtOrigin(oc, msg)
	default:
		if isHSCommand(msg.Command) {
			if p.HS == nil {
				return nil
			}
			return p.HS.HandleHiddenService(oc.ID(), msg.StreamID, msg.Command, msg.Data)
		}
		if isConfluxCommand(msg.Command) {
			if p.Conflux == nil {
				return nil
			}
			return p.Conflux.HandleConflux(oc.ID(), msg.Command, msg.Data)
		}
		p.plog.ProtocolWarn("unknown-relay-cmd-origin", "dropping unrecognized relay command at origin", "command", cell.RelayCmdString(msg.Command))
		return nil
	}
}

func (p *Pipeline) handleConnectedAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	addr, ttl, err := DecodeConnected(msg.Data)
	if err != nil {
		return err
	}
	edge, ok := p.streamFor(oc, msg.StreamID)
	if ok {
		edge.SetState(stream.EdgeOpen)
		if p.App != nil {
			for _, d := range edge.DrainOptimisticData() {
				p.App.Data(oc.ID(), msg.StreamID, d)
			}
		}
	}
	if p.App != nil {
		p.App.Connected(oc.ID(), msg.StreamID, addr, ttl)
	}
	return nil
}

func (p *Pipeline) handleDataAtOrigin(oc *circuit.OriginCircuit, hop int, msg *cell.RelayCell) error {
	edge, ok := p.streamFor(oc, msg.StreamID)
	if !ok {
		return nil
	}
	st := p.stateFor(oc)
	if err := st.window.Deliver(); err != nil {
		return err
	}
	if err := edge.Window.Deliver(); err != nil {
		edge.RecordEnd(cell.EndTorProtocol)
		return err
	}

	if edge.State() != stream.EdgeOpen {
		edge.QueueOptimisticData(msg.Data)
	} else if p.App != nil {
		p.App.Data(oc.ID(), msg.StreamID, msg.Data)
	}

	if st.window.ShouldSendSendme() {
		if _, _, err := p.SendFromOrigin(oc, 0, cell.RelaySendme, []byte{byte(sendme.VersionLegacy)}, false); err != nil {
			return err
		}
	}
	if edge.Window.ShouldSendSendme() {
		if _, _, err := p.SendFromOrigin(oc, msg.StreamID, cell.RelaySendme, []byte{byte(sendme.VersionLegacy)}, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleEndAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	reason := endReasonOf(msg.Data)
	if edge, ok := p.streamFor(oc, msg.StreamID); ok {
		edge.RecordEnd(reason)
		p.dropStream(oc, msg.StreamID)
		oc.RemoveStream(msg.StreamID)
	}
	if p.App != nil {
		p.App.Ended(oc.ID(), msg.StreamID, reason)
	}
	return nil
}

func (p *Pipeline) handleSendmeAtOrigin(oc *circuit.OriginCircuit, hop int, msg *cell.RelayCell) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("relaypipeline: empty SENDME body")
	}
	version := sendme.Version(msg.Data[0])
	applyWindow := func(w *sendme.Window) error {
		if version == sendme.VersionAuthTagged {
			hops := oc.Hops()
			if hop < 0 || hop >= len(hops) || hops[hop].Backward == nil {
				return fmt.Errorf("relaypipeline: v1 SENDME at unknown hop")
			}
			tagLen := hops[hop].Backward.Variant().TagLen()
			if len(msg.Data) < 1+tagLen {
				return fmt.Errorf("relaypipeline: v1 SENDME body too short")
			}
			tag := msg.Data[1 : 1+tagLen]
			if err := p.stateFor(oc).tags.Validate(tag); err != nil {
				return err
			}
		}
		return w.ApplySendme()
	}
	if msg.StreamID == 0 {
		return applyWindow(p.stateFor(oc).window)
	}
	edge, ok := p.streamFor(oc, msg.StreamID)
	if !ok {
		return nil
	}
	return applyWindow(edge.Window)
}

// handleExtendedAtOrigin handles EXTENDED2 at the originator:
// finish the ntor handshake ExtendOrigin started, extend the local cpath
// with the new hop's crypto, and continue building the circuit if more
// hops are queued.
func (p *Pipeline) handleExtendedAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	st := p.stateFor(oc)
	pending := st.pending
	if pending == nil {
		return fmt.Errorf("relaypipeline: circuit %d: unexpected EXTENDED2, no handshake in flight", oc.ID())
	}
	st.pending = nil

	if len(msg.Data) < 64 {
		pending.hs.Close()
		return fmt.Errorf("relaypipeline: circuit %d: EXTENDED2 reply too short", oc.ID())
	}
	var serverData [64]byte
	copy(serverData[:], msg.Data[:64])

	km, err := pending.hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("relaypipeline: circuit %d: ntor handshake with %s failed: %w", oc.ID(), pending.hop.Fingerprint, err)
	}

	fwd, err := relaycrypto.NewTor1Forward(km)
	if err != nil {
		return fmt.Errorf("relaypipeline: circuit %d: deriving forward crypto for %s: %w", oc.ID(), pending.hop.Fingerprint, err)
	}
	bwd, err := relaycrypto.NewTor1Backward(km)
	if err != nil {
		return fmt.Errorf("relaypipeline: circuit %d: deriving backward crypto for %s: %w", oc.ID(), pending.hop.Fingerprint, err)
	}

	h := circuit.NewHop(pending.hop.Fingerprint, pending.hop.Address, pending.hop.IsGuard, pending.hop.IsExit)
	h.SetCrypto(fwd, bwd)
	if err := oc.AddHop(h); err != nil {
		return fmt.Errorf("relaypipeline: circuit %d: adding hop %s: %w", oc.ID(), pending.hop.Fingerprint, err)
	}
	if oc.Length() >= 2 {
		oc.RecordBuildSucceeded()
	}

	if len(pending.queue) == 0 {
		oc.SetState(circuit.StateOpen)
		return nil
	}
	next, rest := pending.queue[0], pending.queue[1:]
	return p.ExtendOrigin(oc, next, rest)
}

func (p *Pipeline) handleTruncatedAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	reason := endReasonOf(msg.Data)
	for _, e := range p.StreamsOn(oc) {
		e.RecordEnd(reason)
	}
	return nil
}

func (p *Pipeline) handleResolvedAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	answers, err := DecodeResolved(msg.Data)
	if err != nil {
		return err
	}
	if p.App != nil {
		p.App.Resolved(oc.ID(), msg.StreamID, answers)
	}
	p.dropStream(oc, msg.StreamID)
	oc.RemoveStream(msg.StreamID)
	return nil
}

func (p *Pipeline) handleFlowSignalAtOrigin(oc *circuit.OriginCircuit, msg *cell.RelayCell) error {
	edge, ok := p.streamFor(oc, msg.StreamID)
	if !ok {
		return nil
	}
	edge.SetXOFFReceived(msg.Command == cell.RelayXoff)
	return nil
}

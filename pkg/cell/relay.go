// Package cell provides relay cell functionality for Tor protocol
package cell

import (
	"encoding/binary"
	"fmt"

	"github.com/torfoil/relaycore/pkg/security"
)

// Relay commands from tor-spec.txt section 6.1
const (
	RelayBegin        byte = 1
	RelayData         byte = 2
	RelayEnd          byte = 3
	RelayConnected    byte = 4
	RelaySendme       byte = 5
	RelayExtend       byte = 6
	RelayExtended     byte = 7
	RelayTruncate     byte = 8
	RelayTruncated    byte = 9
	RelayDrop         byte = 10
	RelayResolve      byte = 11
	RelayResolved     byte = 12
	RelayBeginDir     byte = 13
	RelayExtend2      byte = 14
	RelayExtended2    byte = 15
	RelayIntroduce1   byte = 32 // INTRODUCE1 cell for onion services
	RelayIntroduce2   byte = 33 // INTRODUCE2 cell for onion services
	RelayRendezvous1  byte = 34 // RENDEZVOUS1 cell for onion services
	RelayRendezvous2  byte = 35 // RENDEZVOUS2 cell for onion services
	RelayIntroEstab   byte = 38 // ESTABLISH_INTRO cell for onion services
	RelayIntroEstdAck byte = 39 // INTRO_ESTABLISHED cell for onion services

	// Congestion-signalling commands (handled by narrow interfaces, not
	// implemented by the core — see relaypipeline.HSDispatcher).
	RelayXoff byte = 42
	RelayXon  byte = 43

	// Conflux link-set negotiation, out of scope for this core; dispatched
	// to a no-op default handler same as the onion-service commands above.
	RelayConfluxLink      byte = 44
	RelayConfluxLinked    byte = 45
	RelayConfluxLinkedAck byte = 46
	RelayConfluxSwitch    byte = 47
)

// EndReason is the single-byte reason code carried in a RELAY_END cell
// body (tor-spec.txt section 6.3), distinct from DestroyReason: it closes
// one stream rather than an entire circuit.
type EndReason byte

// RELAY_END reason codes.
const (
	EndMisc           EndReason = 1
	EndResolveFailed  EndReason = 2
	EndConnectFailed  EndReason = 3
	EndExitPolicy     EndReason = 4
	EndDestroy        EndReason = 5
	EndDone           EndReason = 6
	EndTimeout        EndReason = 7
	EndNoRoute        EndReason = 8
	EndHibernating    EndReason = 9
	EndInternal       EndReason = 10
	EndResourceLimit  EndReason = 11
	EndConnReset      EndReason = 12
	EndTorProtocol    EndReason = 13
	EndNotDirectory   EndReason = 14
)

// Retriable reports whether a client-side stream that sees this reason on
// an END cell received before the stream opened should retry on a new
// circuit rather than surface the failure: HIBERNATING, RESOURCELIMIT,
// EXITPOLICY, RESOLVEFAILED, MISC and NOROUTE may detach the stream and
// attach it to a new circuit.
func (e EndReason) Retriable() bool {
	switch e {
	case EndHibernating, EndResourceLimit, EndExitPolicy, EndResolveFailed, EndMisc, EndNoRoute:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the reason code.
func (e EndReason) String() string {
	switch e {
	case EndMisc:
		return "MISC"
	case EndResolveFailed:
		return "RESOLVEFAILED"
	case EndConnectFailed:
		return "CONNECTFAILED"
	case EndExitPolicy:
		return "EXITPOLICY"
	case EndDestroy:
		return "DESTROY"
	case EndDone:
		return "DONE"
	case EndTimeout:
		return "TIMEOUT"
	case EndNoRoute:
		return "NOROUTE"
	case EndHibernating:
		return "HIBERNATING"
	case EndInternal:
		return "INTERNAL"
	case EndResourceLimit:
		return "RESOURCELIMIT"
	case EndConnReset:
		return "CONNRESET"
	case EndTorProtocol:
		return "TORPROTOCOL"
	case EndNotDirectory:
		return "NOTDIRECTORY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(e))
	}
}

// IsDestinationCommand reports whether cmd must only ever be processed at
// the cell's recognized hop (i.e. it is never forwarded further once
// recognized) — every relay command defined above qualifies; this helper
// exists so relaypipeline can assert the invariant without enumerating the
// command set itself.
func IsDestinationCommand(cmd byte) bool {
	switch cmd {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelaySendme,
		RelayExtend, RelayExtended, RelayTruncate, RelayTruncated, RelayDrop,
		RelayResolve, RelayResolved, RelayBeginDir, RelayExtend2, RelayExtended2,
		RelayIntroduce1, RelayIntroduce2, RelayRendezvous1, RelayRendezvous2,
		RelayIntroEstab, RelayIntroEstdAck, RelayXoff, RelayXon,
		RelayConfluxLink, RelayConfluxLinked, RelayConfluxLinkedAck, RelayConfluxSwitch:
		return true
	default:
		return false
	}
}

// RelayCell represents the payload of a RELAY or RELAY_EARLY cell
type RelayCell struct {
	Command    byte    // Relay command
	Recognized uint16  // Must be zero
	StreamID   uint16  // Stream ID
	Digest     [4]byte // Running digest
	Length     uint16  // Length of data
	Data       []byte  // Relay data
}

// RelayCell header size: Command(1) + Recognized(2) + StreamID(2) + Digest(4) + Length(2) = 11 bytes
const RelayCellHeaderLen = 11

// NewRelayCell creates a new relay cell
func NewRelayCell(streamID uint16, cmd byte, data []byte) *RelayCell {
	// Safely convert data length to uint16
	length, err := security.SafeLenToUint16(data)
	if err != nil {
		// Data is too large, truncate to max uint16
		length = 65535
	}

	return &RelayCell{
		Command:    cmd,
		Recognized: 0,
		StreamID:   streamID,
		Digest:     [4]byte{0, 0, 0, 0},
		Length:     length,
		Data:       data,
	}
}

// Encode encodes the relay cell into a byte slice
func (rc *RelayCell) Encode() ([]byte, error) {
	// Maximum relay cell data size
	maxDataLen := PayloadLen - RelayCellHeaderLen
	if len(rc.Data) > maxDataLen {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), maxDataLen)
	}

	// Create payload buffer
	payload := make([]byte, PayloadLen)

	// Write header
	payload[0] = rc.Command
	binary.BigEndian.PutUint16(payload[1:3], rc.Recognized)
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], rc.Length)

	// Write data
	copy(payload[11:], rc.Data)

	// Rest is zero padding (already initialized to zero)

	return payload, nil
}

// DecodeRelayCell decodes a relay cell from a payload
func DecodeRelayCell(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayCellHeaderLen {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayCellHeaderLen)
	}

	rc := &RelayCell{
		Command:    payload[0],
		Recognized: binary.BigEndian.Uint16(payload[1:3]),
		StreamID:   binary.BigEndian.Uint16(payload[3:5]),
		Length:     binary.BigEndian.Uint16(payload[9:11]),
	}
	copy(rc.Digest[:], payload[5:9])

	// Validate length - defense in depth (AUDIT-015)
	maxDataLen := uint16(PayloadLen - RelayCellHeaderLen)
	if rc.Length > maxDataLen {
		return nil, fmt.Errorf("relay cell length exceeds maximum: %d > %d", rc.Length, maxDataLen)
	}
	if int(rc.Length) > len(payload)-RelayCellHeaderLen {
		return nil, fmt.Errorf("relay cell data length exceeds payload: %d > %d", rc.Length, len(payload)-RelayCellHeaderLen)
	}

	// Extract data
	rc.Data = make([]byte, rc.Length)
	copy(rc.Data, payload[11:11+rc.Length])

	return rc, nil
}

// RelayCmdString returns a human-readable string for a relay command
func RelayCmdString(cmd byte) string {
	switch cmd {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelaySendme:
		return "RELAY_SENDME"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayDrop:
		return "RELAY_DROP"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	case RelayIntroduce1:
		return "RELAY_INTRODUCE1"
	case RelayIntroduce2:
		return "RELAY_INTRODUCE2"
	case RelayRendezvous1:
		return "RELAY_RENDEZVOUS1"
	case RelayRendezvous2:
		return "RELAY_RENDEZVOUS2"
	case RelayIntroEstab:
		return "RELAY_ESTABLISH_INTRO"
	case RelayIntroEstdAck:
		return "RELAY_INTRO_ESTABLISHED"
	case RelayXoff:
		return "RELAY_XOFF"
	case RelayXon:
		return "RELAY_XON"
	case RelayConfluxLink:
		return "RELAY_CONFLUX_LINK"
	case RelayConfluxLinked:
		return "RELAY_CONFLUX_LINKED"
	case RelayConfluxLinkedAck:
		return "RELAY_CONFLUX_LINKED_ACK"
	case RelayConfluxSwitch:
		return "RELAY_CONFLUX_SWITCH"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", cmd)
	}
}

package circuit

import (
	"fmt"

	"github.com/torfoil/relaycore/pkg/cell"
)

// CreateValidation holds the admission state for the CREATE-family
// validation sequence, run before a CREATE/CREATE2/CREATE_FAST cell is
// allowed to spawn a new OrCircuit:
//
//  1. circ_id is non-zero and has the high-bit parity our role requires
//     (cell.ValidateCircID). Whether the id is already in use on the
//     channel is not checked here; Table.Insert rejects a duplicate key.
//  2. hibernating relays refuse with DESTROY(HIBERNATING), relays over the
//     DoS-mitigation threshold with DESTROY(RESOURCELIMIT).
//  3. CREATE is refused on a channel we ourselves initiated outbound (a
//     relay never accepts a circuit-open request from a peer it dialed).
//  4. the legacy TAP handshake (htype 0x0000) is refused — only ntor
//     (0x0002) and its successors are accepted.
//
// The channel's own marked-for-close state is not checked.
type CreateValidation struct {
	Hibernating     bool
	OverDoSThreshold bool
	WeInitiatedChannel bool
}

// ErrChannelHibernating, ErrDoSThreshold, ErrOutboundCreate,
// and ErrTAPRefused name the specific rejection so callers
// can select the correct DESTROY reason.
var (
	ErrChannelHibernating = fmt.Errorf("circuit: relay is hibernating")
	ErrDoSThreshold       = fmt.Errorf("circuit: over DoS-mitigation circuit threshold")
	ErrOutboundCreate     = fmt.Errorf("circuit: CREATE refused on outbound client channel")
	ErrTAPRefused         = fmt.Errorf("circuit: legacy TAP handshake refused")
)

// HandshakeType mirrors tor-spec.txt's CREATE2 htype field.
type HandshakeType uint16

const (
	HandshakeTypeTAP  HandshakeType = 0x0000
	HandshakeTypeNtor HandshakeType = 0x0002
)

// Validate runs the CREATE-family admission sequence and returns the
// DESTROY reason to send on rejection, or nil if the CREATE may proceed.
// A bad circ_id is rejected with an error but a nil reason: such a cell
// is dropped without sending DESTROY.
func (v CreateValidation) Validate(circID uint32, weAreResponder bool, htype HandshakeType) (*cell.DestroyReason, error) {
	if err := cell.ValidateCircID(circID, !weAreResponder); err != nil {
		return nil, err
	}
	if v.Hibernating {
		reason := cell.ReasonHibernating
		return &reason, ErrChannelHibernating
	}
	if v.OverDoSThreshold {
		reason := cell.ReasonResourceLimit
		return &reason, ErrDoSThreshold
	}
	if v.WeInitiatedChannel {
		reason := cell.ReasonProtocol
		return &reason, ErrOutboundCreate
	}
	if htype == HandshakeTypeTAP {
		reason := cell.ReasonProtocol
		return &reason, ErrTAPRefused
	}
	return nil, nil
}

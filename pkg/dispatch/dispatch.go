// Package dispatch implements the top-level command dispatcher: it
// classifies an incoming cell by command, enforces the channel/side
// preconditions a CREATE-family cell must pass before a circuit is even
// allocated, and hands the cell off to whichever handler owns that
// command family. pkg/circuit's CreateValidation is called at the one
// point every CREATE-family cell passes through.
package dispatch

import (
	"context"
	"fmt"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/circuit"
	"github.com/torfoil/relaycore/pkg/logger"
)

// CreateHandler allocates a circuit for a validated CREATE-family cell.
type CreateHandler interface {
	HandleCreate(ctx context.Context, channelID uint64, circID uint32, htype circuit.HandshakeType, onionskin []byte) error
}

// CreatedHandler finishes a handshake or forwards a CREATED-family reply
// backward along an extending circuit.
type CreatedHandler interface {
	HandleCreated(ctx context.Context, channelID uint64, circID uint32, reply []byte) error
}

// RelayHandler processes a RELAY or RELAY_EARLY cell. isEarly distinguishes
// the two so the handler can enforce the RELAY_EARLY budget.
type RelayHandler interface {
	HandleRelay(ctx context.Context, channelID uint64, circID uint32, isEarly bool, payload []byte) error
}

// DestroyHandler tears down a circuit on receipt of a DESTROY cell.
type DestroyHandler interface {
	HandleDestroy(ctx context.Context, channelID uint64, circID uint32, reason cell.DestroyReason) error
}

// DoSPolicy reports the current admission state a CREATE-family cell
// must be checked against before a circuit is allocated. The zero-value
// AlwaysAdmit never refuses.
type DoSPolicy interface {
	Admit() (hibernating bool, overThreshold bool)
}

// AlwaysAdmit is the default DoSPolicy: every CREATE is admitted. Useful
// for tests and for relays that delegate DoS mitigation to a layer above
// this package.
type AlwaysAdmit struct{}

// Admit always reports not-hibernating, not-over-threshold.
func (AlwaysAdmit) Admit() (bool, bool) { return false, false }

// Dispatcher classifies incoming cells and routes them to the registered
// handlers. One Dispatcher serves every channel; channelID/circID are
// passed per call rather than bound at construction: the core runs one
// single-threaded cooperative event loop (one dispatcher, many channels,
// no per-channel goroutine needed here).
type Dispatcher struct {
	Create  CreateHandler
	Created CreatedHandler
	Relay   RelayHandler
	Destroy DestroyHandler
	DoS     DoSPolicy

	logger *logger.Logger
}

// New creates a Dispatcher. Any handler left nil causes cells in that
// family to be dropped with a warning log rather than panicking, so a
// caller can wire up only the roles it plays (e.g. a pure relay never
// needs an OriginCircuit CreatedHandler for its own extends).
func New(create CreateHandler, created CreatedHandler, relay RelayHandler, destroy DestroyHandler, dos DoSPolicy, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	if dos == nil {
		dos = AlwaysAdmit{}
	}
	return &Dispatcher{
		Create:  create,
		Created: created,
		Relay:   relay,
		Destroy: destroy,
		DoS:     dos,
		logger:  log.Component("dispatch"),
	}
}

// isCreateFamily reports whether cmd opens a new circuit.
func isCreateFamily(cmd cell.Command) bool {
	switch cmd {
	case cell.CmdCreate, cell.CmdCreateFast, cell.CmdCreate2:
		return true
	default:
		return false
	}
}

// isCreatedFamily reports whether cmd finishes a handshake reply.
func isCreatedFamily(cmd cell.Command) bool {
	switch cmd {
	case cell.CmdCreated, cell.CmdCreatedFast, cell.CmdCreated2:
		return true
	default:
		return false
	}
}

// handshakeTypeFor maps a CREATE-family command to the handshake type
// lifecycle.CreateValidation checks, since CREATE/CREATE_FAST never carry
// an explicit HTYPE field the way CREATE2 does.
func handshakeTypeFor(cmd cell.Command, payload []byte) circuit.HandshakeType {
	switch cmd {
	case cell.CmdCreate:
		return circuit.HandshakeTypeTAP
	case cell.CmdCreateFast:
		return circuit.HandshakeTypeNtor // CREATE_FAST has no TAP-style onionskin; treated as already past the TAP refusal
	case cell.CmdCreate2:
		if htype, _, err := circuit.DecodeCreate2(payload); err == nil {
			return htype
		}
	}
	return circuit.HandshakeTypeNtor
}

// Dispatch classifies and routes a single cell received on channelID.
// weInitiatedChannel is this side's role in the channel's TLS handshake,
// needed by the circ-id parity check. A CREATE-family
// cell that fails CreateValidation is dropped silently (no
// DESTROY, no circuit created) unless the validation itself produces a
// DestroyReason to send, in which case the caller is expected to write
// that DESTROY — Dispatch returns the reason via error wrapping so the
// caller can inspect it with errors.As if it needs the reason byte.
func (d *Dispatcher) Dispatch(ctx context.Context, channelID uint64, weInitiatedChannel bool, c *cell.Cell) error {
	switch {
	case isCreateFamily(c.Command):
		return d.dispatchCreate(ctx, channelID, weInitiatedChannel, c)
	case isCreatedFamily(c.Command):
		if d.Created == nil {
			d.logger.Warn("dropping CREATED-family cell: no handler registered", "command", c.Command.String())
			return nil
		}
		return d.Created.HandleCreated(ctx, channelID, c.CircID, c.Payload)
	case c.Command == cell.CmdRelay, c.Command == cell.CmdRelayEarly:
		if d.Relay == nil {
			d.logger.Warn("dropping RELAY-family cell: no handler registered", "command", c.Command.String())
			return nil
		}
		return d.Relay.HandleRelay(ctx, channelID, c.CircID, c.Command == cell.CmdRelayEarly, c.Payload)
	case c.Command == cell.CmdDestroy:
		if d.Destroy == nil {
			d.logger.Warn("dropping DESTROY cell: no handler registered")
			return nil
		}
		reason := cell.ReasonNone
		if len(c.Payload) > 0 {
			reason = cell.DestroyReason(c.Payload[0])
		}
		return d.Destroy.HandleDestroy(ctx, channelID, c.CircID, reason)
	default:
		d.logger.Info("dropping unrecognized cell command", "command", c.Command.String())
		return nil
	}
}

// ErrCreateRefused wraps a CreateValidation failure with the DestroyReason
// (if any) the caller should send back.
type ErrCreateRefused struct {
	Reason *cell.DestroyReason
	Err    error
}

func (e *ErrCreateRefused) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("dispatch: create refused: %v (reason=%d)", e.Err, *e.Reason)
	}
	return fmt.Sprintf("dispatch: create refused: %v", e.Err)
}

func (e *ErrCreateRefused) Unwrap() error { return e.Err }

func (d *Dispatcher) dispatchCreate(ctx context.Context, channelID uint64, weInitiatedChannel bool, c *cell.Cell) error {
	hibernating, overThreshold := d.DoS.Admit()
	v := circuit.CreateValidation{
		Hibernating:        hibernating,
		OverDoSThreshold:   overThreshold,
		WeInitiatedChannel: weInitiatedChannel,
	}
	htype := handshakeTypeFor(c.Command, c.Payload)
	// CREATE_FAST never goes through the TAP-handshake refusal (its
	// handshake is computed inline without a worker), so check
	// circ_id/channel/DoS preconditions only.
	checkType := htype
	if c.Command == cell.CmdCreateFast {
		checkType = circuit.HandshakeTypeNtor
	}
	// Receiving a CREATE-family cell always puts us in the circuit
	// responder role, regardless of which side dialed the TLS channel
	// (that is WeInitiatedChannel's separate check, set above).
	reason, err := v.Validate(c.CircID, true, checkType)
	if err != nil {
		if reason == nil {
			// circ_id 0, or the wrong parity: drop silently, no DESTROY,
			// no circuit created.
			d.logger.Debug("dropping malformed CREATE cell", "circ_id", c.CircID, "error", err)
			return nil
		}
		d.logger.Warn("refusing CREATE cell", "circ_id", c.CircID, "reason", *reason, "error", err)
		return &ErrCreateRefused{Reason: reason, Err: err}
	}

	if d.Create == nil {
		d.logger.Warn("dropping CREATE-family cell: no handler registered", "command", c.Command.String())
		return nil
	}
	return d.Create.HandleCreate(ctx, channelID, c.CircID, htype, c.Payload)
}

package relaypipeline

import "github.com/torfoil/relaycore/pkg/cell"

// HSDispatcher is the narrow collaborator interface for the onion-service
// relay commands (INTRODUCE1/2, RENDEZVOUS1/2, ESTABLISH_INTRO,
// INTRO_ESTABLISHED) handled by the onion-service subsystem. A relay
// that never acts as an introduction or rendezvous point can leave this
// nil; Pipeline then drops such cells with a log line instead of an error.
type HSDispatcher interface {
	HandleHiddenService(circID uint32, streamID uint16, cmd byte, data []byte) error
}

// NoopHSDispatcher discards every onion-service command without error,
// the safe default for a relay that plays no introduction/rendezvous role.
type NoopHSDispatcher struct{}

func (NoopHSDispatcher) HandleHiddenService(uint32, uint16, byte, []byte) error { return nil }

// ConfluxDispatcher is the narrow collaborator interface for the Conflux
// link-set negotiation commands (CONFLUX_LINK/LINKED/LINKED_ACK/SWITCH),
// handled by the multipath subsystem.
type ConfluxDispatcher interface {
	HandleConflux(circID uint32, cmd byte, data []byte) error
}

// NoopConfluxDispatcher discards every Conflux command without error.
type NoopConfluxDispatcher struct{}

func (NoopConfluxDispatcher) HandleConflux(uint32, byte, []byte) error { return nil }

func isHSCommand(cmd byte) bool {
	switch cmd {
	case hsCmdIntroduce1, hsCmdIntroduce2, hsCmdRendezvous1, hsCmdRendezvous2,
		hsCmdEstablishIntro, hsCmdIntroEstablished:
		return true
	default:
		return false
	}
}

func isConfluxCommand(cmd byte) bool {
	switch cmd {
	case cfCmdLink, cfCmdLinked, cfCmdLinkedAck, cfCmdSwitch:
		return true
	default:
		return false
	}
}

// Command constant aliases kept local to this file so the dispatch table
// in process.go reads as a flat switch over pkg/cell's relay command byte
// values without repeating the cell. prefix eight times per branch.
const (
	hsCmdIntroduce1       = cell.RelayIntroduce1
	hsCmdIntroduce2       = cell.RelayIntroduce2
	hsCmdRendezvous1      = cell.RelayRendezvous1
	hsCmdRendezvous2      = cell.RelayRendezvous2
	hsCmdEstablishIntro   = cell.RelayIntroEstab
	hsCmdIntroEstablished = cell.RelayIntroEstdAck

	cfCmdLink      = cell.RelayConfluxLink
	cfCmdLinked    = cell.RelayConfluxLinked
	cfCmdLinkedAck = cell.RelayConfluxLinkedAck
	cfCmdSwitch    = cell.RelayConfluxSwitch
)

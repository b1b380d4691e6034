// Package directory carries the narrow slice of consensus/relay data the
// relay core needs from the directory subsystem. Directory-document
// fetching, parsing and voting are out of scope for this core (they are an
// external collaborator); callers that do implement a directory client feed
// their results through the ConsensusRelay type below.
package directory

import "time"

// Flag is a single consensus router flag (e.g. "Guard", "Exit", "Stable").
type Flag string

// Commonly referenced consensus flags.
const (
	FlagGuard   Flag = "Guard"
	FlagExit    Flag = "Exit"
	FlagStable  Flag = "Stable"
	FlagFast    Flag = "Fast"
	FlagValid   Flag = "Valid"
	FlagRunning Flag = "Running"
	FlagHSDir   Flag = "HSDir"
)

// ConsensusRelay is the minimal per-relay record pkg/microdesc and
// pkg/pathbias consume. It intentionally omits everything a full directory
// client would carry (bandwidth-weights, version strings, contact info):
// those belong to the out-of-scope directory-fetch subsystem.
type ConsensusRelay struct {
	Fingerprint  string
	NickName     string
	Address      string
	ORPort       uint16
	DirPort      uint16
	Flags        []Flag
	Published    time.Time
	NtorOnionKey string // base64, as carried in the "ntor-onion-key" microdescriptor line
	DigestSHA256 [32]byte
}

// HasFlag reports whether the relay carries the given consensus flag.
func (r ConsensusRelay) HasFlag(f Flag) bool {
	for _, existing := range r.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// ConsensusSource is the narrow interface the core depends on instead of
// implementing directory-document fetch/parse/vote itself. A real
// directory client (out of scope here) implements this by returning the
// current consensus's relay list.
type ConsensusSource interface {
	Relays() []ConsensusRelay
}

// StaticSource is a ConsensusSource backed by a fixed, in-memory relay
// list — useful for tests and for callers that load a consensus snapshot
// themselves and just need to hand it to the core.
type StaticSource struct {
	relays []ConsensusRelay
}

// NewStaticSource wraps a fixed relay list as a ConsensusSource.
func NewStaticSource(relays []ConsensusRelay) *StaticSource {
	return &StaticSource{relays: relays}
}

// Relays implements ConsensusSource.
func (s *StaticSource) Relays() []ConsensusRelay {
	return s.relays
}

package sendme

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// Layout of a deliberately sub-full DATA cell: the body is followed by a
// short zeroed gap, and the final RandomTailLen bytes of the payload are
// filled with fresh random bytes. A cell shaped this way guarantees the
// authenticated tag sampled from the cipher state at its position cannot
// be predicted by an observer who knows all prior plaintext.
const (
	PaddingGap    = 4
	RandomTailLen = 16
)

// RandomnessPolicy decides when the next outbound DATA cell on a circuit
// must be sent sub-full with a random tail. On average one cell in every
// CircWindowIncrement/2 is randomized; the exact position within each
// epoch is drawn uniformly so the choice is not itself predictable.
type RandomnessPolicy struct {
	mu sync.Mutex

	increment        int
	cellsUntilRandom int
	haveSentRandom   bool
}

// NewRandomnessPolicy creates a policy for one circuit direction.
// increment is the circuit-level window increment; pass 0 for the
// default.
func NewRandomnessPolicy(increment int) *RandomnessPolicy {
	if increment <= 0 {
		increment = CircWindowIncrement
	}
	r := &RandomnessPolicy{increment: increment}
	r.resampleLocked()
	return r
}

// resampleLocked draws the next randomization position uniformly from
// [1, increment], giving an average spacing of increment/2. Caller holds
// r.mu (or is the constructor).
func (r *RandomnessPolicy) resampleLocked() {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(r.increment)))
	if err != nil {
		// rand.Reader failing is unrecoverable for a crypto relay; fall
		// back to the worst case of randomizing the very next cell.
		r.cellsUntilRandom = 1
		return
	}
	r.cellsUntilRandom = int(n.Int64()) + 1
}

// MaxBody returns the largest body length a randomized cell may carry
// given the full payload body capacity.
func MaxBody(full int) int {
	return full - PaddingGap - RandomTailLen
}

// ShouldRandomize counts one outbound DATA cell and reports whether this
// cell must carry a random tail. A cell whose body is too long to leave
// room for the gap and tail cannot be randomized; the debt then stays
// outstanding and the next short-enough cell pays it.
func (r *RandomnessPolicy) ShouldRandomize(bodyLen, full int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cellsUntilRandom > 1 {
		r.cellsUntilRandom--
		return false
	}
	if bodyLen > MaxBody(full) {
		return false
	}
	r.haveSentRandom = true
	r.resampleLocked()
	return true
}

// HaveSentRandomCell reports whether at least one randomized cell has been
// sent since the policy was created.
func (r *RandomnessPolicy) HaveSentRandomCell() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haveSentRandom
}

// PadForUnpredictability fills the tail of an encoded relay payload for a
// randomized cell: everything between the end of the body and the random
// tail stays zero, and the final RandomTailLen bytes are overwritten with
// fresh random bytes. bodyEnd is the offset one past the last body byte.
func PadForUnpredictability(payload []byte, bodyEnd int) error {
	if len(payload) < RandomTailLen {
		return fmt.Errorf("sendme: payload too short for random tail")
	}
	if bodyEnd > len(payload)-PaddingGap-RandomTailLen {
		return fmt.Errorf("sendme: body leaves no room for random tail")
	}
	if _, err := rand.Read(payload[len(payload)-RandomTailLen:]); err != nil {
		return fmt.Errorf("sendme: generating random tail: %w", err)
	}
	return nil
}

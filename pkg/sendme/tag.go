package sendme

import (
	"crypto/rand"
	"fmt"

	"github.com/torfoil/relaycore/pkg/relaycrypto"
)

// Version distinguishes the two SENDME wire formats: v0 carries no body at all, v1 carries the authenticated tag
// sampled from the cipher state at the moment the window was refilled.
type Version byte

const (
	VersionLegacy     Version = 0
	VersionAuthTagged Version = 1
)

// NegotiatedVersion picks the SENDME version to emit given the minimum
// version the local consensus-parameter overlay requires
// (sendme_emit_min_version) and the highest version the peer
// is known to accept. We never emit above what the peer supports: when the
// peer's maximum is below the consensus floor, the peer's maximum wins.
func NegotiatedVersion(minEmit, peerMax Version) Version {
	if minEmit > peerMax {
		return peerMax
	}
	return minEmit
}

// ErrTagMismatch is returned when a received v1 SENDME's tag does not match
// the tag recorded when the corresponding window increment was sent.
var ErrTagMismatch = fmt.Errorf("sendme: authenticated tag mismatch")

// TagRecorder captures and validates the authenticated tags carried by
// v1 SENDMEs. One recorder is attached per circuit hop (or per
// stream endpoint); every time a cell is sent that will eventually earn a
// SENDME credit, the sender records the tag produced for that cell, and
// when the SENDME comes back the recorder pops the oldest recorded tag
// and compares it. FIFO order: the i-th SENDME arriving on a direction
// consumes the i-th recorded tag.
type TagRecorder struct {
	pending [][]byte
}

// NewTagRecorder creates an empty recorder.
func NewTagRecorder() *TagRecorder {
	return &TagRecorder{}
}

// Record appends the tag produced by relaycrypto.Crypto.EncryptAndTag for
// a cell sent at a window-increment boundary.
func (t *TagRecorder) Record(tag []byte) {
	cp := make([]byte, len(tag))
	copy(cp, tag)
	t.pending = append(t.pending, cp)
}

// Validate pops the oldest recorded tag and compares it in constant time
// against the tag carried by an incoming v1 SENDME. Returns ErrTagMismatch
// if they differ, or an error if no tag was pending (a SENDME arrived
// without a matching prior send, itself a protocol violation).
func (t *TagRecorder) Validate(received []byte) error {
	if len(t.pending) == 0 {
		return fmt.Errorf("sendme: unexpected SENDME, no pending tag recorded")
	}
	want := t.pending[0]
	t.pending = t.pending[1:]
	if !relaycrypto.ConstantTimeEqualTag(want, received) {
		return ErrTagMismatch
	}
	return nil
}

// Pending reports how many tags are awaiting a SENDME.
func (t *TagRecorder) Pending() int { return len(t.pending) }

// RandomPaddingLength returns a random padding length in [0, maxLen) for
// filling a v1 SENDME's unused body:
// a fixed-size, content-free cell is otherwise trivially fingerprintable
// on the wire, so some of the unused cell body is filled with random
// bytes of random length.
func RandomPaddingLength(maxLen int) (int, error) {
	if maxLen <= 0 {
		return 0, nil
	}
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("sendme: generating padding length: %w", err)
	}
	n := int(b[0])<<8 | int(b[1])
	return n % maxLen, nil
}

// RandomPadding returns n cryptographically random bytes to fill a v1
// SENDME's unused body.
func RandomPadding(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("sendme: generating padding: %w", err)
	}
	return buf, nil
}

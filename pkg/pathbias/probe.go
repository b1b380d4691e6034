package pathbias

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// ProbeTarget is the RELAY_BEGIN destination used for
// a use-failure probe: a random address in 0.0.0.0/8 (guaranteed
// unroutable, so only a misbehaving exit that end-to-end-tags the
// circuit could plausibly echo it back correctly) on port 25, with the
// nonce folded into the low 24 bits of the address.
type ProbeTarget struct {
	Address string
	Nonce   uint32 // low 24 bits significant
}

// NewProbe generates a fresh probe target with a random 24-bit nonce.
func NewProbe() (ProbeTarget, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ProbeTarget{}, fmt.Errorf("pathbias: generating probe nonce: %w", err)
	}
	nonce := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return ProbeTarget{
		Address: fmt.Sprintf("0.%d.%d.%d", b[0], b[1], b[2]),
		Nonce:   nonce,
	}, nil
}

// VerifyEcho reports whether an echoed END cell's reported exit-policy
// address matches this probe's nonce: "if the echoed
// END's EXITPOLICY address matches the nonce, count as success."
func (p ProbeTarget) VerifyEcho(echoedAddress string) bool {
	return echoedAddress == p.Address
}

// EncodeStreamID packs the nonce into a 16-bit stream ID's low bits the
// way a 24-bit nonce can't fully fit; real Tor uses the nonce to pick
// both the target address and a marker stream ID. Only the low 16 bits
// are representable here, which is sufficient as a correlation marker
// since the address itself carries the full nonce.
func (p ProbeTarget) EncodeStreamID() uint16 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], p.Nonce)
	return binary.BigEndian.Uint16(buf[2:])
}

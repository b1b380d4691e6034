package relaycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"

	"filippo.io/edwards25519"
)

// cgoCrypto implements the counter-Galois-onion relay-crypto variant:
// AES-128-CTR payload encryption (as with Tor1) but with a
// SHA-256-based running digest and a 16-byte sendme tag derived by mixing
// the digest state through an edwards25519 scalar multiply, so that an
// attacker who recovers the digest state alone cannot forge a tag without
// also knowing the per-hop scalar derived at handshake time.
type cgoCrypto struct {
	stream cipher.Stream
	digest hash.Hash
	scalar *edwards25519.Scalar
}

// NewCGO builds a cgoCrypto context from a 16-byte AES-128 key, a 32-byte
// digest seed, and a 32-byte scalar seed (all derived from the circuit's
// CGO handshake — out of scope here, the handshake itself belongs to
// relaycrypto's ntor.go / the onionskin worker, not this file).
func NewCGO(key []byte, digestSeed []byte, scalarSeed [32]byte) (Crypto, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("relaycrypto: cgo key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: cgo aes key: %w", err)
	}
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(scalarSeed[:])
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: cgo scalar seed: %w", err)
	}
	d := sha256.New()
	d.Write(digestSeed)
	return &cgoCrypto{
		stream: cipher.NewCTR(block, zeroIV16),
		digest: d,
		scalar: scalar,
	}, nil
}

func (c *cgoCrypto) Variant() Variant { return VariantCGO }

func (c *cgoCrypto) EncryptAndTag(payload []byte) ([]byte, error) {
	c.digest.Write(payload)
	sum := c.digest.Sum(nil)
	writeDigestField(payload, sum)
	tag := c.sampleTag()
	c.stream.XORKeyStream(payload, payload)
	return tag, nil
}

func (c *cgoCrypto) Encrypt(payload []byte) error {
	c.stream.XORKeyStream(payload, payload)
	return nil
}

func (c *cgoCrypto) DecryptAndRecognize(payload []byte) (bool, []byte, error) {
	c.stream.XORKeyStream(payload, payload)

	if !recognizedFieldZero(payload) {
		return false, nil, nil
	}

	digestField := readDigestField(payload)
	probe := make([]byte, len(payload))
	copy(probe, payload)
	clearDigestField(probe)

	// CGO recognizes using the first 4 bytes of the SHA-256 state after
	// mixing in the probe, same commit-on-match discipline as Tor1.
	h := cloneSha256(c.digest)
	h.Write(probe)
	candidate := h.Sum(nil)
	var got [4]byte
	copy(got[:], candidate)

	if got != digestField {
		return false, nil, nil
	}

	c.digest.Write(probe)
	tag := c.sampleTag()
	return true, tag, nil
}

// cloneSha256 relies on crypto/sha256's digest implementing
// encoding.BinaryMarshaler/Unmarshaler for cheap, allocation-light state
// cloning without perturbing the original.
func cloneSha256(h hash.Hash) hash.Hash {
	type binaryState interface {
		MarshalBinary() ([]byte, error)
	}
	clone := sha256.New()
	if bs, ok := h.(binaryState); ok {
		if state, err := bs.MarshalBinary(); err == nil {
			if restorable, ok := clone.(interface{ UnmarshalBinary([]byte) error }); ok {
				_ = restorable.UnmarshalBinary(state)
			}
		}
	}
	return clone
}

// sampleTag derives the 16-byte CGO sendme tag by combining the running
// digest with a scalar multiply against the base point, so the tag
// depends on per-hop key material the digest alone does not carry.
func (c *cgoCrypto) sampleTag() []byte {
	sum := c.digest.Sum(nil)
	point := new(edwards25519.Point).ScalarBaseMult(c.scalar)
	mac := hmac.New(sha256.New, point.Bytes())
	mac.Write(sum)
	full := mac.Sum(nil)
	tag := make([]byte, VariantCGO.TagLen())
	copy(tag, full)
	return tag
}

package relaycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding"
	"fmt"
	"hash"
)

// tor1Crypto is the legacy relay-crypto context: AES-128-CTR with a
// zero IV, plus a running SHA-1 digest seeded with the derived digest
// seed (Df/Db from the ntor handshake).
type tor1Crypto struct {
	stream cipher.Stream
	digest hash.Hash
}

// zeroIV16 is the all-zero 16-byte CTR IV Tor's relay crypto uses: the key
// itself is freshly derived per-hop, so IV reuse is not a confidentiality
// issue the way it would be with a static key.
var zeroIV16 = make([]byte, aes.BlockSize)

// NewTor1 builds a tor1Crypto context from a raw 16-byte AES-128 key and a
// digest seed of arbitrary length (conventionally 20 bytes, the Df/Db
// value from the ntor handshake).
func NewTor1(key []byte, digestSeed []byte) (Crypto, error) {
	return newTor1(key, digestSeed)
}

// NewTor1Forward builds the forward-direction (this hop's view of
// origin→relay traffic) crypto context from completed ntor key material.
func NewTor1Forward(km *KeyMaterial) (Crypto, error) {
	return newTor1(km.Kf[:], km.Df[:])
}

// NewTor1Backward builds the backward-direction (relay→origin) crypto
// context from completed ntor key material.
func NewTor1Backward(km *KeyMaterial) (Crypto, error) {
	return newTor1(km.Kb[:], km.Db[:])
}

func newTor1(key []byte, digestSeed []byte) (Crypto, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("relaycrypto: tor1 key must be 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: tor1 aes key: %w", err)
	}
	d := sha1.New()
	d.Write(digestSeed)
	return &tor1Crypto{
		stream: cipher.NewCTR(block, zeroIV16),
		digest: d,
	}, nil
}

func (t *tor1Crypto) Variant() Variant { return VariantTor1 }

func (t *tor1Crypto) EncryptAndTag(payload []byte) ([]byte, error) {
	// The running digest is computed over the relay message with a zeroed
	// digest field (tor-spec.txt section 6.1); the leading 4 digest bytes
	// are then written into the header before encryption so the receiving
	// hop can recompute and compare.
	t.digest.Write(payload)
	sum := t.digest.Sum(nil)
	writeDigestField(payload, sum)
	tag := t.sampleTag()
	t.stream.XORKeyStream(payload, payload)
	return tag, nil
}

func (t *tor1Crypto) Encrypt(payload []byte) error {
	t.stream.XORKeyStream(payload, payload)
	return nil
}

func (t *tor1Crypto) DecryptAndRecognize(payload []byte) (bool, []byte, error) {
	t.stream.XORKeyStream(payload, payload)

	// Cheap pre-check before any hashing: a recognized cell carries a
	// zero recognized field.
	if !recognizedFieldZero(payload) {
		return false, nil, nil
	}

	// Recompute the digest with the incoming digest field zeroed, exactly
	// as the sender did before transmission, then compare against a
	// *candidate* state (running digest plus this payload) without
	// committing it — only a cell that turns out recognized may advance
	// the running digest, or every subsequent cell's digest would diverge
	// from the peer's.
	digestField := readDigestField(payload)
	probe := make([]byte, len(payload))
	copy(probe, payload)
	clearDigestField(probe)

	saved, err := t.saveDigestState()
	if err != nil {
		return false, nil, fmt.Errorf("relaycrypto: save digest state: %w", err)
	}

	t.digest.Write(probe)
	candidate := t.digest.Sum(nil)
	var got [4]byte
	copy(got[:], candidate)

	if got != digestField {
		if err := t.restoreDigestState(saved); err != nil {
			return false, nil, fmt.Errorf("relaycrypto: restore digest state: %w", err)
		}
		return false, nil, nil
	}

	// Recognized: the write above is now the committed running digest.
	tag := t.sampleTag()
	return true, tag, nil
}

func (t *tor1Crypto) saveDigestState() ([]byte, error) {
	marshaler, ok := t.digest.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("digest does not support state save")
	}
	return marshaler.MarshalBinary()
}

func (t *tor1Crypto) restoreDigestState(state []byte) error {
	unmarshaler, ok := t.digest.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("digest does not support state restore")
	}
	return unmarshaler.UnmarshalBinary(state)
}

// clearDigestField zeros bytes [5:9), the digest field of a V0 relay
// message header, matching the sender's zero-before-digest convention.
func clearDigestField(payload []byte) {
	if len(payload) < 9 {
		return
	}
	for i := 5; i < 9; i++ {
		payload[i] = 0
	}
}

// writeDigestField copies the leading 4 bytes of a digest sum into the
// header's digest field.
func writeDigestField(payload []byte, sum []byte) {
	if len(payload) < 9 || len(sum) < 4 {
		return
	}
	copy(payload[5:9], sum[:4])
}

// readDigestField extracts the header's digest field.
func readDigestField(payload []byte) [4]byte {
	var f [4]byte
	if len(payload) >= 9 {
		copy(f[:], payload[5:9])
	}
	return f
}

// recognizedFieldZero reports whether the header's recognized field
// (bytes [1:3)) reads zero.
func recognizedFieldZero(payload []byte) bool {
	return len(payload) >= 3 && payload[1] == 0 && payload[2] == 0
}

// sampleTag takes a snapshot of the running digest without perturbing
// it, truncated to the Tor1 tag length, so the tag always corresponds to
// the cell just folded into the digest.
func (t *tor1Crypto) sampleTag() []byte {
	// hash.Hash.Sum(nil) does not reset internal state, so cloning isn't
	// required to take a non-destructive snapshot.
	sum := t.digest.Sum(nil)
	tag := make([]byte, VariantTor1.TagLen())
	copy(tag, sum)
	return tag
}

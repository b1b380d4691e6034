package relaycrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestNtorHandshakeRoundTrip(t *testing.T) {
	nodeID := [20]byte{1, 2, 3}
	b := [32]byte{9, 9, 9}
	Bslice, err := curve25519.X25519(b[:], curve25519.Basepoint)
	require.NoError(t, err)
	var B [32]byte
	copy(B[:], Bslice)

	client, err := NewClientHandshake(nodeID, B)
	require.NoError(t, err)
	clientData := client.ClientData()

	reply, serverKM, err := ServerHandshake(clientData, nodeID, b, B)
	require.NoError(t, err)

	clientKM, err := client.Complete(reply)
	require.NoError(t, err)

	require.Equal(t, serverKM.Kf, clientKM.Kf)
	require.Equal(t, serverKM.Kb, clientKM.Kb)
	require.Equal(t, serverKM.Df, clientKM.Df)
	require.Equal(t, serverKM.Db, clientKM.Db)
}

func TestNtorRejectsWrongOnionKey(t *testing.T) {
	nodeID := [20]byte{1}
	var B, wrongB [32]byte
	B[0] = 1
	wrongB[0] = 2

	client, err := NewClientHandshake(nodeID, B)
	require.NoError(t, err)
	clientData := client.ClientData()

	var b [32]byte
	b[0] = 7
	_, _, err = ServerHandshake(clientData, nodeID, b, wrongB)
	require.Error(t, err)
}

func TestTor1RecognizedRoundTrip(t *testing.T) {
	km := &KeyMaterial{
		Kf: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Df: [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	}
	sender, err := NewTor1Forward(km)
	require.NoError(t, err)
	receiver, err := NewTor1Forward(km)
	require.NoError(t, err)

	payload := make([]byte, 509)
	copy(payload[9:], []byte("hello world"))

	tag, err := sender.EncryptAndTag(payload)
	require.NoError(t, err)
	require.Len(t, tag, VariantTor1.TagLen())

	recognized, recvTag, err := receiver.DecryptAndRecognize(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	require.Equal(t, tag, recvTag)
	require.Equal(t, []byte("hello world"), payload[9:9+len("hello world")])
}

func TestTor1EncryptLayerOnlyPreservesInnerHeader(t *testing.T) {
	km := &KeyMaterial{Kf: [16]byte{3}, Df: [20]byte{4}}
	inner, err := NewTor1Forward(km)
	require.NoError(t, err)
	outerEnc, err := NewTor1(make([]byte, 16), make([]byte, 20))
	require.NoError(t, err)
	outerDec, err := NewTor1(make([]byte, 16), make([]byte, 20))
	require.NoError(t, err)
	receiver, err := NewTor1Forward(km)
	require.NoError(t, err)

	payload := make([]byte, 509)
	copy(payload[9:], []byte("two layers"))

	_, err = inner.EncryptAndTag(payload)
	require.NoError(t, err)
	require.NoError(t, outerEnc.Encrypt(payload))

	// CTR is its own inverse: the mid-relay peels its layer with a plain
	// cipher pass, leaving the inner hop's header intact.
	require.NoError(t, outerDec.Encrypt(payload))

	recognized, _, err := receiver.DecryptAndRecognize(payload)
	require.NoError(t, err)
	require.True(t, recognized)
	require.Equal(t, []byte("two layers"), payload[9:9+len("two layers")])
}

func TestTor1UnrecognizedOnTamperedDigest(t *testing.T) {
	km := &KeyMaterial{Kf: [16]byte{1}, Df: [20]byte{2}}
	sender, err := NewTor1Forward(km)
	require.NoError(t, err)
	receiver, err := NewTor1Forward(km)
	require.NoError(t, err)

	payload := make([]byte, 509)
	_, err = sender.EncryptAndTag(payload)
	require.NoError(t, err)

	// Flip one body byte in transit: the digest check must fail.
	payload[100] ^= 0xFF
	recognized, tag, err := receiver.DecryptAndRecognize(payload)
	require.NoError(t, err)
	require.False(t, recognized)
	require.Nil(t, tag)
}

func TestTor1UnrecognizedWithWrongKey(t *testing.T) {
	sender, err := NewTor1(make([]byte, 16), make([]byte, 20))
	require.NoError(t, err)
	other, err := NewTor1(append([]byte{1}, make([]byte, 15)...), make([]byte, 20))
	require.NoError(t, err)

	payload := make([]byte, 509)
	_, err = sender.EncryptAndTag(payload)
	require.NoError(t, err)

	recognized, _, err := other.DecryptAndRecognize(payload)
	require.NoError(t, err)
	require.False(t, recognized)
}

func TestConstantTimeEqualTag(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	require.True(t, ConstantTimeEqualTag(a, b))
	require.False(t, ConstantTimeEqualTag(a, c))
	require.False(t, ConstantTimeEqualTag(a, []byte{1, 2}))
}

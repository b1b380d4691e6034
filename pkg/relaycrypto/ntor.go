package relaycrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ntor-curve25519-sha256-1, per tor-spec.txt section 5.1.4. This core
// plays both sides of a circuit, so the server-side handshake sits
// alongside the client's.
const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorMExpand = ntorProtoID + ":key_expand"
)

// KeyMaterial holds the derived circuit keys from a completed ntor
// handshake, in the layout CREATE2/CREATED2 callers feed to
// NewTor1Forward/NewTor1Backward.
type KeyMaterial struct {
	Df [20]byte // Forward digest seed (client→relay)
	Db [20]byte // Backward digest seed (relay→client)
	Kf [16]byte // Forward AES-128-CTR key
	Kb [16]byte // Backward AES-128-CTR key
}

// ClientHandshake holds the client's ephemeral state while a CREATE2 is
// outstanding.
type ClientHandshake struct {
	nodeID  [20]byte
	ntorKey [32]byte
	x       [32]byte
	X       [32]byte
}

// NewClientHandshake creates a new ntor handshake state with a fresh
// ephemeral keypair, ready to produce ClientData for a CREATE2 cell.
func NewClientHandshake(nodeID [20]byte, ntorKey [32]byte) (*ClientHandshake, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("relaycrypto: generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: compute public key: %w", err)
	}
	hs := &ClientHandshake{nodeID: nodeID, ntorKey: ntorKey, x: x}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key; call on error paths where
// Complete won't run to completion.
func (hs *ClientHandshake) Close() { clear(hs.x[:]) }

// ClientData returns the 84-byte CREATE2 HDATA: node_id(20) || B(32) || X(32).
func (hs *ClientHandshake) ClientData() [84]byte {
	var data [84]byte
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.ntorKey[:])
	copy(data[52:84], hs.X[:])
	return data
}

// Complete processes the server's 64-byte CREATED2 response (Y || AUTH),
// verifies AUTH and derives circuit keys.
func (hs *ClientHandshake) Complete(serverData [64]byte) (*KeyMaterial, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := curve25519.X25519(hs.x[:], Y[:])
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, fmt.Errorf("relaycrypto: x*Y produced all-zeros point")
	}
	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:])
	if err != nil {
		return nil, fmt.Errorf("relaycrypto: curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, fmt.Errorf("relaycrypto: x*B produced all-zeros point")
	}

	secretInput := buildSecretInput(exp1, exp2, hs.nodeID, hs.ntorKey, hs.X, Y)
	verify := ntorHMAC(secretInput, ntorTVerify)
	authInput := buildAuthInput(verify, hs.nodeID, hs.ntorKey, Y, hs.X, "Server")
	expectedAuth := ntorHMAC(authInput, ntorTMac)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, fmt.Errorf("relaycrypto: AUTH verification failed")
	}

	km, err := deriveKeyMaterial(secretInput)
	clear(secretInput)
	clear(authInput)
	clear(hs.x[:])
	return km, err
}

// ServerHandshake is the relay-side counterpart: given the client's
// 84-byte HDATA and this relay's own (identity, onion keypair), it
// produces the 64-byte CREATED2 reply and the derived key material.
func ServerHandshake(clientData [84]byte, nodeID [20]byte, b, B [32]byte) (reply [64]byte, km *KeyMaterial, err error) {
	var gotNodeID [20]byte
	var gotB, X [32]byte
	copy(gotNodeID[:], clientData[0:20])
	copy(gotB[:], clientData[20:52])
	copy(X[:], clientData[52:84])

	if gotNodeID != nodeID || gotB != B {
		return reply, nil, fmt.Errorf("relaycrypto: CREATE2 addressed to a different node id or onion key")
	}

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return reply, nil, fmt.Errorf("relaycrypto: generate server ephemeral key: %w", err)
	}
	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return reply, nil, fmt.Errorf("relaycrypto: compute server public key: %w", err)
	}
	var Yarr [32]byte
	copy(Yarr[:], Y)

	exp1, err := curve25519.X25519(y[:], X[:])
	if err != nil {
		return reply, nil, fmt.Errorf("relaycrypto: curve25519 y*X: %w", err)
	}
	if isZero(exp1) {
		return reply, nil, fmt.Errorf("relaycrypto: y*X produced all-zeros point")
	}
	exp2, err := curve25519.X25519(b[:], X[:])
	if err != nil {
		return reply, nil, fmt.Errorf("relaycrypto: curve25519 b*X: %w", err)
	}
	if isZero(exp2) {
		return reply, nil, fmt.Errorf("relaycrypto: b*X produced all-zeros point")
	}

	secretInput := buildSecretInput(exp1, exp2, nodeID, B, X, Yarr)
	verify := ntorHMAC(secretInput, ntorTVerify)
	authInput := buildAuthInput(verify, nodeID, B, Yarr, X, "Server")
	auth := ntorHMAC(authInput, ntorTMac)

	copy(reply[0:32], Yarr[:])
	copy(reply[32:64], auth)

	km, err = deriveKeyMaterial(secretInput)
	clear(secretInput)
	clear(authInput)
	clear(y[:])
	return reply, km, err
}

func buildSecretInput(exp1, exp2 []byte, nodeID [20]byte, B, X, Y [32]byte) []byte {
	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, nodeID[:]...)
	secretInput = append(secretInput, B[:]...)
	secretInput = append(secretInput, X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(ntorProtoID)...)
	return secretInput
}

func buildAuthInput(verify []byte, nodeID [20]byte, B, Y, X [32]byte, serverLabel string) []byte {
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, nodeID[:]...)
	authInput = append(authInput, B[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, X[:]...)
	authInput = append(authInput, []byte(ntorProtoID)...)
	authInput = append(authInput, []byte(serverLabel)...)
	return authInput
}

func deriveKeyMaterial(secretInput []byte) (*KeyMaterial, error) {
	kdf := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand))
	keys := make([]byte, 92)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("relaycrypto: HKDF key derivation: %w", err)
	}
	defer clear(keys)

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])
	return km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Package extorport implements the optional Ext-ORPort admission
// handshake: a SAFE-COOKIE-style mutual authentication
// exchange followed by a small command/length-prefixed record stream
// (USERADDR/TRANSPORT/DONE) before the connection is handed off as a
// real OR connection. Pluggable-transport proxies use it to hand
// already-deobfuscated traffic to the relay.
package extorport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"

	"github.com/torfoil/relaycore/pkg/security"
)

// CookieLen is the random-cookie portion's length; the on-disk cookie
// file is CookiePrefix plus this many bytes.
const CookieLen = 32

// CookiePrefix is written verbatim at the start of the cookie file.
const CookiePrefix = "! Extended ORPort Auth Cookie !\n"

// NonceLen is the length of both the client and server nonces.
const NonceLen = 32

// hashLen is the length of both authentication hashes (HMAC-SHA256).
const hashLen = sha256.Size

const (
	authTypeTerminator byte = 0
	authTypeSafeCookie byte = 1
)

var (
	serverToClientContext = []byte("ExtORPort authentication server-to-client hash")
	clientToServerContext = []byte("ExtORPort authentication client-to-server hash")
)

// RecordType identifies a post-authentication command/length-prefixed
// record.
type RecordType uint16

const (
	RecordDone      RecordType = 0x0000
	RecordUserAddr  RecordType = 0x0001
	RecordTransport RecordType = 0x0002
)

// transportNamePattern is the allowed charset for a TRANSPORT record's
// payload.
var transportNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// serverHash computes the server-to-client authentication hash.
func serverHash(cookie, clientNonce, serverNonce []byte) []byte {
	return hashWithContext(cookie, serverToClientContext, clientNonce, serverNonce)
}

// clientHash computes the client-to-server authentication hash.
func clientHash(cookie, clientNonce, serverNonce []byte) []byte {
	return hashWithContext(cookie, clientToServerContext, clientNonce, serverNonce)
}

func hashWithContext(cookie, context, clientNonce, serverNonce []byte) []byte {
	mac := hmac.New(sha256.New, cookie)
	mac.Write(context)
	mac.Write(clientNonce)
	mac.Write(serverNonce)
	return mac.Sum(nil)
}

// Record is one decoded command/length-prefixed record from the
// post-authentication stream.
type Record struct {
	Type    RecordType
	Payload []byte
}

// WriteRecord encodes and writes one record: 2-byte type, 2-byte length,
// payload.
func WriteRecord(w io.Writer, rec Record) error {
	payloadLen, err := security.SafeLenToUint16(rec.Payload)
	if err != nil {
		return fmt.Errorf("extorport: record payload: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(rec.Type))
	binary.BigEndian.PutUint16(header[2:4], payloadLen)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("extorport: writing record header: %w", err)
	}
	if len(rec.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(rec.Payload); err != nil {
		return fmt.Errorf("extorport: writing record payload: %w", err)
	}
	return nil
}

// ReadRecord decodes one record from r.
func ReadRecord(r io.Reader) (Record, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Record{}, fmt.Errorf("extorport: reading record header: %w", err)
	}
	rec := Record{
		Type: RecordType(binary.BigEndian.Uint16(header[0:2])),
	}
	length := binary.BigEndian.Uint16(header[2:4])
	if length > 0 {
		rec.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, rec.Payload); err != nil {
			return Record{}, fmt.Errorf("extorport: reading record payload: %w", err)
		}
	}
	return rec, nil
}

// ValidTransportName reports whether name satisfies the TRANSPORT
// record's charset constraint.
func ValidTransportName(name string) bool {
	return transportNamePattern.MatchString(name)
}

// ConstantTimeEqual compares two hashes without leaking timing
// information, matching the SAFE-COOKIE threat model (a timing oracle on
// the hash comparison would let an attacker forge authentication
// incrementally).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

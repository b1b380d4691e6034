package circuit

import (
	"encoding/binary"
	"fmt"

	"github.com/torfoil/relaycore/pkg/security"
)

// LinkSpecifier is one NSPEC entry of an EXTEND2 cell: how to reach the
// next hop. Type 0 is TLS-over-TCP/IPv4, type 1 is IPv6, type 2 is the
// legacy identity digest, type 3 the Ed25519 identity.
type LinkSpecifier struct {
	Type byte
	Data []byte
}

const (
	LinkSpecIPv4       byte = 0
	LinkSpecIPv6       byte = 1
	LinkSpecLegacyID   byte = 2
	LinkSpecEd25519ID  byte = 3
)

// Extend2Payload is the decoded body of a RELAY_EXTEND2 cell.
type Extend2Payload struct {
	LinkSpecifiers []LinkSpecifier
	HandshakeType  HandshakeType
	HandshakeData  []byte
}

// EncodeExtend2 builds the NSPEC [LSPECS] HTYPE HLEN HDATA body tor-spec.txt
// section 5.1.2 defines for RELAY_EXTEND2, supporting an arbitrary link
// specifier set.
func EncodeExtend2(p Extend2Payload) ([]byte, error) {
	if len(p.LinkSpecifiers) == 0 || len(p.LinkSpecifiers) > 255 {
		return nil, fmt.Errorf("circuit: extend2 needs 1-255 link specifiers, got %d", len(p.LinkSpecifiers))
	}

	out := make([]byte, 0, 8+len(p.HandshakeData))
	out = append(out, byte(len(p.LinkSpecifiers)))
	for _, ls := range p.LinkSpecifiers {
		if len(ls.Data) > 255 {
			return nil, fmt.Errorf("circuit: link specifier too long: %d", len(ls.Data))
		}
		out = append(out, ls.Type, byte(len(ls.Data)))
		out = append(out, ls.Data...)
	}
	htype := make([]byte, 2)
	binary.BigEndian.PutUint16(htype, uint16(p.HandshakeType))
	out = append(out, htype...)
	hdataLen, err := security.SafeLenToUint16(p.HandshakeData)
	if err != nil {
		return nil, fmt.Errorf("circuit: extend2 handshake data: %w", err)
	}
	hlen := make([]byte, 2)
	binary.BigEndian.PutUint16(hlen, hdataLen)
	out = append(out, hlen...)
	out = append(out, p.HandshakeData...)
	return out, nil
}

// DecodeExtend2 parses a RELAY_EXTEND2 body.
func DecodeExtend2(data []byte) (*Extend2Payload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("circuit: extend2 payload empty")
	}
	nspec := int(data[0])
	pos := 1
	specs := make([]LinkSpecifier, 0, nspec)
	for i := 0; i < nspec; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("circuit: extend2 link specifier %d truncated", i)
		}
		lsType := data[pos]
		lsLen := int(data[pos+1])
		pos += 2
		if pos+lsLen > len(data) {
			return nil, fmt.Errorf("circuit: extend2 link specifier %d data truncated", i)
		}
		specs = append(specs, LinkSpecifier{Type: lsType, Data: append([]byte(nil), data[pos:pos+lsLen]...)})
		pos += lsLen
	}
	if pos+4 > len(data) {
		return nil, fmt.Errorf("circuit: extend2 htype/hlen truncated")
	}
	htype := HandshakeType(binary.BigEndian.Uint16(data[pos : pos+2]))
	hlen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
	pos += 4
	if pos+hlen > len(data) {
		return nil, fmt.Errorf("circuit: extend2 handshake data truncated")
	}
	return &Extend2Payload{
		LinkSpecifiers: specs,
		HandshakeType:  htype,
		HandshakeData:  append([]byte(nil), data[pos:pos+hlen]...),
	}, nil
}

// EncodeCreate2 builds a CREATE2 cell payload: HTYPE(2) HLEN(2) HDATA.
func EncodeCreate2(htype HandshakeType, handshakeData []byte) ([]byte, error) {
	hdataLen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		return nil, fmt.Errorf("circuit: create2 handshake data: %w", err)
	}
	out := make([]byte, 4+len(handshakeData))
	binary.BigEndian.PutUint16(out[0:2], uint16(htype))
	binary.BigEndian.PutUint16(out[2:4], hdataLen)
	copy(out[4:], handshakeData)
	return out, nil
}

// DecodeCreate2 parses a CREATE2 cell payload.
func DecodeCreate2(payload []byte) (HandshakeType, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("circuit: create2 payload too short")
	}
	htype := HandshakeType(binary.BigEndian.Uint16(payload[0:2]))
	hlen := int(binary.BigEndian.Uint16(payload[2:4]))
	if len(payload) < 4+hlen {
		return 0, nil, fmt.Errorf("circuit: create2 payload truncated")
	}
	return htype, append([]byte(nil), payload[4:4+hlen]...), nil
}

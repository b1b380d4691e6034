package relaypipeline

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AnswerType is the one-byte type tag of a RESOLVED cell's answer tuples,
// tor-spec.txt section 6.4.
type AnswerType byte

const (
	AnswerTypeHostname          AnswerType = 0x00
	AnswerTypeIPv4              AnswerType = 0x04
	AnswerTypeIPv6              AnswerType = 0x06
	AnswerTypeErrorTransient    AnswerType = 0xF0
	AnswerTypeErrorNontransient AnswerType = 0xF1
)

// ResolvedAnswer is one (type, value, ttl) tuple of a RESOLVED cell body.
type ResolvedAnswer struct {
	Type  AnswerType
	Value []byte // raw address bytes, or hostname bytes for AnswerTypeHostname
	TTL   uint32
}

// EncodeResolved builds a RELAY_RESOLVED cell body from one or more
// answers, tor-spec.txt section 6.4: a sequence of Type(1) Length(1)
// Value(Length) TTL(4) tuples.
func EncodeResolved(answers []ResolvedAnswer) ([]byte, error) {
	var out []byte
	for _, a := range answers {
		if len(a.Value) > 255 {
			return nil, fmt.Errorf("relaypipeline: resolved answer value too long: %d", len(a.Value))
		}
		out = append(out, byte(a.Type), byte(len(a.Value)))
		out = append(out, a.Value...)
		var ttl [4]byte
		binary.BigEndian.PutUint32(ttl[:], a.TTL)
		out = append(out, ttl[:]...)
	}
	return out, nil
}

// DecodeResolved parses a RELAY_RESOLVED cell body into its answer tuples.
func DecodeResolved(data []byte) ([]ResolvedAnswer, error) {
	var out []ResolvedAnswer
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("relaypipeline: resolved answer header truncated")
		}
		typ := AnswerType(data[pos])
		length := int(data[pos+1])
		pos += 2
		if pos+length+4 > len(data) {
			return nil, fmt.Errorf("relaypipeline: resolved answer value/ttl truncated")
		}
		value := append([]byte(nil), data[pos:pos+length]...)
		pos += length
		ttl := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		out = append(out, ResolvedAnswer{Type: typ, Value: value, TTL: ttl})
	}
	return out, nil
}

// IPFromAnswer converts an A/AAAA answer's raw value into a net.IP, or nil
// for a hostname/error answer.
func IPFromAnswer(a ResolvedAnswer) net.IP {
	switch a.Type {
	case AnswerTypeIPv4, AnswerTypeIPv6:
		return net.IP(a.Value)
	default:
		return nil
	}
}

// EncodeConnected builds a RELAY_CONNECTED cell body, tor-spec.txt section
// 6.4: empty for BEGIN_DIR, a 4-byte IPv4 address + 4-byte TTL for an IPv4
// answer, or 4 zero bytes + type 6 + 16-byte IPv6 address + 4-byte TTL for
// an IPv6 answer.
func EncodeConnected(addr net.IP, ttl uint32) ([]byte, error) {
	if addr == nil {
		return nil, nil
	}
	var ttlBytes [4]byte
	binary.BigEndian.PutUint32(ttlBytes[:], ttl)

	if v4 := addr.To4(); v4 != nil {
		return append(append([]byte{}, v4...), ttlBytes[:]...), nil
	}
	v6 := addr.To16()
	if v6 == nil {
		return nil, fmt.Errorf("relaypipeline: connected address is neither IPv4 nor IPv6")
	}
	out := make([]byte, 0, 4+1+16+4)
	out = append(out, 0, 0, 0, 0, byte(AnswerTypeIPv6))
	out = append(out, v6...)
	out = append(out, ttlBytes[:]...)
	return out, nil
}

// DecodeConnected parses a RELAY_CONNECTED cell body.
func DecodeConnected(data []byte) (addr net.IP, ttl uint32, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if len(data) >= 5 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 0 && AnswerType(data[4]) == AnswerTypeIPv6 {
		if len(data) < 5+16+4 {
			return nil, 0, fmt.Errorf("relaypipeline: connected IPv6 body truncated")
		}
		addr = net.IP(append([]byte(nil), data[5:21]...))
		ttl = binary.BigEndian.Uint32(data[21:25])
		return addr, ttl, nil
	}
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("relaypipeline: connected IPv4 body truncated")
	}
	addr = net.IP(append([]byte(nil), data[0:4]...))
	ttl = binary.BigEndian.Uint32(data[4:8])
	return addr, ttl, nil
}

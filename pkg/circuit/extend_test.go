package circuit

import (
	"bytes"
	"testing"
)

func TestExtend2RoundTrip(t *testing.T) {
	p := Extend2Payload{
		LinkSpecifiers: []LinkSpecifier{
			{Type: LinkSpecIPv4, Data: []byte{127, 0, 0, 1, 0x23, 0x51}},
			{Type: LinkSpecLegacyID, Data: bytes.Repeat([]byte{0xAB}, 20)},
		},
		HandshakeType: HandshakeTypeNtor,
		HandshakeData: []byte("ntor-handshake-bytes"),
	}

	encoded, err := EncodeExtend2(p)
	if err != nil {
		t.Fatalf("EncodeExtend2 failed: %v", err)
	}

	decoded, err := DecodeExtend2(encoded)
	if err != nil {
		t.Fatalf("DecodeExtend2 failed: %v", err)
	}

	if len(decoded.LinkSpecifiers) != 2 {
		t.Fatalf("expected 2 link specifiers, got %d", len(decoded.LinkSpecifiers))
	}
	if decoded.LinkSpecifiers[0].Type != LinkSpecIPv4 {
		t.Errorf("expected first link specifier type IPv4, got %d", decoded.LinkSpecifiers[0].Type)
	}
	if !bytes.Equal(decoded.LinkSpecifiers[1].Data, p.LinkSpecifiers[1].Data) {
		t.Error("legacy id link specifier data mismatch")
	}
	if decoded.HandshakeType != HandshakeTypeNtor {
		t.Errorf("expected HandshakeTypeNtor, got %d", decoded.HandshakeType)
	}
	if !bytes.Equal(decoded.HandshakeData, p.HandshakeData) {
		t.Error("handshake data mismatch")
	}
}

func TestExtend2RejectsEmptyLinkSpecifiers(t *testing.T) {
	_, err := EncodeExtend2(Extend2Payload{HandshakeType: HandshakeTypeNtor})
	if err == nil {
		t.Error("expected error encoding extend2 with no link specifiers")
	}
}

func TestExtend2DecodeTruncated(t *testing.T) {
	if _, err := DecodeExtend2(nil); err == nil {
		t.Error("expected error decoding empty extend2 payload")
	}
	if _, err := DecodeExtend2([]byte{2, 0}); err == nil {
		t.Error("expected error decoding extend2 with truncated link specifier")
	}
}

func TestCreate2RoundTrip(t *testing.T) {
	encoded, err := EncodeCreate2(HandshakeTypeNtor, []byte("client-pk-and-auth"))
	if err != nil {
		t.Fatalf("EncodeCreate2 failed: %v", err)
	}
	htype, data, err := DecodeCreate2(encoded)
	if err != nil {
		t.Fatalf("DecodeCreate2 failed: %v", err)
	}
	if htype != HandshakeTypeNtor {
		t.Errorf("expected HandshakeTypeNtor, got %d", htype)
	}
	if string(data) != "client-pk-and-auth" {
		t.Errorf("expected handshake data round trip, got %q", data)
	}
}

func TestCreate2DecodeTruncated(t *testing.T) {
	if _, _, err := DecodeCreate2([]byte{0, 2}); err == nil {
		t.Error("expected error decoding truncated create2 payload")
	}
}

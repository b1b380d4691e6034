package circuit

import (
	"testing"

	"github.com/torfoil/relaycore/pkg/cell"
)

func TestCreateValidationAcceptsWellFormedNtorCreate(t *testing.T) {
	v := CreateValidation{}
	// A responder (weAreResponder=true) accepts a circ_id whose high bit is
	// clear, per cell.ValidateCircID's convention.
	reason, err := v.Validate(1, true, HandshakeTypeNtor)
	if err != nil || reason != nil {
		t.Fatalf("expected acceptance, got reason=%v err=%v", reason, err)
	}
}

func TestCreateValidationRejectsBadCircID(t *testing.T) {
	v := CreateValidation{}
	reason, err := v.Validate(0, true, HandshakeTypeNtor)
	if err == nil {
		t.Fatal("expected error for reserved circ_id 0")
	}
	if reason != nil {
		t.Errorf("expected no DESTROY reason for a bad circ_id, got %v", *reason)
	}
}

func TestCreateValidationRejectsOutboundChannel(t *testing.T) {
	v := CreateValidation{WeInitiatedChannel: true}
	reason, err := v.Validate(1, true, HandshakeTypeNtor)
	if err != ErrOutboundCreate {
		t.Fatalf("expected ErrOutboundCreate, got %v", err)
	}
	if reason == nil || *reason != cell.ReasonProtocol {
		t.Errorf("expected ReasonProtocol, got %v", reason)
	}
}

func TestCreateValidationRejectsHibernating(t *testing.T) {
	v := CreateValidation{Hibernating: true}
	reason, err := v.Validate(1, true, HandshakeTypeNtor)
	if err != ErrChannelHibernating {
		t.Fatalf("expected ErrChannelHibernating, got %v", err)
	}
	if reason == nil || *reason != cell.ReasonHibernating {
		t.Errorf("expected ReasonHibernating, got %v", reason)
	}
}

func TestCreateValidationRejectsDoSThreshold(t *testing.T) {
	v := CreateValidation{OverDoSThreshold: true}
	reason, err := v.Validate(1, true, HandshakeTypeNtor)
	if err != ErrDoSThreshold {
		t.Fatalf("expected ErrDoSThreshold, got %v", err)
	}
	if reason == nil || *reason != cell.ReasonResourceLimit {
		t.Errorf("expected ReasonResourceLimit, got %v", reason)
	}
}

func TestCreateValidationRejectsTAP(t *testing.T) {
	v := CreateValidation{}
	reason, err := v.Validate(1, true, HandshakeTypeTAP)
	if err != ErrTAPRefused {
		t.Fatalf("expected ErrTAPRefused, got %v", err)
	}
	if reason == nil || *reason != cell.ReasonProtocol {
		t.Errorf("expected ReasonProtocol, got %v", reason)
	}
}

func TestCreateValidationOrderOfChecks(t *testing.T) {
	// Hibernating and DoS-threshold should both be checked before the
	// TAP-handshake refusal, in precedence order: a hibernating
	// relay refuses before it even looks at the handshake type.
	v := CreateValidation{Hibernating: true, OverDoSThreshold: true}
	_, err := v.Validate(1, true, HandshakeTypeTAP)
	if err != ErrChannelHibernating {
		t.Errorf("expected hibernating check to win, got %v", err)
	}
}

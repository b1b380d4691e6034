// Package sendme implements SENDME flow control: circuit- and
// stream-level package/deliver windows, version negotiation,
// authenticated tag capture and validation, and the
// randomness-for-unpredictability policy backing v1 SENDMEs.
package sendme

import "fmt"

// Default window sizes and increments, consensus-tunable.
const (
	CircWindowStart     = 1000
	CircWindowIncrement = 100
	CircWindowStartMax  = 1000

	StreamWindowStart     = 500
	StreamWindowIncrement = 50
)

// Window tracks one direction's package/deliver credit for either a
// circuit or a stream. Package window decreases as we send DATA and is
// refilled by incoming SENDMEs; the deliver window decreases as we
// receive DATA and never refills on its own — we emit a SENDME instead.
type Window struct {
	start     int
	increment int
	startMax  int

	packageWindow int
	deliverWindow int
}

// NewWindow creates a window starting full in both directions.
func NewWindow(start, increment, startMax int) *Window {
	return &Window{
		start:         start,
		increment:     increment,
		startMax:      startMax,
		packageWindow: start,
		deliverWindow: start,
	}
}

// NewCircuitWindow creates a window with the default circuit-level
// sizing.
func NewCircuitWindow() *Window {
	return NewWindow(CircWindowStart, CircWindowIncrement, CircWindowStartMax)
}

// NewStreamWindow creates a window with the default stream-level
// sizing. Stream windows have no configured upper bound beyond their
// start size.
func NewStreamWindow() *Window {
	return NewWindow(StreamWindowStart, StreamWindowIncrement, StreamWindowStart)
}

// ErrWindowUnderflow is returned when a received DATA cell would drive the
// deliver window negative; the caller tears the circuit or stream down.
var ErrWindowUnderflow = fmt.Errorf("sendme: deliver window underflow")

// ErrWindowOverflow is returned when an incoming SENDME would push the
// package window above startMax, marking a misbehaving peer.
var ErrWindowOverflow = fmt.Errorf("sendme: package window would exceed startMax")

// PackageWindow returns the remaining send credit.
func (w *Window) PackageWindow() int { return w.packageWindow }

// DeliverWindow returns the remaining receive credit.
func (w *Window) DeliverWindow() int { return w.deliverWindow }

// CanPackage reports whether a DATA cell may be sent without first
// receiving a SENDME.
func (w *Window) CanPackage() bool { return w.packageWindow > 0 }

// Package decrements the package window for one sent DATA cell. Returns an error if the window was already exhausted; callers must
// check CanPackage before sending.
func (w *Window) Package() error {
	if w.packageWindow <= 0 {
		return fmt.Errorf("sendme: package window exhausted")
	}
	w.packageWindow--
	return nil
}

// Deliver decrements the deliver window for one received DATA cell,
// returning ErrWindowUnderflow if it would go negative.
func (w *Window) Deliver() error {
	w.deliverWindow--
	if w.deliverWindow < 0 {
		return ErrWindowUnderflow
	}
	return nil
}

// ShouldSendSendme reports whether enough cells have been delivered to
// justify sending a SENDME, and if so resets the deliver window's credit
// by one increment. Call this after each successful Deliver.
func (w *Window) ShouldSendSendme() bool {
	if w.deliverWindow <= w.start-w.increment {
		w.deliverWindow += w.increment
		return true
	}
	return false
}

// ApplySendme credits the package window by one increment on receipt of a
// valid SENDME, bounded above by startMax.
func (w *Window) ApplySendme() error {
	if w.packageWindow+w.increment > w.startMax {
		return ErrWindowOverflow
	}
	w.packageWindow += w.increment
	return nil
}

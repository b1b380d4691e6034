package circuit

// CongestionController is the narrow dispatch interface for the
// congestion-control algorithm variants this core does not itself
// implement. When a Hop or circuit carries one, SENDME
// processing dispatches through it instead of the fixed circuit/stream
// windows in pkg/sendme; when none is attached (the common case for this
// core), the fixed-window path in pkg/sendme is used directly.
type CongestionController interface {
	// OnDataSent records one RELAY_DATA cell queued outward.
	OnDataSent()
	// OnDataReceived records one RELAY_DATA cell delivered inward and
	// reports whether the algorithm wants a SENDME emitted now.
	OnDataReceived() (shouldSendSendme bool)
	// OnSendmeReceived folds a validated incoming SENDME into the
	// algorithm's credit state.
	OnSendmeReceived() error
	// CanPackage reports whether a DATA cell may be sent without first
	// receiving more credit.
	CanPackage() bool
}

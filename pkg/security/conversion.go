// Package security provides the safe numeric conversions protocol
// encoders use for wire length fields, where a silent overflow would
// corrupt framing rather than fail loudly.
package security

import (
	"fmt"
	"math"
	"time"
)

// SafeIntToUint16 converts an int to uint16, failing on negative values
// and on overflow instead of truncating.
func SafeIntToUint16(val int) (uint16, error) {
	if val < 0 {
		return 0, fmt.Errorf("value out of uint16 range (negative): %d", val)
	}
	if val > math.MaxUint16 {
		return 0, fmt.Errorf("value out of uint16 range: %d (max: %d)", val, math.MaxUint16)
	}
	return uint16(val), nil
}

// SafeLenToUint16 converts a slice length to uint16, the common case for
// 2-byte protocol length fields.
func SafeLenToUint16(data []byte) (uint16, error) {
	return SafeIntToUint16(len(data))
}

// SafeIntToUint64 converts an int to uint64, failing on negative values.
func SafeIntToUint64(val int) (uint64, error) {
	if val < 0 {
		return 0, fmt.Errorf("negative value: %d", val)
	}
	return uint64(val), nil
}

// SafeUnixToUint32 converts a Unix timestamp to the 4-byte seconds field
// some cell payloads carry. Fails for times before the epoch or past the
// uint32 horizon (year 2106).
func SafeUnixToUint32(t time.Time) (uint32, error) {
	unix := t.Unix()
	if unix < 0 {
		return 0, fmt.Errorf("negative timestamp: %d", unix)
	}
	if unix > math.MaxUint32 {
		return 0, fmt.Errorf("timestamp exceeds uint32 range: %d", unix)
	}
	return uint32(unix), nil
}

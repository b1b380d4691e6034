package cell

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayCell(t *testing.T) {
	data := []byte("test data")
	rc := NewRelayCell(42, RelayBegin, data)

	assert.Equal(t, uint16(42), rc.StreamID)
	assert.Equal(t, RelayBegin, rc.Command)
	assert.Equal(t, uint16(len(data)), rc.Length)
	assert.Equal(t, data, rc.Data)
	assert.Zero(t, rc.Recognized)
	assert.Equal(t, [4]byte{}, rc.Digest)
}

func TestRelayCellEncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		streamID uint16
		cmd      byte
		data     []byte
	}{
		{"empty data", 1, RelayBegin, []byte{}},
		{"small data", 2, RelayData, []byte("hello")},
		{"larger data", 3, RelayEnd, bytes.Repeat([]byte("x"), 100)},
		{"full body", 4, RelayData, bytes.Repeat([]byte("y"), PayloadLen-RelayCellHeaderLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := NewRelayCell(tt.streamID, tt.cmd, tt.data)

			encoded, err := original.Encode()
			require.NoError(t, err)
			require.Len(t, encoded, PayloadLen)

			decoded, err := DecodeRelayCell(encoded)
			require.NoError(t, err)

			assert.Equal(t, original.Command, decoded.Command)
			assert.Equal(t, original.StreamID, decoded.StreamID)
			assert.Equal(t, original.Length, decoded.Length)
			assert.Equal(t, original.Data, decoded.Data)
		})
	}
}

func TestRelayCellEncodeTooLarge(t *testing.T) {
	tooLarge := make([]byte, PayloadLen-RelayCellHeaderLen+1)
	_, err := NewRelayCell(1, RelayData, tooLarge).Encode()
	require.Error(t, err)
}

func TestDecodeRelayCellTooShort(t *testing.T) {
	_, err := DecodeRelayCell(make([]byte, RelayCellHeaderLen-1))
	require.Error(t, err)
}

func TestDecodeRelayCellInvalidLength(t *testing.T) {
	payload := make([]byte, PayloadLen)
	// Length field claims more body than the payload can hold.
	payload[9] = 0xFF
	payload[10] = 0xFF
	_, err := DecodeRelayCell(payload)
	require.Error(t, err)
}

func TestRelayCmdString(t *testing.T) {
	assert.Equal(t, "RELAY_BEGIN", RelayCmdString(RelayBegin))
	assert.Equal(t, "RELAY_DATA", RelayCmdString(RelayData))
	assert.Equal(t, "RELAY_END", RelayCmdString(RelayEnd))
	assert.Equal(t, "RELAY_CONNECTED", RelayCmdString(RelayConnected))
	assert.Equal(t, "RELAY_RESOLVE", RelayCmdString(RelayResolve))
	assert.Equal(t, "RELAY_RESOLVED", RelayCmdString(RelayResolved))
	assert.Equal(t, "RELAY_BEGIN_DIR", RelayCmdString(RelayBeginDir))
	assert.Equal(t, "RELAY_EXTEND2", RelayCmdString(RelayExtend2))
	assert.Equal(t, "RELAY_EXTENDED2", RelayCmdString(RelayExtended2))
	assert.Equal(t, "RELAY_UNKNOWN(255)", RelayCmdString(255))
}

func TestEndReasonRetriable(t *testing.T) {
	for _, r := range []EndReason{EndHibernating, EndResourceLimit, EndExitPolicy, EndResolveFailed, EndMisc, EndNoRoute} {
		assert.True(t, r.Retriable(), r.String())
	}
	for _, r := range []EndReason{EndDone, EndTimeout, EndTorProtocol, EndDestroy} {
		assert.False(t, r.Retriable(), r.String())
	}
}

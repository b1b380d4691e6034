package security

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeIntToUint16(t *testing.T) {
	got, err := SafeIntToUint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), got)

	got, err = SafeIntToUint16(math.MaxUint16)
	require.NoError(t, err)
	assert.Equal(t, uint16(math.MaxUint16), got)

	_, err = SafeIntToUint16(-1)
	require.Error(t, err)

	_, err = SafeIntToUint16(math.MaxUint16 + 1)
	require.Error(t, err)
}

func TestSafeLenToUint16(t *testing.T) {
	got, err := SafeLenToUint16(make([]byte, 509))
	require.NoError(t, err)
	assert.Equal(t, uint16(509), got)

	_, err = SafeLenToUint16(make([]byte, math.MaxUint16+1))
	require.Error(t, err)
}

func TestSafeIntToUint64(t *testing.T) {
	got, err := SafeIntToUint64(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)

	_, err = SafeIntToUint64(-42)
	require.Error(t, err)
}

func TestSafeUnixToUint32(t *testing.T) {
	got, err := SafeUnixToUint32(time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), got)

	_, err = SafeUnixToUint32(time.Unix(-1, 0))
	require.Error(t, err)

	_, err = SafeUnixToUint32(time.Unix(math.MaxUint32+1, 0))
	require.Error(t, err)
}

package sendme

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomnessPolicyFiresWithinEpoch(t *testing.T) {
	p := NewRandomnessPolicy(10)

	fired := false
	for i := 0; i < 10; i++ {
		if p.ShouldRandomize(0, 498) {
			fired = true
			break
		}
	}
	require.True(t, fired, "policy must fire at least once per epoch")
	require.True(t, p.HaveSentRandomCell())
}

func TestRandomnessPolicyDefersWhenBodyTooLong(t *testing.T) {
	p := NewRandomnessPolicy(1)

	// increment 1 means every cell is due, but a full body leaves no room.
	require.False(t, p.ShouldRandomize(498, 498))
	require.False(t, p.HaveSentRandomCell())

	// The debt stays outstanding until a short-enough cell comes along.
	require.True(t, p.ShouldRandomize(100, 498))
	require.True(t, p.HaveSentRandomCell())
}

func TestRandomnessPolicyResamplesAfterFiring(t *testing.T) {
	p := NewRandomnessPolicy(1)
	for i := 0; i < 5; i++ {
		require.True(t, p.ShouldRandomize(0, 498), "increment 1 fires every cell")
	}
}

func TestMaxBody(t *testing.T) {
	require.Equal(t, 498-PaddingGap-RandomTailLen, MaxBody(498))
}

func TestPadForUnpredictability(t *testing.T) {
	payload := make([]byte, 498)
	bodyEnd := 100
	require.NoError(t, PadForUnpredictability(payload, bodyEnd))

	// Gap and everything before the tail stays zero.
	gapAndFill := payload[bodyEnd : len(payload)-RandomTailLen]
	require.Equal(t, make([]byte, len(gapAndFill)), gapAndFill)

	// The tail is overwhelmingly unlikely to be all zeros.
	tail := payload[len(payload)-RandomTailLen:]
	require.False(t, bytes.Equal(tail, make([]byte, RandomTailLen)))
}

func TestPadForUnpredictabilityRejectsOversizedBody(t *testing.T) {
	payload := make([]byte, 498)
	err := PadForUnpredictability(payload, 498-RandomTailLen)
	require.Error(t, err)
}

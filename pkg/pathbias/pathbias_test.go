package pathbias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countedShape() CircuitShape {
	return CircuitShape{HopCount: 3}
}

func TestCircuitShapeCounts(t *testing.T) {
	assert.True(t, countedShape().Counts())
	assert.False(t, CircuitShape{HopCount: 1}.Counts())
	assert.False(t, CircuitShape{HopCount: 3, IsTest: true}.Counts())
	assert.False(t, CircuitShape{HopCount: 3, IsRendezvous: true}.Counts())
	assert.False(t, CircuitShape{HopCount: 3, IsMultipath: true}.Counts())
}

func TestRecordAttemptRequiresLastHopAwaitingKeys(t *testing.T) {
	g := NewGuard("guardA")
	g.RecordAttempt(countedShape(), true, false)
	assert.Equal(t, 0.0, g.Counters.CircAttempts)

	g.RecordAttempt(countedShape(), true, true)
	assert.Equal(t, 1.0, g.Counters.CircAttempts)
}

func TestRecordCloseUsedSucceeded(t *testing.T) {
	g := NewGuard("guardA")
	g.RecordAttempt(countedShape(), true, true)
	g.RecordClose(countedShape(), OutcomeUsedSucceeded)
	assert.Equal(t, 1.0, g.Counters.CircSuccesses)
	assert.Equal(t, 1.0, g.Counters.SuccessfulCircuitsClosed)
	assert.Equal(t, 1.0, g.Counters.UseSuccesses)
}

func TestRecordCloseCollapsed(t *testing.T) {
	g := NewGuard("guardA")
	g.RecordClose(countedShape(), OutcomeCollapsedUnused)
	assert.Equal(t, 1.0, g.Counters.CollapsedCircuits)
}

func TestProbeResultFoldsIntoUseCounters(t *testing.T) {
	g := NewGuard("guardA")
	g.RecordProbeResult(true)
	assert.Equal(t, 1.0, g.Counters.UseSuccesses)

	g2 := NewGuard("guardB")
	g2.RecordProbeResult(false)
	assert.Equal(t, 1.0, g2.Counters.Timeouts)
}

func TestScaleAppliesOnlyAboveThreshold(t *testing.T) {
	g := NewGuard("guardA")
	g.Counters.CircAttempts = 10
	g.Counters.CircSuccesses = 10
	g.Scale(DefaultScaleRatio, DefaultCircAttemptsScaleAt, DefaultUseAttemptsScaleAt)
	assert.Equal(t, 10.0, g.Counters.CircAttempts, "below threshold, should not scale")

	g.Counters.CircAttempts = 301
	g.Counters.CircSuccesses = 301
	g.Scale(DefaultScaleRatio, DefaultCircAttemptsScaleAt, DefaultUseAttemptsScaleAt)
	assert.Equal(t, 150.5, g.Counters.CircAttempts)
	assert.Equal(t, 150.5, g.Counters.CircSuccesses)
}

func TestCloseLevelThresholds(t *testing.T) {
	g := NewGuard("guardA")
	g.Counters.CircAttempts = 100
	g.Counters.CircSuccesses = 80
	assert.Equal(t, LevelOK, g.CloseLevel())

	g.Counters.CircSuccesses = 65
	assert.Equal(t, LevelNotice, g.CloseLevel())

	g.Counters.CircSuccesses = 40
	assert.Equal(t, LevelWarn, g.CloseLevel())

	g.Counters.CircSuccesses = 20
	assert.Equal(t, LevelExtreme, g.CloseLevel())
}

func TestUntestedGuardHasPerfectRates(t *testing.T) {
	g := NewGuard("fresh")
	assert.Equal(t, 1.0, g.CloseRate())
	assert.Equal(t, 1.0, g.UseRate())
	assert.Equal(t, LevelOK, g.CloseLevel())
}

func TestShouldDropRequiresExtremeAndFlag(t *testing.T) {
	g := NewGuard("guardA")
	g.Counters.CircAttempts = 100
	g.Counters.CircSuccesses = 10

	assert.False(t, g.ShouldDrop(false))
	require.True(t, g.ShouldDrop(true))
	// Once dropped, stays dropped even if later reads look healthier.
	g.Counters.CircSuccesses = 100
	assert.True(t, g.ShouldDrop(true))
}

func TestProbeTargetVerifyEcho(t *testing.T) {
	p, err := NewProbe()
	require.NoError(t, err)
	assert.True(t, p.VerifyEcho(p.Address))
	assert.False(t, p.VerifyEcho("0.0.0.0"))
}

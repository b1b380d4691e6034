package oom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	name string
	used uint64
}

func (f *fakeCache) Name() string       { return f.name }
func (f *fakeCache) MemoryUsed() uint64 { return f.used }
func (f *fakeCache) TrimTo(target uint64) uint64 {
	if f.used <= target {
		return 0
	}
	freed := f.used - target
	f.used = target
	return freed
}

type fakeShedder struct {
	queued uint64
	shed   uint64
}

func (f *fakeShedder) QueuedBytes() uint64 { return f.queued }
func (f *fakeShedder) ShedOldestQueues(target uint64) uint64 {
	freed := target
	if freed > f.queued {
		freed = f.queued
	}
	f.queued -= freed
	f.shed += freed
	return freed
}

func TestCheckNoopUnderBudget(t *testing.T) {
	h := NewHandler(1000, 0, nil, nil)
	h.Register(&fakeCache{name: "dns", used: 100})
	require.Zero(t, h.Check())
}

func TestOversizedCachesTrimmedToTenPercent(t *testing.T) {
	dns := &fakeCache{name: "dns", used: 400}   // 40% of budget: trimmed
	hs := &fakeCache{name: "hsdesc", used: 100} // 10%: left alone
	sh := &fakeShedder{queued: 500}

	h := NewHandler(1000, 0, sh, nil)
	h.Register(hs)
	h.Register(dns)

	freed := h.Check()
	require.NotZero(t, freed)
	require.Equal(t, uint64(100), dns.used, "trimmed to budget/10")
	require.Equal(t, uint64(100), hs.used, "under the 20% mark, untouched")
}

func TestCircuitSheddingCoversRemainingExcess(t *testing.T) {
	sh := &fakeShedder{queued: 2000}
	h := NewHandler(1000, 750, sh, nil)

	freed := h.Check()
	// Total 2000, nothing trimmable, so shedding must bring use to the
	// low threshold.
	require.Equal(t, uint64(2000-750), freed)
	require.Equal(t, uint64(750), sh.queued)
}

func TestTotalUsedSumsCachesAndQueues(t *testing.T) {
	sh := &fakeShedder{queued: 50}
	h := NewHandler(1000, 0, sh, nil)
	h.Register(&fakeCache{name: "dns", used: 30})
	require.Equal(t, uint64(80), h.TotalUsed())
}

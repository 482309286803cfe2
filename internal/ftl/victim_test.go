package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wooks1998/simplessd/internal/config"
	"github.com/wooks1998/simplessd/internal/types"
)

// fillVictimCandidates writes LPNs 0..255 (filling blocks 0..3) and then
// rewrites LPNs 0..31, leaving block 0 with 32 valid pages and blocks 1..3
// fully valid. Block 4 stays open and must never be a victim.
func fillVictimCandidates(t *testing.T, pm *PageMapping) {
	t.Helper()

	var tick uint64
	for lpn := uint64(0); lpn < 256; lpn++ {
		hostWrite(t, pm, lpn, &tick)
	}
	for lpn := uint64(0); lpn < 32; lpn++ {
		hostWrite(t, pm, lpn, &tick)
	}

	// The fill itself exhausted open blocks; drop the latch so each test
	// controls it explicitly.
	pm.bReclaimMore = false
}

func TestGreedyVictimOrdering(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.GCMode = types.GCModeFixed
		cfg.FTL.GCReclaimBlocks = 2
	})
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	var tick uint64
	list, err := pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, uint32(0), list[0], "the emptiest full block wins under greedy")
	assert.NotContains(t, list, uint32(4), "open blocks are never victims")
}

func TestVictimWeightExcludesOpenBlocks(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	weight, err := pm.calculateVictimWeight(types.EvictGreedy, 0)
	require.NoError(t, err)

	assert.Len(t, weight, 4, "only full blocks are candidates")
	for _, w := range weight {
		assert.NotEqual(t, uint32(4), w.index)
	}
}

func TestCostBenefitFavorsColdSparseBlocks(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	now := uint64(1 << 40)
	weight, err := pm.calculateVictimWeight(types.EvictCostBenefit, now)
	require.NoError(t, err)
	require.Len(t, weight, 4)

	byIndex := make(map[uint32]float64, len(weight))
	for _, w := range weight {
		byIndex[w.index] = w.weight
	}

	assert.Less(t, byIndex[0], byIndex[1],
		"the sparse block must weigh less than a fully valid one")
}

func TestRandomVictimHonorsExceptList(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.GCMode = types.GCModeFixed
		cfg.FTL.GCReclaimBlocks = 2
		cfg.FTL.EvictPolicy = types.EvictRandom
	})
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	for i := 0; i < 20; i++ {
		var tick uint64
		list, err := pm.selectVictimBlock(&tick, []uint32{0, 1})
		require.NoError(t, err)

		require.Len(t, list, 2)
		assert.NotContains(t, list, uint32(0))
		assert.NotContains(t, list, uint32(1))

		seen := make(map[uint32]struct{})
		for _, idx := range list {
			_, dup := seen[idx]
			assert.False(t, dup, "victims must be distinct")
			seen[idx] = struct{}{}
		}
	}
}

func TestDChoiceSamplesAndSorts(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.GCMode = types.GCModeFixed
		cfg.FTL.GCReclaimBlocks = 1
		cfg.FTL.EvictPolicy = types.EvictDChoice
		cfg.FTL.DChoiceParam = 4
	})
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	// d * nBlocks = 4 candidates out of 4 full blocks: the sample covers
	// every candidate, so sorting must surface the emptiest block.
	var tick uint64
	list, err := pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)

	require.Len(t, list, 1)
	assert.Equal(t, uint32(0), list[0])
}

func TestThresholdModeReclaimCount(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.GCMode = types.GCModeThreshold
		cfg.FTL.GCReclaimThreshold = 0.8
	})
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	// Target 0.8*16 = 12.8, truncated to 12 free blocks; 11 free now: one
	// block to reclaim.
	require.Equal(t, uint32(11), pm.nFreeBlocks)

	var tick uint64
	list, err := pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReclaimMoreLatchIsConsumed(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.GCMode = types.GCModeFixed
		cfg.FTL.GCReclaimBlocks = 1
	})
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	pm.bReclaimMore = true

	var tick uint64
	list, err := pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)

	assert.Len(t, list, 2, "the latch adds one stripe worth of victims")
	assert.False(t, pm.bReclaimMore, "the latch is one-shot")

	list, err = pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSelectVictimAdvancesTick(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())
	fillVictimCandidates(t, pm)

	tick := uint64(100)
	_, err := pm.selectVictimBlock(&tick, nil)
	require.NoError(t, err)
	assert.Greater(t, tick, uint64(100))
}

package ftl

import (
	"fmt"
	"sort"

	"github.com/wooks1998/simplessd/internal/types"
)

type blockWeight struct {
	index  uint32
	weight float64
}

// calculateVictimWeight weighs every full block under the eviction policy.
// Blocks still accepting writes are never victims.
func (pm *PageMapping) calculateVictimWeight(policy types.EvictPolicy, tick uint64) ([]blockWeight, error) {
	weight := make([]blockWeight, 0, len(pm.blocks))

	switch policy {
	case types.EvictGreedy, types.EvictRandom, types.EvictDChoice:
		for index, block := range pm.blocks {
			if block.NextWritePageIndexMax() != pm.param.PagesInBlock {
				continue
			}
			weight = append(weight, blockWeight{
				index:  index,
				weight: float64(block.ValidPageCountRaw()),
			})
		}

	case types.EvictCostBenefit:
		for index, block := range pm.blocks {
			if block.NextWritePageIndexMax() != pm.param.PagesInBlock {
				continue
			}
			u := float64(block.ValidPageCountRaw()) / float64(pm.param.PagesInBlock)
			age := float64(tick - block.LastAccessedTime())
			weight = append(weight, blockWeight{
				index:  index,
				weight: u / ((1 - u) * age),
			})
		}

	default:
		return nil, fmt.Errorf("ftl: invalid evict policy %d", policy)
	}

	return weight, nil
}

// selectVictimBlock returns the blocks a reclaim pass should erase, ordered
// best victim first. exceptList removes blocks from the sampled candidates
// of the Random and D-Choice policies; Greedy and Cost-Benefit rank every
// full block and do not consult it.
func (pm *PageMapping) selectVictimBlock(tick *uint64, exceptList []uint32) ([]uint32, error) {
	policy := pm.cfg.FTL.EvictPolicy
	nBlocks := pm.cfg.FTL.GCReclaimBlocks

	switch pm.cfg.FTL.GCMode {
	case types.GCModeFixed:
		// nBlocks stays as configured.
	case types.GCModeThreshold:
		target := uint64(float64(pm.param.TotalPhysicalBlocks) * pm.cfg.FTL.GCReclaimThreshold)
		if target > uint64(pm.nFreeBlocks) {
			nBlocks = target - uint64(pm.nFreeBlocks)
		} else {
			nBlocks = 0
		}
	default:
		return nil, fmt.Errorf("ftl: invalid gc mode %d", pm.cfg.FTL.GCMode)
	}

	// One extra stripe when the allocator exhausted an open block since the
	// last pass. The latch is consumed here regardless of which GC path
	// asked for victims.
	if pm.bReclaimMore {
		nBlocks += uint64(pm.param.PageCountToMaxPerf)
		pm.bReclaimMore = false
	}

	weight, err := pm.calculateVictimWeight(policy, *tick)
	if err != nil {
		return nil, err
	}

	if policy == types.EvictRandom || policy == types.EvictDChoice {
		randomRange := nBlocks
		if policy == types.EvictDChoice {
			randomRange = pm.cfg.FTL.DChoiceParam * nBlocks
		}

		excluded := make(map[uint32]struct{}, len(exceptList))
		for _, idx := range exceptList {
			excluded[idx] = struct{}{}
		}

		candidates := make([]blockWeight, 0, len(weight))
		for _, w := range weight {
			if _, ok := excluded[w.index]; !ok {
				candidates = append(candidates, w)
			}
		}

		if randomRange > uint64(len(candidates)) {
			randomRange = uint64(len(candidates))
		}

		selected := make([]blockWeight, 0, randomRange)
		for uint64(len(selected)) < randomRange {
			i := pm.rng.Intn(len(candidates))
			selected = append(selected, candidates[i])
			candidates = append(candidates[:i], candidates[i+1:]...)
		}

		weight = selected
	}

	sort.SliceStable(weight, func(i, j int) bool {
		return weight[i].weight < weight[j].weight
	})

	if nBlocks > uint64(len(weight)) {
		nBlocks = uint64(len(weight))
	}

	list := make([]uint32, 0, nBlocks)
	for i := uint64(0); i < nBlocks; i++ {
		list = append(list, weight[i].index)
	}

	*tick += cpuLatencySelectVictim

	return list, nil
}

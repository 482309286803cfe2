package ftl

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/wooks1998/simplessd/internal/types"
)

// Sizing targets for the refresh filters when no explicit bit size is
// configured.
const (
	filterProjectedElements = 10000
	filterFalsePositiveRate = 1e-6
)

// FilterStat tracks how one retention-class filter performs during sweeps.
// False positives only inflate work; false negatives cannot occur.
type FilterStat struct {
	TruePositives  uint64
	FalsePositives uint64
	TrueNegatives  uint64
	Inserts        uint64
}

// refreshKey packs a (block, layer) pair into the Bloom filter key space.
func refreshKey(blockIndex, layer uint32) uint64 {
	return uint64(blockIndex)<<32 | uint64(layer)
}

func refreshKeyBytes(blockIndex, layer uint32) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], refreshKey(blockIndex, layer))
	return buf[:]
}

func newRefreshFilter(filterSize uint32) *bloom.BloomFilter {
	if filterSize == 0 {
		return bloom.NewWithEstimates(filterProjectedElements, filterFalsePositiveRate)
	}
	// Fixed bit budget: derive the hash count that is optimal for the
	// projected element count.
	k := uint(math.Round(float64(filterSize) / filterProjectedElements * math.Ln2))
	if k == 0 {
		k = 1
	}
	return bloom.New(uint(filterSize), k)
}

// setupRefresh builds the retention-class filter bank and schedules the
// periodic sweep. Refresh is disabled entirely when the period is zero.
func (pm *PageMapping) setupRefresh() {
	pm.stat.RefreshCallCount = 1

	if pm.cfg.Refresh.Period == 0 {
		return
	}

	num := pm.cfg.Refresh.FilterNum
	pm.bloomFilters = make([]*bloom.BloomFilter, 0, num)
	pm.filterStats = make([]FilterStat, num)
	for i := uint32(0); i < num; i++ {
		pm.bloomFilters = append(pm.bloomFilters, newRefreshFilter(pm.cfg.Refresh.FilterSize))
	}

	pm.refreshPeriod = pm.cfg.Refresh.Period * nsPerSecond

	pm.refreshEvent = pm.eng.AllocateEvent(func(tick uint64) {
		pm.refreshTick(tick)
		pm.eng.ScheduleEvent(pm.refreshEvent, tick+pm.refreshPeriod)
	})
	pm.eng.ScheduleEvent(pm.refreshEvent, pm.refreshPeriod)

	pm.log.Debug("refresh configured",
		slog.Uint64("filters", uint64(num)),
		slog.Uint64("period_ns", pm.refreshPeriod))
}

// classifyWrite predicts the written layer's RBER at each geometrically
// spaced refresh horizon and, for i from N-1 down to 1, inserts it into
// filter i-1 when the prediction at refreshPeriod*2^(i-1) exceeds the ECC
// threshold. The longest-horizon filter holds every written layer.
func (pm *PageMapping) classifyWrite(blockIndex, layer, eraseCount uint32) {
	n := uint32(len(pm.bloomFilters))
	if n == 0 {
		return
	}

	pm.setRefreshPeriod(blockIndex, layer, n-1)

	for i := n - 1; i >= 1; i-- {
		horizon := pm.refreshPeriod << (i - 1)
		rber := pm.errModel.RBER(horizon, eraseCount, layer)
		if rber > pm.cfg.Refresh.ECCThreshold {
			pm.setRefreshPeriod(blockIndex, layer, i-1)
		}
	}
}

// setRefreshPeriod records the layer in retention class rtc. Every filter
// at index rtc and above learns the key, so longer-horizon sweeps always
// cover layers classified hotter; the refresh table keeps the smallest
// class ever assigned.
func (pm *PageMapping) setRefreshPeriod(blockIndex, layer, rtc uint32) {
	key := refreshKey(blockIndex, layer)

	entry, ok := pm.refreshTable[key]
	if !ok || entry > rtc {
		pm.refreshTable[key] = rtc
		pm.filterStats[rtc].Inserts++
	}

	keyBytes := refreshKeyBytes(blockIndex, layer)
	for i := rtc; i < uint32(len(pm.bloomFilters)); i++ {
		pm.bloomFilters[i].Add(keyBytes)
	}
}

// refreshTierForCount selects the filter tier due on the kth firing: the
// trailing-zero count of k, saturating at the deepest filter. Filter 0 is
// probed on odd firings, filter 1 on every fourth firing starting at 2, and
// so on; since deeper filters are supersets, a layer of class c is visited
// every 2^c firings.
func refreshTierForCount(count uint64, numFilters int) int {
	if count == 0 {
		return numFilters - 1
	}
	tier := bits.TrailingZeros64(count)
	if tier > numFilters-1 {
		tier = numFilters - 1
	}
	return tier
}

// refreshTick is the periodic sweep: probe the due filter for every
// (block, layer) pair and rewrite the hits. False positives are detected
// inside refreshPage and skipped.
func (pm *PageMapping) refreshTick(tick uint64) {
	target := refreshTierForCount(pm.stat.RefreshCallCount, len(pm.bloomFilters))
	filter := pm.bloomFilters[target]

	pm.log.Debug("refresh sweep",
		slog.Uint64("tick", tick),
		slog.Int("filter", target),
		slog.Uint64("call_count", pm.stat.RefreshCallCount))

	var layerCheckCount uint64

	for blockIndex := uint32(0); blockIndex < pm.param.TotalPhysicalBlocks; blockIndex++ {
		for layer := uint32(0); layer < wordlineLayers; layer++ {
			if !filter.Test(refreshKeyBytes(blockIndex, layer)) {
				pm.filterStats[target].TrueNegatives++
				continue
			}

			// A hit on a block that is not in use is a false positive even
			// when the refresh table still records its class.
			entry, ok := pm.refreshTable[refreshKey(blockIndex, layer)]
			_, inUse := pm.blocks[blockIndex]
			if ok && inUse && entry <= uint32(target) {
				pm.filterStats[target].TruePositives++
			} else {
				pm.filterStats[target].FalsePositives++
			}

			layerCheckCount++

			if err := pm.refreshPage(blockIndex, layer, &tick); err != nil {
				pm.log.Warn("refresh page failed",
					slog.Uint64("block", uint64(blockIndex)),
					slog.Uint64("layer", uint64(layer)),
					slog.String("error", err.Error()))
			}
		}
	}

	pm.stat.RefreshCallCount++
	pm.stat.LayerCheckCount += layerCheckCount

	pm.log.Debug("refresh sweep done",
		slog.Uint64("layers_checked", layerCheckCount),
		slog.Uint64("layers_total", uint64(pm.param.TotalPhysicalBlocks)*wordlineLayers))
}

// refreshPage copy-forwards every valid sub-page on one wordline layer of a
// block: pages layer, layer+64, layer+128 and so on. The source block is not
// erased; it may still hold live data on other layers. A block that has been
// erased since classification, or a stale mapping, is a Bloom filter false
// positive and is skipped silently.
func (pm *PageMapping) refreshPage(blockIndex, layer uint32, tick *uint64) error {
	// Make room first so the copy-forward cannot exhaust the pool.
	if pm.freeBlockRatio() < pm.cfg.FTL.GCThresholdRatio {
		beginAt := *tick

		list, err := pm.selectVictimBlock(&beginAt, nil)
		if err != nil {
			return fmt.Errorf("ftl: refresh gc: %w", err)
		}
		if err := pm.doGarbageCollection(list, &beginAt); err != nil {
			return fmt.Errorf("ftl: refresh gc: %w", err)
		}

		pm.stat.GCCount++
		pm.stat.ReclaimedBlocks += uint64(len(list))
	}

	block, ok := pm.blocks[blockIndex]
	if !ok {
		// The block was erased after classification: false positive.
		return nil
	}

	var readRequests, writeRequests []*types.PALRequest
	copied := false

	for pageIndex := layer; pageIndex < pm.param.PagesInBlock; pageIndex += wordlineLayers {
		lpns, bit, any := block.GetPageInfo(pageIndex)
		if !any {
			continue
		}
		if !pm.bRandomTweak {
			bit.SetAll()
		}

		freeBlockIndex, err := pm.getLastFreeBlock(bit, *tick)
		if err != nil {
			return fmt.Errorf("ftl: refresh copy-forward: %w", err)
		}
		freeBlock := pm.blocks[freeBlockIndex]

		readReq := types.NewPALRequest(pm.param.IOUnitInPage)
		readReq.BlockIndex = blockIndex
		readReq.PageIndex = pageIndex
		readReq.IOFlag = bit.Clone()
		readRequests = append(readRequests, readReq)

		for idx := uint32(0); idx < pm.bitsetSize; idx++ {
			if !bit.Test(uint(idx)) {
				continue
			}

			block.Invalidate(pageIndex, idx)

			mappingList, ok := pm.table[lpns[idx]]
			if !ok {
				// Mapping moved since classification: false positive.
				continue
			}

			pm.dram.Read(mappingEntrySize*uint64(pm.param.IOUnitInPage), tick)

			newPageIndex := freeBlock.NextWritePageIndex(idx)

			mappingList[idx] = types.PhysicalAddress{
				BlockIndex: freeBlockIndex,
				PageIndex:  newPageIndex,
			}

			if err := freeBlock.Write(newPageIndex, lpns[idx], idx, *tick); err != nil {
				return fmt.Errorf("ftl: refresh copy-forward write: %w", err)
			}

			writeReq := types.NewPALRequest(pm.param.IOUnitInPage)
			writeReq.BlockIndex = freeBlockIndex
			writeReq.PageIndex = newPageIndex
			if pm.bRandomTweak {
				writeReq.IOFlag.Set(uint(idx))
			} else {
				writeReq.IOFlag.SetAll()
			}
			writeRequests = append(writeRequests, writeReq)

			pm.stat.RefreshPageCopies++
			copied = true
		}

		pm.stat.RefreshSuperPageCopies++
	}

	readFinishedAt := *tick
	writeFinishedAt := *tick

	for _, req := range readRequests {
		beginAt := *tick
		pm.pal.Read(req, &beginAt)
		if beginAt > readFinishedAt {
			readFinishedAt = beginAt
		}
	}

	for _, req := range writeRequests {
		beginAt := readFinishedAt
		pm.pal.Write(req, &beginAt)
		if beginAt > writeFinishedAt {
			writeFinishedAt = beginAt
		}
	}

	*tick = readFinishedAt
	if writeFinishedAt > *tick {
		*tick = writeFinishedAt
	}
	*tick += cpuLatencyGC

	if copied {
		pm.stat.RefreshCount++
	}

	return nil
}

// calculateRefreshWeight lists blocks due under the policy-driven refresh:
// every block whose retention age exceeds the configured threshold.
func (pm *PageMapping) calculateRefreshWeight(policy types.RefreshPolicy, tick uint64) ([]blockWeight, error) {
	weight := make([]blockWeight, 0, len(pm.blocks))

	switch policy {
	case types.RefreshPolicyThreshold:
		for index, block := range pm.blocks {
			if tick-block.LastWrittenTime() < pm.cfg.Refresh.Threshold {
				continue
			}
			weight = append(weight, blockWeight{
				index:  index,
				weight: float64(block.ValidPageCountRaw()),
			})
		}
	default:
		return nil, fmt.Errorf("ftl: invalid refresh policy %d", policy)
	}

	return weight, nil
}

// selectRefreshVictim returns every block the refresh policy marks due.
func (pm *PageMapping) selectRefreshVictim(tick *uint64) ([]uint32, error) {
	weight, err := pm.calculateRefreshWeight(pm.cfg.Refresh.Policy, *tick)
	if err != nil {
		return nil, err
	}

	list := make([]uint32, 0, len(weight))
	for _, w := range weight {
		list = append(list, w.index)
	}

	*tick += cpuLatencySelectVictim

	return list, nil
}

// doRefresh rewrites whole blocks in place of the per-layer path: it first
// drives GC until the pool can absorb the copy-forward, drops blocks the GC
// pass already reclaimed, then copies every valid page of the remainder.
// The source blocks are not erased.
func (pm *PageMapping) doRefresh(blocksToRefresh []uint32, tick *uint64) error {
	if len(blocksToRefresh) == 0 {
		return nil
	}

	for uint64(pm.nFreeBlocks)*2 < uint64(len(blocksToRefresh))*3 {
		beginAt := *tick

		list, err := pm.selectVictimBlock(&beginAt, blocksToRefresh)
		if err != nil {
			return fmt.Errorf("ftl: refresh gc: %w", err)
		}
		if len(list) == 0 {
			break
		}

		// A block the GC pass will erase must not also be refreshed.
		kept := blocksToRefresh[:0]
		for _, idx := range blocksToRefresh {
			reclaimed := false
			for _, gcIdx := range list {
				if idx == gcIdx {
					reclaimed = true
					break
				}
			}
			if !reclaimed {
				kept = append(kept, idx)
			}
		}
		blocksToRefresh = kept

		if err := pm.doGarbageCollection(list, &beginAt); err != nil {
			return fmt.Errorf("ftl: refresh gc: %w", err)
		}

		pm.stat.GCCount++
		pm.stat.ReclaimedBlocks += uint64(len(list))

		// Thread time through each round so wall-clock advances
		// monotonically across repeated GC.
		*tick = beginAt
	}

	var readRequests, writeRequests []*types.PALRequest

	for _, refreshIndex := range blocksToRefresh {
		block, ok := pm.blocks[refreshIndex]
		if !ok {
			return fmt.Errorf("ftl: refresh victim block %d is not in use", refreshIndex)
		}

		for pageIndex := uint32(0); pageIndex < pm.param.PagesInBlock; pageIndex++ {
			lpns, bit, any := block.GetPageInfo(pageIndex)
			if !any {
				continue
			}
			if !pm.bRandomTweak {
				bit.SetAll()
			}

			freeBlockIndex, err := pm.getLastFreeBlock(bit, *tick)
			if err != nil {
				return fmt.Errorf("ftl: refresh copy-forward: %w", err)
			}
			freeBlock := pm.blocks[freeBlockIndex]

			readReq := types.NewPALRequest(pm.param.IOUnitInPage)
			readReq.BlockIndex = refreshIndex
			readReq.PageIndex = pageIndex
			readReq.IOFlag = bit.Clone()
			readRequests = append(readRequests, readReq)

			for idx := uint32(0); idx < pm.bitsetSize; idx++ {
				if !bit.Test(uint(idx)) {
					continue
				}

				block.Invalidate(pageIndex, idx)

				mappingList, ok := pm.table[lpns[idx]]
				if !ok {
					return fmt.Errorf("ftl: refresh lpn %d block %d page %d.%d: %w",
						lpns[idx], refreshIndex, pageIndex, idx, ErrMissingMapping)
				}

				pm.dram.Read(mappingEntrySize*uint64(pm.param.IOUnitInPage), tick)

				newPageIndex := freeBlock.NextWritePageIndex(idx)

				mappingList[idx] = types.PhysicalAddress{
					BlockIndex: freeBlockIndex,
					PageIndex:  newPageIndex,
				}

				if err := freeBlock.Write(newPageIndex, lpns[idx], idx, *tick); err != nil {
					return fmt.Errorf("ftl: refresh copy-forward write: %w", err)
				}

				writeReq := types.NewPALRequest(pm.param.IOUnitInPage)
				writeReq.BlockIndex = freeBlockIndex
				writeReq.PageIndex = newPageIndex
				if pm.bRandomTweak {
					writeReq.IOFlag.Set(uint(idx))
				} else {
					writeReq.IOFlag.SetAll()
				}
				writeRequests = append(writeRequests, writeReq)

				pm.stat.RefreshPageCopies++
			}

			pm.stat.RefreshSuperPageCopies++
		}
	}

	readFinishedAt := *tick
	writeFinishedAt := *tick

	for _, req := range readRequests {
		beginAt := *tick
		pm.pal.Read(req, &beginAt)
		if beginAt > readFinishedAt {
			readFinishedAt = beginAt
		}
	}

	for _, req := range writeRequests {
		beginAt := readFinishedAt
		pm.pal.Write(req, &beginAt)
		if beginAt > writeFinishedAt {
			writeFinishedAt = beginAt
		}
	}

	if writeFinishedAt > *tick {
		*tick = writeFinishedAt
	}
	*tick += cpuLatencyGC

	pm.stat.RefreshCount++
	pm.stat.RefreshedBlocks += uint64(len(blocksToRefresh))

	return nil
}

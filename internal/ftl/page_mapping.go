// Package ftl implements the page-mapping flash translation layer core of
// the simulator: logical-to-physical mapping, block lifecycle, garbage
// collection and the retention-driven refresh engine.
package ftl

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/wooks1998/simplessd/internal/config"
	"github.com/wooks1998/simplessd/internal/errormodel"
	"github.com/wooks1998/simplessd/internal/interfaces"
	"github.com/wooks1998/simplessd/internal/types"
)

// Firmware CPU cost of each FTL operation, in nanoseconds. Added on top of
// the PAL latencies the operation incurs.
const (
	cpuLatencyRead          = 1920
	cpuLatencyWrite         = 2090
	cpuLatencyTrim          = 1210
	cpuLatencyFormat        = 1530
	cpuLatencyReadInternal  = 1810
	cpuLatencyWriteInternal = 2140
	cpuLatencyTrimInternal  = 740
	cpuLatencyEraseInternal = 830
	cpuLatencySelectVictim  = 960
	cpuLatencyGC            = 1130
)

const (
	// wordlineLayers is the number of wordline layers per block; pages on
	// the same layer share retention behavior.
	wordlineLayers = 64

	nsPerSecond = 1000000000

	// mappingEntrySize is the DRAM footprint of one sub-page mapping entry.
	mappingEntrySize = 8
)

// Stat accumulates the GC and refresh counters exported by Stats.
type Stat struct {
	GCCount                uint64
	ReclaimedBlocks        uint64
	ValidSuperPageCopies   uint64
	ValidPageCopies        uint64
	RefreshCount           uint64
	RefreshedBlocks        uint64
	RefreshSuperPageCopies uint64
	RefreshPageCopies      uint64
	RefreshCallCount       uint64
	LayerCheckCount        uint64
}

// PageMapping is the page-mapping FTL. All state is single-owner and
// mutated only on the simulator's logical timeline.
type PageMapping struct {
	param types.Parameter
	cfg   *config.Config
	pal   interfaces.PAL
	dram  interfaces.DRAM
	eng   interfaces.EventEngine
	log   *slog.Logger

	// blocks holds every in-use block; freeBlocks holds every erased block
	// sorted by ascending erase count. A block lives in exactly one of the
	// two at any moment.
	blocks      map[uint32]*Block
	freeBlocks  []*Block
	nFreeBlocks uint32

	table map[uint64][]types.PhysicalAddress

	lastFreeBlock      []uint32
	lastFreeBlockIOMap *bitset.BitSet
	lastFreeBlockIndex uint32
	bReclaimMore       bool

	bRandomTweak bool
	bitsetSize   uint32

	errModel *errormodel.Model
	rng      *rand.Rand

	bloomFilters  []*bloom.BloomFilter
	filterStats   []FilterStat
	refreshTable  map[uint64]uint32
	refreshPeriod uint64 // nanoseconds between scheduler firings
	refreshEvent  interfaces.EventID

	status types.Status
	stat   Stat
}

// NewPageMapping builds the FTL over the given collaborators. All physical
// blocks start in the free pool; the allocator window is opened immediately.
func NewPageMapping(cfg *config.Config, param types.Parameter, p interfaces.PAL,
	d interfaces.DRAM, eng interfaces.EventEngine, log *slog.Logger) (*PageMapping, error) {

	if err := param.Validate(); err != nil {
		return nil, fmt.Errorf("ftl: %w", err)
	}

	pm := &PageMapping{
		param:        param,
		cfg:          cfg,
		pal:          p,
		dram:         d,
		eng:          eng,
		log:          log,
		blocks:       make(map[uint32]*Block, param.TotalPhysicalBlocks),
		freeBlocks:   make([]*Block, 0, param.TotalPhysicalBlocks),
		table:        make(map[uint64][]types.PhysicalAddress, param.TotalLogicalPages()),
		refreshTable: make(map[uint64]uint32),
		rng:          rand.New(rand.NewSource(cfg.RandomSeed)),
	}

	for i := uint32(0); i < param.TotalPhysicalBlocks; i++ {
		pm.freeBlocks = append(pm.freeBlocks,
			NewBlock(i, param.PagesInBlock, param.IOUnitInPage, cfg.FTL.InitialEraseCount))
	}
	pm.nFreeBlocks = param.TotalPhysicalBlocks

	pm.status.TotalLogicalPages = param.TotalLogicalPages()

	pm.bRandomTweak = cfg.FTL.UseRandomIOTweak
	if pm.bRandomTweak {
		pm.bitsetSize = param.IOUnitInPage
	} else {
		pm.bitsetSize = 1
	}

	pm.lastFreeBlock = make([]uint32, param.PageCountToMaxPerf)
	pm.lastFreeBlockIOMap = bitset.New(uint(param.IOUnitInPage))

	for i := uint32(0); i < param.PageCountToMaxPerf; i++ {
		idx, err := pm.getFreeBlock(i, 0)
		if err != nil {
			return nil, fmt.Errorf("ftl: opening write block %d: %w", i, err)
		}
		pm.lastFreeBlock[i] = idx
	}
	pm.lastFreeBlockIndex = 0

	pm.errModel = errormodel.New(cfg.Error, param.PageSize, cfg.RandomSeed)

	return pm, nil
}

// Initialize performs the warmup fill and invalidation passes, builds the
// refresh filter bank and schedules the periodic refresh sweep.
func (pm *PageMapping) Initialize() error {
	nTotalLogicalPages := pm.param.TotalLogicalPages()
	nPagesToWarmup := uint64(float64(nTotalLogicalPages) * pm.cfg.FTL.FillRatio)
	nPagesToInvalidate := uint64(float64(nTotalLogicalPages) * pm.cfg.FTL.InvalidPageRatio)
	mode := pm.cfg.FTL.FillingMode

	// Warmup beyond this bound would demand GC, which the warmup path
	// forbids.
	headroom := float64(pm.param.TotalPhysicalBlocks)*(1-pm.cfg.FTL.GCThresholdRatio) -
		float64(pm.param.PageCountToMaxPerf)
	maxPagesBeforeGC := uint64(float64(pm.param.PagesInBlock) * headroom)

	if nPagesToWarmup+nPagesToInvalidate > maxPagesBeforeGC {
		pm.log.Warn("too high filling ratio, adjusting invalid page ratio",
			slog.Uint64("warmup_pages", nPagesToWarmup),
			slog.Uint64("requested_invalidate_pages", nPagesToInvalidate),
			slog.Uint64("max_pages_before_gc", maxPagesBeforeGC))
		if nPagesToWarmup >= maxPagesBeforeGC {
			nPagesToInvalidate = 0
		} else {
			nPagesToInvalidate = maxPagesBeforeGC - nPagesToWarmup
		}
	}

	pm.log.Debug("initialization started",
		slog.Uint64("total_logical_pages", nTotalLogicalPages),
		slog.Uint64("pages_to_fill", nPagesToWarmup),
		slog.Uint64("pages_to_invalidate", nPagesToInvalidate),
		slog.String("mode", mode.String()))

	req := types.NewRequest(pm.param.IOUnitInPage)
	req.IOFlag.SetAll()

	// Step 1: filling.
	for i := uint64(0); i < nPagesToWarmup; i++ {
		tick := uint64(0)
		if mode == types.FillingSeq || mode == types.FillingSeqRand {
			req.LPN = i
		} else {
			req.LPN = uint64(pm.rng.Int63n(int64(nTotalLogicalPages)))
		}
		if err := pm.writeInternal(req, &tick, false); err != nil {
			return fmt.Errorf("ftl: warmup fill: %w", err)
		}
	}

	// Step 2: invalidating, by overwriting warm data.
	for i := uint64(0); i < nPagesToInvalidate; i++ {
		tick := uint64(0)
		switch mode {
		case types.FillingSeq:
			req.LPN = i
		case types.FillingSeqRand:
			// Step 1 was sequential, so restricting the range yields an
			// exact invalid page count.
			req.LPN = uint64(pm.rng.Int63n(int64(nPagesToWarmup)))
		default:
			req.LPN = uint64(pm.rng.Int63n(int64(nTotalLogicalPages)))
		}
		if err := pm.writeInternal(req, &tick, false); err != nil {
			return fmt.Errorf("ftl: warmup invalidate: %w", err)
		}
	}

	pm.setupRefresh()

	valid, invalid := pm.calculateTotalPages()
	pm.log.Debug("initialization finished",
		slog.Uint64("valid_pages", valid),
		slog.Uint64("invalid_pages", invalid),
		slog.Uint64("free_blocks", uint64(pm.nFreeBlocks)))

	return nil
}

// Read serves a host read for every selected sub-page of the LPN.
func (pm *PageMapping) Read(req *types.Request, tick *uint64) error {
	begin := *tick

	if req.IOFlag.Count() > 0 {
		if err := pm.readInternal(req, tick); err != nil {
			return err
		}
		pm.log.Debug("READ",
			slog.Uint64("lpn", req.LPN),
			slog.Uint64("begin", begin),
			slog.Uint64("end", *tick))
	} else {
		pm.log.Warn("empty read request", slog.Uint64("lpn", req.LPN))
	}

	*tick += cpuLatencyRead
	return nil
}

// Write serves a host write, allocating fresh physical sub-pages and
// invalidating any previous mapping.
func (pm *PageMapping) Write(req *types.Request, tick *uint64) error {
	begin := *tick

	if req.IOFlag.Count() > 0 {
		if err := pm.writeInternal(req, tick, true); err != nil {
			return err
		}
		pm.log.Debug("WRITE",
			slog.Uint64("lpn", req.LPN),
			slog.Uint64("begin", begin),
			slog.Uint64("end", *tick))
	} else {
		pm.log.Warn("empty write request", slog.Uint64("lpn", req.LPN))
	}

	*tick += cpuLatencyWrite
	return nil
}

// Trim invalidates the LPN's sub-pages and drops its mapping entry.
func (pm *PageMapping) Trim(req *types.Request, tick *uint64) error {
	begin := *tick

	if err := pm.trimInternal(req, tick); err != nil {
		return err
	}
	pm.log.Debug("TRIM",
		slog.Uint64("lpn", req.LPN),
		slog.Uint64("begin", begin),
		slog.Uint64("end", *tick))

	*tick += cpuLatencyTrim
	return nil
}

// Format trims every mapped LPN in the range and garbage-collects exactly
// the blocks those mappings referenced.
func (pm *PageMapping) Format(r types.LPNRange, tick *uint64) error {
	var list []uint32

	for lpn, mappingList := range pm.table {
		if !r.Contains(lpn) {
			continue
		}

		for idx := uint32(0); idx < pm.bitsetSize; idx++ {
			mapping := mappingList[idx]
			if !pm.param.IsMapped(mapping) {
				continue
			}
			block, ok := pm.blocks[mapping.BlockIndex]
			if !ok {
				return fmt.Errorf("ftl: format lpn %d: block %d is not in use", lpn, mapping.BlockIndex)
			}
			block.Invalidate(mapping.PageIndex, idx)
			list = append(list, mapping.BlockIndex)
		}

		delete(pm.table, lpn)
	}

	// Deduplicate collected block indices.
	seen := make(map[uint32]struct{}, len(list))
	unique := list[:0]
	for _, idx := range list {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		unique = append(unique, idx)
	}

	if err := pm.doGarbageCollection(unique, tick); err != nil {
		return fmt.Errorf("ftl: format: %w", err)
	}

	*tick += cpuLatencyFormat
	return nil
}

// Dispatch routes a tagged host operation to its handler.
func (pm *PageMapping) Dispatch(req *types.Request, tick *uint64) error {
	switch req.Op {
	case types.OpRead:
		return pm.Read(req, tick)
	case types.OpWrite:
		return pm.Write(req, tick)
	case types.OpTrim:
		return pm.Trim(req, tick)
	default:
		return fmt.Errorf("ftl: unknown opcode %d", req.Op)
	}
}

// GetStatus summarizes mapping occupancy over [lpnBegin, lpnEnd) and the
// free block gauge.
func (pm *PageMapping) GetStatus(lpnBegin, lpnEnd uint64) *types.Status {
	pm.status.FreePhysicalBlocks = uint64(pm.nFreeBlocks)

	if lpnBegin == 0 && lpnEnd >= pm.status.TotalLogicalPages {
		pm.status.MappedLogicalPages = uint64(len(pm.table))
	} else {
		pm.status.MappedLogicalPages = 0
		for lpn := lpnBegin; lpn < lpnEnd; lpn++ {
			if _, ok := pm.table[lpn]; ok {
				pm.status.MappedLogicalPages++
			}
		}
	}

	return &pm.status
}

func (pm *PageMapping) freeBlockRatio() float64 {
	return float64(pm.nFreeBlocks) / float64(pm.param.TotalPhysicalBlocks)
}

// getFreeBlock extracts a block from the free pool, preferring the stripe
// whose index is congruent to idx so parallel planes stay balanced, and
// moves it to the used set.
func (pm *PageMapping) getFreeBlock(idx uint32, tick uint64) (uint32, error) {
	if idx >= pm.param.PageCountToMaxPerf {
		return 0, fmt.Errorf("ftl: stripe index %d out of range", idx)
	}
	if pm.nFreeBlocks == 0 {
		return 0, ErrOutOfFreeBlocks
	}

	pos := -1
	for i, blk := range pm.freeBlocks {
		if blk.Index()%pm.param.PageCountToMaxPerf == idx {
			pos = i
			break
		}
	}
	if pos < 0 {
		// No stripe match; just use the least-worn block.
		pos = 0
	}

	blk := pm.freeBlocks[pos]
	blockIndex := blk.Index()

	if _, ok := pm.blocks[blockIndex]; ok {
		return 0, fmt.Errorf("ftl: block %d: %w", blockIndex, ErrDuplicateBlock)
	}

	pm.blocks[blockIndex] = blk
	blk.SetLastWrittenTime(tick)

	pm.freeBlocks = append(pm.freeBlocks[:pos], pm.freeBlocks[pos+1:]...)
	pm.nFreeBlocks--

	return blockIndex, nil
}

// getLastFreeBlock serves the open write block for a stripe. A sub-page
// collision with the stripe's pending IO map rotates the window to the next
// plane; a full open block is replaced and flags one extra reclaim stripe
// for the next GC pass.
func (pm *PageMapping) getLastFreeBlock(ioMap *bitset.BitSet, tick uint64) (uint32, error) {
	if !pm.bRandomTweak || pm.lastFreeBlockIOMap.IntersectionCardinality(ioMap) > 0 {
		pm.lastFreeBlockIndex++
		if pm.lastFreeBlockIndex == pm.param.PageCountToMaxPerf {
			pm.lastFreeBlockIndex = 0
		}
		pm.lastFreeBlockIOMap = ioMap.Clone()
	} else {
		pm.lastFreeBlockIOMap.InPlaceUnion(ioMap)
	}

	blk, ok := pm.blocks[pm.lastFreeBlock[pm.lastFreeBlockIndex]]
	if !ok {
		return 0, fmt.Errorf("ftl: open block %d vanished from used set",
			pm.lastFreeBlock[pm.lastFreeBlockIndex])
	}

	if blk.NextWritePageIndexMax() == pm.param.PagesInBlock {
		idx, err := pm.getFreeBlock(pm.lastFreeBlockIndex, tick)
		if err != nil {
			return 0, err
		}
		pm.lastFreeBlock[pm.lastFreeBlockIndex] = idx
		pm.bReclaimMore = true
	}

	return pm.lastFreeBlock[pm.lastFreeBlockIndex], nil
}

// doGarbageCollection copy-forwards every valid page out of the victim
// blocks, then erases them. PAL requests are collected first and issued in
// three phases: reads, then writes and erases starting once all reads have
// finished.
func (pm *PageMapping) doGarbageCollection(blocksToReclaim []uint32, tick *uint64) error {
	if len(blocksToReclaim) == 0 {
		return nil
	}

	var readRequests, writeRequests, eraseRequests []*types.PALRequest

	for _, victimIndex := range blocksToReclaim {
		block, ok := pm.blocks[victimIndex]
		if !ok {
			return fmt.Errorf("ftl: gc victim block %d is not in use", victimIndex)
		}

		for pageIndex := uint32(0); pageIndex < pm.param.PagesInBlock; pageIndex++ {
			lpns, bits, any := block.GetPageInfo(pageIndex)
			if !any {
				continue
			}
			if !pm.bRandomTweak {
				bits.SetAll()
			}

			freeBlockIndex, err := pm.getLastFreeBlock(bits, *tick)
			if err != nil {
				return fmt.Errorf("ftl: gc copy-forward: %w", err)
			}
			freeBlock := pm.blocks[freeBlockIndex]

			readReq := types.NewPALRequest(pm.param.IOUnitInPage)
			readReq.BlockIndex = victimIndex
			readReq.PageIndex = pageIndex
			readReq.IOFlag = bits.Clone()
			readRequests = append(readRequests, readReq)

			for idx := uint32(0); idx < pm.bitsetSize; idx++ {
				if !bits.Test(uint(idx)) {
					continue
				}

				block.Invalidate(pageIndex, idx)

				mappingList, ok := pm.table[lpns[idx]]
				if !ok {
					return fmt.Errorf("ftl: gc lpn %d block %d page %d.%d: %w",
						lpns[idx], victimIndex, pageIndex, idx, ErrMissingMapping)
				}

				pm.dram.Read(mappingEntrySize*uint64(pm.param.IOUnitInPage), tick)

				newPageIndex := freeBlock.NextWritePageIndex(idx)

				mappingList[idx] = types.PhysicalAddress{
					BlockIndex: freeBlockIndex,
					PageIndex:  newPageIndex,
				}

				if err := freeBlock.Write(newPageIndex, lpns[idx], idx, *tick); err != nil {
					return fmt.Errorf("ftl: gc copy-forward write: %w", err)
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

				pm.stat.ValidPageCopies++
			}

			pm.stat.ValidSuperPageCopies++
		}

		eraseReq := types.NewPALRequest(pm.param.IOUnitInPage)
		eraseReq.BlockIndex = victimIndex
		eraseReq.IOFlag.SetAll()
		eraseRequests = append(eraseRequests, eraseReq)
	}

	readFinishedAt := *tick
	writeFinishedAt := *tick
	eraseFinishedAt := *tick

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

	for _, req := range eraseRequests {
		beginAt := readFinishedAt
		if err := pm.eraseInternal(req, &beginAt); err != nil {
			return err
		}
		if beginAt > eraseFinishedAt {
			eraseFinishedAt = beginAt
		}
	}

	*tick = writeFinishedAt
	if eraseFinishedAt > *tick {
		*tick = eraseFinishedAt
	}
	*tick += cpuLatencyGC

	return nil
}

func (pm *PageMapping) readInternal(req *types.Request, tick *uint64) error {
	mappingList, ok := pm.table[req.LPN]
	if !ok {
		return nil
	}

	if pm.bRandomTweak {
		pm.dram.Read(mappingEntrySize*uint64(req.IOFlag.Count()), tick)
	} else {
		pm.dram.Read(mappingEntrySize, tick)
	}

	finishedAt := *tick

	for idx := uint32(0); idx < pm.bitsetSize; idx++ {
		if !req.IOFlag.Test(uint(idx)) && pm.bRandomTweak {
			continue
		}

		mapping := mappingList[idx]
		if !pm.param.IsMapped(mapping) {
			continue
		}

		block, ok := pm.blocks[mapping.BlockIndex]
		if !ok {
			return fmt.Errorf("ftl: read lpn %d: block %d is not in use", req.LPN, mapping.BlockIndex)
		}

		palRequest := types.NewPALRequest(pm.param.IOUnitInPage)
		palRequest.BlockIndex = mapping.BlockIndex
		palRequest.PageIndex = mapping.PageIndex
		if pm.bRandomTweak {
			palRequest.IOFlag.Set(uint(idx))
		} else {
			palRequest.IOFlag.SetAll()
		}

		beginAt := *tick

		if err := block.Read(mapping.PageIndex, idx, beginAt); err != nil {
			return fmt.Errorf("ftl: read lpn %d: %w", req.LPN, err)
		}
		pm.pal.Read(palRequest, &beginAt)

		// Sample the observed error count at the page's current retention
		// age; the stats surface reports the running mean of block maxima.
		retention := beginAt - block.LastWrittenTime()
		layer := mapping.PageIndex % wordlineLayers
		observed := pm.errModel.RandError(retention, block.EraseCount(), layer)
		block.SetMaxErrorCount(observed)

		if beginAt > finishedAt {
			finishedAt = beginAt
		}
	}

	*tick = finishedAt
	*tick += cpuLatencyReadInternal

	return nil
}

func (pm *PageMapping) writeInternal(req *types.Request, tick *uint64, sendToPAL bool) error {
	mappingList, ok := pm.table[req.LPN]
	if ok {
		for idx := uint32(0); idx < pm.bitsetSize; idx++ {
			if !req.IOFlag.Test(uint(idx)) && pm.bRandomTweak {
				continue
			}
			mapping := mappingList[idx]
			if pm.param.IsMapped(mapping) {
				block, ok := pm.blocks[mapping.BlockIndex]
				if !ok {
					return fmt.Errorf("ftl: write lpn %d: block %d is not in use", req.LPN, mapping.BlockIndex)
				}
				block.Invalidate(mapping.PageIndex, idx)
			}
		}
	} else {
		mappingList = make([]types.PhysicalAddress, pm.bitsetSize)
		for idx := range mappingList {
			mappingList[idx] = pm.param.Unmapped()
		}
		pm.table[req.LPN] = mappingList
	}

	blockIndex, err := pm.getLastFreeBlock(req.IOFlag, *tick)
	if err != nil {
		return fmt.Errorf("ftl: write lpn %d: %w", req.LPN, err)
	}
	block := pm.blocks[blockIndex]

	if sendToPAL {
		if pm.bRandomTweak {
			pm.dram.Read(mappingEntrySize*uint64(req.IOFlag.Count()), tick)
			pm.dram.Write(mappingEntrySize*uint64(req.IOFlag.Count()), tick)
		} else {
			pm.dram.Read(mappingEntrySize, tick)
			pm.dram.Write(mappingEntrySize, tick)
		}
	}

	// Without the random IO tweak a partial write must first read back the
	// sub-pages it does not cover.
	readBeforeWrite := !pm.bRandomTweak && !req.IOFlag.All()

	finishedAt := *tick

	for idx := uint32(0); idx < pm.bitsetSize; idx++ {
		if !req.IOFlag.Test(uint(idx)) && pm.bRandomTweak {
			continue
		}

		pageIndex := block.NextWritePageIndex(idx)
		oldMapping := mappingList[idx]

		beginAt := *tick

		if err := block.Write(pageIndex, req.LPN, idx, beginAt); err != nil {
			return fmt.Errorf("ftl: write lpn %d: %w", req.LPN, err)
		}

		if readBeforeWrite && sendToPAL {
			readReq := types.NewPALRequest(pm.param.IOUnitInPage)
			readReq.BlockIndex = oldMapping.BlockIndex
			readReq.PageIndex = oldMapping.PageIndex
			readReq.IOFlag = req.IOFlag.Complement()
			pm.pal.Read(readReq, &beginAt)
		}

		mappingList[idx] = types.PhysicalAddress{BlockIndex: blockIndex, PageIndex: pageIndex}

		if sendToPAL {
			writeReq := types.NewPALRequest(pm.param.IOUnitInPage)
			writeReq.BlockIndex = blockIndex
			writeReq.PageIndex = pageIndex
			if pm.bRandomTweak {
				writeReq.IOFlag.Set(uint(idx))
			} else {
				writeReq.IOFlag.SetAll()
			}
			pm.pal.Write(writeReq, &beginAt)

			pm.classifyWrite(blockIndex, pageIndex%wordlineLayers, block.EraseCount())
		}

		if beginAt > finishedAt {
			finishedAt = beginAt
		}
	}

	// The warmup path carries no CPU cost.
	if sendToPAL {
		*tick = finishedAt
		*tick += cpuLatencyWriteInternal
	}

	if pm.freeBlockRatio() < pm.cfg.FTL.GCThresholdRatio {
		if !sendToPAL {
			return fmt.Errorf("ftl: lpn %d: %w", req.LPN, ErrGCDuringInit)
		}

		beginAt := *tick
		list, err := pm.selectVictimBlock(&beginAt, nil)
		if err != nil {
			return fmt.Errorf("ftl: on-demand gc: %w", err)
		}

		pm.log.Debug("on-demand gc", slog.Int("victims", len(list)))

		if err := pm.doGarbageCollection(list, &beginAt); err != nil {
			return fmt.Errorf("ftl: on-demand gc: %w", err)
		}

		pm.log.Debug("gc done",
			slog.Uint64("begin", *tick),
			slog.Uint64("end", beginAt))

		pm.stat.GCCount++
		pm.stat.ReclaimedBlocks += uint64(len(list))
	}

	return nil
}

func (pm *PageMapping) trimInternal(req *types.Request, tick *uint64) error {
	mappingList, ok := pm.table[req.LPN]
	if !ok {
		return nil
	}

	if pm.bRandomTweak {
		pm.dram.Read(mappingEntrySize*uint64(req.IOFlag.Count()), tick)
	} else {
		pm.dram.Read(mappingEntrySize, tick)
	}

	for idx := uint32(0); idx < pm.bitsetSize; idx++ {
		mapping := mappingList[idx]
		if !pm.param.IsMapped(mapping) {
			continue
		}
		block, ok := pm.blocks[mapping.BlockIndex]
		if !ok {
			return fmt.Errorf("ftl: trim lpn %d: block %d is not in use", req.LPN, mapping.BlockIndex)
		}
		block.Invalidate(mapping.PageIndex, idx)
	}

	delete(pm.table, req.LPN)

	*tick += cpuLatencyTrimInternal
	return nil
}

// eraseInternal erases a drained victim and routes it back to the free
// pool, or retires it once its erase count crosses the bad block threshold.
func (pm *PageMapping) eraseInternal(req *types.PALRequest, tick *uint64) error {
	block, ok := pm.blocks[req.BlockIndex]
	if !ok {
		return fmt.Errorf("ftl: erase of block %d which is not in use", req.BlockIndex)
	}

	if err := block.Erase(); err != nil {
		return fmt.Errorf("ftl: %w", err)
	}

	pm.pal.Erase(req, tick)

	erasedCount := block.EraseCount()

	if erasedCount < pm.cfg.FTL.BadBlockThreshold {
		// Keep the pool sorted: insert after the last block with an erase
		// count not above ours.
		pos := len(pm.freeBlocks)
		for pos > 0 && pm.freeBlocks[pos-1].EraseCount() > erasedCount {
			pos--
		}
		pm.freeBlocks = append(pm.freeBlocks, nil)
		copy(pm.freeBlocks[pos+1:], pm.freeBlocks[pos:])
		pm.freeBlocks[pos] = block
		pm.nFreeBlocks++
	} else {
		pm.log.Warn("retiring bad block",
			slog.Uint64("block", uint64(req.BlockIndex)),
			slog.Uint64("erase_count", uint64(erasedCount)))
	}

	delete(pm.blocks, req.BlockIndex)

	*tick += cpuLatencyEraseInternal
	return nil
}

// calculateWearLeveling returns (Σe)²/(n·Σe²) over every in-use block plus
// the free blocks with a nonzero erase count; 1 means perfectly uniform
// wear. Returns -1 when every counted erase count is zero.
func (pm *PageMapping) calculateWearLeveling() float64 {
	var totalEraseCount, sumOfSquaredEraseCount, n uint64

	for _, block := range pm.blocks {
		e := uint64(block.EraseCount())
		totalEraseCount += e
		sumOfSquaredEraseCount += e * e
		n++
	}

	// The free pool is sorted ascending; scan from the back and stop at the
	// first never-erased block.
	for i := len(pm.freeBlocks) - 1; i >= 0; i-- {
		e := uint64(pm.freeBlocks[i].EraseCount())
		if e == 0 {
			break
		}
		totalEraseCount += e
		sumOfSquaredEraseCount += e * e
		n++
	}

	if sumOfSquaredEraseCount == 0 {
		return -1 // no erases yet; the factor is meaningless
	}

	return float64(totalEraseCount) * float64(totalEraseCount) /
		(float64(n) * float64(sumOfSquaredEraseCount))
}

func (pm *PageMapping) calculateTotalPages() (valid, invalid uint64) {
	for _, block := range pm.blocks {
		valid += uint64(block.ValidPageCount())
		invalid += uint64(block.DirtyPageCount())
	}
	return valid, invalid
}

// calculateAverageError returns the mean of per-block maximum observed
// error counts over in-use blocks.
func (pm *PageMapping) calculateAverageError() float64 {
	if len(pm.blocks) == 0 {
		return 0
	}

	var total uint64
	for _, block := range pm.blocks {
		total += block.MaxErrorCount()
	}

	return float64(total) / float64(len(pm.blocks))
}

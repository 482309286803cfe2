package ftl

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wooks1998/simplessd/internal/config"
	"github.com/wooks1998/simplessd/internal/sim"
	"github.com/wooks1998/simplessd/internal/types"
)

// stubPAL counts operations and advances the tick by fixed latencies.
type stubPAL struct {
	reads  int
	writes int
	erases int
}

func (p *stubPAL) Read(req *types.PALRequest, tick *uint64)  { p.reads++; *tick += 40 }
func (p *stubPAL) Write(req *types.PALRequest, tick *uint64) { p.writes++; *tick += 200 }
func (p *stubPAL) Erase(req *types.PALRequest, tick *uint64) { p.erases++; *tick += 1000 }

type stubDRAM struct {
	accesses int
}

func (d *stubDRAM) Read(bytes uint64, tick *uint64)  { d.accesses++; *tick++ }
func (d *stubDRAM) Write(bytes uint64, tick *uint64) { d.accesses++; *tick++ }

func testConfig() *config.Config {
	return &config.Config{
		Device: config.Device{
			PagesInBlock:   64,
			IOUnitInPage:   1,
			PageSize:       2048,
			PhysicalBlocks: 16,
			LogicalBlocks:  8,
			Parallelism:    1,
		},
		FTL: config.FTL{
			FillRatio:          0,
			InvalidPageRatio:   0,
			FillingMode:        types.FillingSeq,
			GCThresholdRatio:   0.05,
			GCReclaimThreshold: 0.25,
			GCReclaimBlocks:    2,
			GCMode:             types.GCModeThreshold,
			EvictPolicy:        types.EvictGreedy,
			DChoiceParam:       2,
			BadBlockThreshold:  100000,
			UseRandomIOTweak:   true,
			InitialEraseCount:  0,
		},
		Refresh: config.Refresh{
			Period:       0,
			FilterNum:    3,
			FilterSize:   0,
			Threshold:    1 << 60,
			Policy:       types.RefreshPolicyThreshold,
			ECCThreshold: 0.01,
		},
		Error: config.Error{
			Temperature: 358.15,
			Epsilon:     0,
			Alpha:       0,
			Beta:        0,
			KTerm:       1,
			MTerm:       1,
			NTerm:       1,
			Sigma:       0,
		},
		Timing: config.Timing{
			PALReadLatency:    40,
			PALWriteLatency:   200,
			PALEraseLatency:   1000,
			DRAMAccessLatency: 1,
		},
		RandomSeed: 42,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMapping(t *testing.T, mutate func(*config.Config)) (*PageMapping, *sim.Engine) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	engine := sim.NewEngine()
	pm, err := NewPageMapping(cfg, cfg.Parameter(), &stubPAL{}, &stubDRAM{}, engine, discardLogger())
	require.NoError(t, err)

	return pm, engine
}

func hostWrite(t *testing.T, pm *PageMapping, lpn uint64, tick *uint64) {
	t.Helper()

	req := types.NewRequest(pm.param.IOUnitInPage)
	req.IOFlag.SetAll()
	req.LPN = lpn
	require.NoError(t, pm.Write(req, tick))
}

// checkInvariants verifies the structural invariants that must hold after
// every host operation.
func checkInvariants(t *testing.T, pm *PageMapping) {
	t.Helper()

	require.Equal(t, int(pm.nFreeBlocks), len(pm.freeBlocks), "free block gauge out of sync")

	for i := 1; i < len(pm.freeBlocks); i++ {
		require.LessOrEqual(t, pm.freeBlocks[i-1].EraseCount(), pm.freeBlocks[i].EraseCount(),
			"free pool not sorted by erase count")
	}

	for _, blk := range pm.freeBlocks {
		_, inUse := pm.blocks[blk.Index()]
		require.False(t, inUse, "block %d present in both containers", blk.Index())
	}

	// Forward: every mapping points at a valid sub-page carrying its LPN.
	for lpn, mappingList := range pm.table {
		for idx := uint32(0); idx < pm.bitsetSize; idx++ {
			mapping := mappingList[idx]
			if !pm.param.IsMapped(mapping) {
				continue
			}
			block, ok := pm.blocks[mapping.BlockIndex]
			require.True(t, ok, "lpn %d maps to free block %d", lpn, mapping.BlockIndex)

			lpns, bits, _ := block.GetPageInfo(mapping.PageIndex)
			require.True(t, bits.Test(uint(idx)),
				"lpn %d maps to invalid sub-page %d.%d.%d", lpn, mapping.BlockIndex, mapping.PageIndex, idx)
			require.Equal(t, lpn, lpns[idx],
				"backpointer mismatch at %d.%d.%d", mapping.BlockIndex, mapping.PageIndex, idx)
		}
	}

	// Reverse: every valid sub-page is reachable from its LPN.
	for blockIndex, block := range pm.blocks {
		for page := uint32(0); page < pm.param.PagesInBlock; page++ {
			lpns, bits, any := block.GetPageInfo(page)
			if !any {
				continue
			}
			for idx := uint32(0); idx < pm.bitsetSize; idx++ {
				if !bits.Test(uint(idx)) {
					continue
				}
				mappingList, ok := pm.table[lpns[idx]]
				require.True(t, ok, "valid sub-page %d.%d.%d has no mapping", blockIndex, page, idx)
				require.Equal(t,
					types.PhysicalAddress{BlockIndex: blockIndex, PageIndex: page},
					mappingList[idx],
					"mapping for lpn %d does not point back at %d.%d", lpns[idx], blockIndex, page)
			}
		}

		require.LessOrEqual(t,
			block.ValidPageCount()+block.DirtyPageCount(),
			pm.param.PagesInBlock*pm.param.IOUnitInPage,
			"page census overflow on block %d", blockIndex)
	}
}

func TestSequentialWarmup(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.FillRatio = 0.5
	})

	require.NoError(t, pm.Initialize())

	valid, invalid := pm.calculateTotalPages()
	assert.Equal(t, uint64(256), valid)
	assert.Equal(t, uint64(0), invalid)

	status := pm.GetStatus(0, pm.param.TotalLogicalPages())
	assert.Equal(t, uint64(256), status.MappedLogicalPages)

	checkInvariants(t, pm)
}

func TestSequentialInvalidation(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.FillRatio = 0.5
	})

	require.NoError(t, pm.Initialize())

	var tick uint64
	for lpn := uint64(0); lpn < 128; lpn++ {
		hostWrite(t, pm, lpn, &tick)
	}

	valid, invalid := pm.calculateTotalPages()
	assert.Equal(t, uint64(256), valid, "rewrites must land in fresh locations")
	assert.Equal(t, uint64(128), invalid, "old locations must turn dirty")
	assert.Zero(t, pm.stat.GCCount, "no GC expected at this occupancy")

	checkInvariants(t, pm)
}

func TestGCTrigger(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.PhysicalBlocks = 10
		cfg.FTL.FillRatio = 0.5
		cfg.FTL.GCThresholdRatio = 0.2
		cfg.FTL.GCReclaimThreshold = 0.4
	})

	require.NoError(t, pm.Initialize())

	var tick uint64
	totalLogicalPages := pm.param.TotalLogicalPages()
	for i := uint64(0); i < 2000 && pm.stat.GCCount == 0; i++ {
		hostWrite(t, pm, i%totalLogicalPages, &tick)
	}

	require.GreaterOrEqual(t, pm.stat.GCCount, uint64(1), "GC never triggered")
	assert.Greater(t, pm.stat.ReclaimedBlocks, uint64(0))

	// Reclaimed blocks return to the pool with their erase count bumped.
	erased := 0
	for _, blk := range pm.freeBlocks {
		if blk.EraseCount() == 1 {
			erased++
		}
	}
	assert.Greater(t, erased, 0, "no erased block returned to the free pool")

	checkInvariants(t, pm)
}

func TestTrimUnmapsLPN(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())

	var tick uint64
	for lpn := uint64(0); lpn < 10; lpn++ {
		hostWrite(t, pm, lpn, &tick)
	}

	before := pm.GetStatus(0, pm.param.TotalLogicalPages()).MappedLogicalPages
	require.Equal(t, uint64(10), before)

	req := types.NewRequest(pm.param.IOUnitInPage)
	req.IOFlag.SetAll()
	req.LPN = 5
	require.NoError(t, pm.Trim(req, &tick))

	after := pm.GetStatus(0, pm.param.TotalLogicalPages()).MappedLogicalPages
	assert.Equal(t, before-1, after)

	// A read of the trimmed LPN no longer reaches the PAL.
	palStub := pm.pal.(*stubPAL)
	readsBefore := palStub.reads
	require.NoError(t, pm.Read(req, &tick))
	assert.Equal(t, readsBefore, palStub.reads)

	checkInvariants(t, pm)
}

func TestFormatRange(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())

	var tick uint64
	for lpn := uint64(0); lpn < 32; lpn++ {
		hostWrite(t, pm, lpn, &tick)
	}

	require.NoError(t, pm.Format(types.LPNRange{SLPN: 0, NLP: 16}, &tick))

	status := pm.GetStatus(0, pm.param.TotalLogicalPages())
	assert.Equal(t, uint64(16), status.MappedLogicalPages)

	valid, _ := pm.calculateTotalPages()
	assert.Equal(t, uint64(16), valid)
}

func TestWarmupClampsInvalidRatio(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.FTL.FillRatio = 0.9
		cfg.FTL.InvalidPageRatio = 0.9
	})

	require.NoError(t, pm.Initialize())

	valid, invalid := pm.calculateTotalPages()
	assert.Equal(t, uint64(460), valid)
	assert.Equal(t, uint64(448), invalid, "invalid ratio must clamp to the GC headroom bound")

	checkInvariants(t, pm)
}

func TestGCDuringInitIsFatal(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.PhysicalBlocks = 10
		cfg.FTL.FillRatio = 0.95
		cfg.FTL.GCThresholdRatio = 0.3
	})

	err := pm.Initialize()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGCDuringInit), "got %v", err)
}

func TestOutOfFreeBlocksIsFatal(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.PhysicalBlocks = 10
		cfg.FTL.GCThresholdRatio = 0 // disable GC entirely
	})
	require.NoError(t, pm.Initialize())

	req := types.NewRequest(pm.param.IOUnitInPage)
	req.IOFlag.SetAll()

	var tick uint64
	var err error
	for i := uint64(0); i < 1000; i++ {
		req.LPN = i % pm.param.TotalLogicalPages()
		if err = pm.Write(req, &tick); err != nil {
			break
		}
	}

	require.Error(t, err, "pool exhaustion must surface")
	assert.True(t, errors.Is(err, ErrOutOfFreeBlocks), "got %v", err)
}

func TestEmptyIOFlagIsSkipped(t *testing.T) {
	pm, _ := newTestMapping(t, nil)
	require.NoError(t, pm.Initialize())

	palStub := pm.pal.(*stubPAL)

	req := types.NewRequest(pm.param.IOUnitInPage)
	req.LPN = 3

	var tick uint64
	require.NoError(t, pm.Write(req, &tick))
	require.NoError(t, pm.Read(req, &tick))

	assert.Zero(t, palStub.reads)
	assert.Zero(t, palStub.writes)
	assert.Zero(t, pm.GetStatus(0, pm.param.TotalLogicalPages()).MappedLogicalPages)
}

func TestSubPageMappings(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.IOUnitInPage = 4
	})
	require.NoError(t, pm.Initialize())

	var tick uint64
	req := types.NewRequest(pm.param.IOUnitInPage)
	req.LPN = 7
	req.IOFlag.Set(0).Set(1)
	require.NoError(t, pm.Write(req, &tick))

	mappingList := pm.table[7]
	assert.True(t, pm.param.IsMapped(mappingList[0]))
	assert.True(t, pm.param.IsMapped(mappingList[1]))
	assert.False(t, pm.param.IsMapped(mappingList[2]), "untouched sub-page must stay at the sentinel")
	assert.False(t, pm.param.IsMapped(mappingList[3]))

	// Writing a disjoint sub-page set keeps the earlier units valid.
	req2 := types.NewRequest(pm.param.IOUnitInPage)
	req2.LPN = 7
	req2.IOFlag.Set(2)
	require.NoError(t, pm.Write(req2, &tick))

	mappingList = pm.table[7]
	assert.True(t, pm.param.IsMapped(mappingList[0]))
	assert.True(t, pm.param.IsMapped(mappingList[2]))

	checkInvariants(t, pm)
}

func TestReadBeforeWriteWithoutRandomTweak(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.IOUnitInPage = 4
		cfg.FTL.UseRandomIOTweak = false
	})
	require.NoError(t, pm.Initialize())

	palStub := pm.pal.(*stubPAL)

	var tick uint64
	req := types.NewRequest(pm.param.IOUnitInPage)
	req.LPN = 1
	req.IOFlag.Set(0) // partial page write
	require.NoError(t, pm.Write(req, &tick))

	assert.Equal(t, 1, palStub.reads, "partial write must read back uncovered sub-pages")
	assert.Equal(t, 1, palStub.writes)
}

func TestGetFreeBlockStripePreference(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.Parallelism = 2
	})

	// The constructor opened stripes 0 and 1 with blocks 0 and 1.
	assert.Equal(t, []uint32{0, 1}, pm.lastFreeBlock)

	idx, err := pm.getFreeBlock(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), idx, "stripe 1 must receive an odd block")

	checkInvariants(t, pm)
}

func TestGetFreeBlockFallsBackToPoolHead(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.PhysicalBlocks = 4
		cfg.Device.LogicalBlocks = 2
		cfg.Device.Parallelism = 2
	})

	// Drain every block of stripe 0; the pool keeps only odd indices.
	_, err := pm.getFreeBlock(0, 0)
	require.NoError(t, err)

	idx, err := pm.getFreeBlock(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), idx, "no stripe match left, head of pool expected")
}

func TestWearLevelingFactor(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Device.PhysicalBlocks = 10
		cfg.FTL.FillRatio = 0.5
		cfg.FTL.GCThresholdRatio = 0.2
		cfg.FTL.GCReclaimThreshold = 0.4
	})
	require.NoError(t, pm.Initialize())

	assert.Equal(t, float64(-1), pm.calculateWearLeveling(), "no erases yet")

	// Rewrite only the warmed half of the logical space: with every LPN
	// live, 8 of the 10 blocks would hold valid data and the threshold-mode
	// reclaim target of 4 free blocks could not be met by copy-forward.
	var tick uint64
	warmedPages := pm.param.TotalLogicalPages() / 2
	for i := uint64(0); i < 4000 && pm.stat.GCCount < 3; i++ {
		hostWrite(t, pm, i%warmedPages, &tick)
	}
	require.GreaterOrEqual(t, pm.stat.GCCount, uint64(3))

	factor := pm.calculateWearLeveling()
	assert.Greater(t, factor, float64(0))
	assert.LessOrEqual(t, factor, float64(1))
}

func TestStatsSurface(t *testing.T) {
	pm, _ := newTestMapping(t, func(cfg *config.Config) {
		cfg.Refresh.Period = 400
	})
	require.NoError(t, pm.Initialize())

	entries := pm.Stats()
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}

	for _, want := range []string{
		"page_mapping.gc.count",
		"page_mapping.gc.reclaimed_blocks",
		"page_mapping.gc.superpage_copies",
		"page_mapping.gc.page_copies",
		"page_mapping.refresh.count",
		"page_mapping.refresh.call_count",
		"page_mapping.refresh.layer_check_count",
		"page_mapping.wear_leveling",
		"page_mapping.free_block_count",
		"page_mapping.bloom_filter.0.elements",
		"page_mapping.bloom_filter.2.elements",
	} {
		assert.True(t, names[want], "missing stat %s", want)
	}

	pm.stat.GCCount = 17
	pm.ResetStats()
	assert.Zero(t, pm.stat.GCCount)
	assert.Equal(t, uint64(1), pm.stat.RefreshCallCount, "tier schedule must restart at 1")
}

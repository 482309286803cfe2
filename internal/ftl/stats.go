package ftl

import "fmt"

// StatEntry is one exported statistic.
type StatEntry struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Value       float64 `yaml:"value"`
}

// Stats exports the GC, refresh and wear statistics as name/description/
// value triples.
func (pm *PageMapping) Stats() []StatEntry {
	list := []StatEntry{
		{"page_mapping.gc.count", "Total GC count", float64(pm.stat.GCCount)},
		{"page_mapping.gc.reclaimed_blocks", "Total reclaimed blocks in GC", float64(pm.stat.ReclaimedBlocks)},
		{"page_mapping.gc.superpage_copies", "Total copied valid superpages during GC", float64(pm.stat.ValidSuperPageCopies)},
		{"page_mapping.gc.page_copies", "Total copied valid pages during GC", float64(pm.stat.ValidPageCopies)},
		{"page_mapping.refresh.count", "Total refresh count", float64(pm.stat.RefreshCount)},
		{"page_mapping.refresh.refreshed_blocks", "Total blocks refreshed", float64(pm.stat.RefreshedBlocks)},
		{"page_mapping.refresh.superpage_copies", "Total copied valid superpages during refresh", float64(pm.stat.RefreshSuperPageCopies)},
		{"page_mapping.refresh.page_copies", "Total copied valid pages during refresh", float64(pm.stat.RefreshPageCopies)},
		{"page_mapping.refresh.call_count", "Number of refresh scheduler firings", float64(pm.stat.RefreshCallCount)},
		{"page_mapping.refresh.layer_check_count", "Number of layer membership hits swept", float64(pm.stat.LayerCheckCount)},
		{"page_mapping.refresh.error_counts", "Mean observed per-block max error count", pm.calculateAverageError()},
		{"page_mapping.wear_leveling", "Wear-leveling factor", pm.calculateWearLeveling()},
		{"page_mapping.free_block_count", "Number of free blocks left", float64(pm.nFreeBlocks)},
	}

	for i, filter := range pm.bloomFilters {
		list = append(list, StatEntry{
			Name:        fmt.Sprintf("page_mapping.bloom_filter.%d.elements", i),
			Description: fmt.Sprintf("Approximate element count of refresh filter %d", i),
			Value:       float64(filter.ApproximatedSize()),
		})
	}

	return list
}

// ResetStats clears every accumulated counter. The refresh call counter
// restarts at 1 so the tier schedule stays aligned.
func (pm *PageMapping) ResetStats() {
	pm.stat = Stat{RefreshCallCount: 1}
	for i := range pm.filterStats {
		pm.filterStats[i] = FilterStat{}
	}
}

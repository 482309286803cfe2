package types

import "fmt"

// Parameter holds the device geometry. All fields are fixed at construction
// and shared read-only by every FTL component.
type Parameter struct {
	PagesInBlock        uint32
	IOUnitInPage        uint32
	PageSize            uint32
	TotalPhysicalBlocks uint32
	TotalLogicalBlocks  uint32
	PageCountToMaxPerf  uint32
}

// Validate checks that the geometry describes a usable device.
func (p Parameter) Validate() error {
	if p.PagesInBlock == 0 {
		return fmt.Errorf("pages in block must be nonzero")
	}
	if p.IOUnitInPage == 0 {
		return fmt.Errorf("io unit in page must be nonzero")
	}
	if p.PageSize == 0 {
		return fmt.Errorf("page size must be nonzero")
	}
	if p.TotalPhysicalBlocks == 0 {
		return fmt.Errorf("physical block count must be nonzero")
	}
	if p.TotalLogicalBlocks >= p.TotalPhysicalBlocks {
		return fmt.Errorf("logical block count %d must be below physical block count %d (over-provisioning required)",
			p.TotalLogicalBlocks, p.TotalPhysicalBlocks)
	}
	if p.PageCountToMaxPerf == 0 || p.PageCountToMaxPerf > p.TotalPhysicalBlocks {
		return fmt.Errorf("parallel write stream count %d out of range (1..%d)",
			p.PageCountToMaxPerf, p.TotalPhysicalBlocks)
	}
	return nil
}

// TotalLogicalPages returns the host-visible page count.
func (p Parameter) TotalLogicalPages() uint64 {
	return uint64(p.TotalLogicalBlocks) * uint64(p.PagesInBlock)
}

// Unmapped returns the sentinel address stored for a sub-page with no
// physical location. Both coordinates are one past the end of their range.
func (p Parameter) Unmapped() PhysicalAddress {
	return PhysicalAddress{BlockIndex: p.TotalPhysicalBlocks, PageIndex: p.PagesInBlock}
}

// IsMapped reports whether addr refers to a real physical location.
func (p Parameter) IsMapped(addr PhysicalAddress) bool {
	return addr.BlockIndex < p.TotalPhysicalBlocks && addr.PageIndex < p.PagesInBlock
}

package ftl

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Block carries the metadata of one physical NAND block: per-sub-page
// validity and LPN backpointers, per-IO-unit write cursors, erase count and
// access timestamps. Pages are written strictly in cursor order; erase is
// the only way to reset a cursor.
type Block struct {
	index        uint32
	pagesInBlock uint32
	ioUnitInPage uint32

	eraseCount         uint32
	nextWritePageIndex []uint32

	validBits  []*bitset.BitSet
	erasedBits []*bitset.BitSet
	lpns       [][]uint64

	lastWrittenTime  uint64
	lastAccessedTime uint64
	maxErrorCount    uint64
}

// NewBlock returns an erased block with all sub-pages empty.
func NewBlock(index, pagesInBlock, ioUnitInPage, initialEraseCount uint32) *Block {
	b := &Block{
		index:              index,
		pagesInBlock:       pagesInBlock,
		ioUnitInPage:       ioUnitInPage,
		eraseCount:         initialEraseCount,
		nextWritePageIndex: make([]uint32, ioUnitInPage),
		validBits:          make([]*bitset.BitSet, pagesInBlock),
		erasedBits:         make([]*bitset.BitSet, pagesInBlock),
		lpns:               make([][]uint64, pagesInBlock),
	}

	for i := uint32(0); i < pagesInBlock; i++ {
		b.validBits[i] = bitset.New(uint(ioUnitInPage))
		b.erasedBits[i] = bitset.New(uint(ioUnitInPage))
		b.erasedBits[i].SetAll()
		b.lpns[i] = make([]uint64, ioUnitInPage)
	}

	return b
}

// Index returns the block's stable identity.
func (b *Block) Index() uint32 { return b.index }

// EraseCount returns how many times the block has been erased.
func (b *Block) EraseCount() uint32 { return b.eraseCount }

// LastWrittenTime returns when data was first programmed after the last
// erase (or when the block was handed out by the allocator).
func (b *Block) LastWrittenTime() uint64 { return b.lastWrittenTime }

// SetLastWrittenTime stamps the block's retention epoch.
func (b *Block) SetLastWrittenTime(tick uint64) { b.lastWrittenTime = tick }

// LastAccessedTime returns the last read or program time.
func (b *Block) LastAccessedTime() uint64 { return b.lastAccessedTime }

// MaxErrorCount returns the largest observed per-read error count.
func (b *Block) MaxErrorCount() uint64 { return b.maxErrorCount }

// SetMaxErrorCount folds a newly observed error count into the maximum.
func (b *Block) SetMaxErrorCount(count uint64) {
	if count > b.maxErrorCount {
		b.maxErrorCount = count
	}
}

// NextWritePageIndex returns the write cursor of one IO unit.
func (b *Block) NextWritePageIndex(ioUnit uint32) uint32 {
	return b.nextWritePageIndex[ioUnit]
}

// NextWritePageIndexMax returns the furthest write cursor across IO units.
// The block is full when this equals the page count.
func (b *Block) NextWritePageIndexMax() uint32 {
	var max uint32
	for _, idx := range b.nextWritePageIndex {
		if idx > max {
			max = idx
		}
	}
	return max
}

// ValidPageCount returns the number of pages with at least one valid IO unit.
func (b *Block) ValidPageCount() uint32 {
	var count uint32
	for _, bits := range b.validBits {
		if bits.Any() {
			count++
		}
	}
	return count
}

// ValidPageCountRaw returns the total number of valid sub-pages.
func (b *Block) ValidPageCountRaw() uint32 {
	var count uint32
	for _, bits := range b.validBits {
		count += uint32(bits.Count())
	}
	return count
}

// DirtyPageCount returns the number of pages holding at least one sub-page
// that was written and later invalidated.
func (b *Block) DirtyPageCount() uint32 {
	var count uint32
	for i, valid := range b.validBits {
		// Dirty: neither valid nor still erased.
		if valid.Union(b.erasedBits[i]).Complement().Any() {
			count++
		}
	}
	return count
}

// GetPageInfo reports whether any sub-page at pageIndex is valid and returns
// the backpointer LPNs together with the valid sub-unit set. The returned
// bitset is a copy; mutating it does not affect the block.
func (b *Block) GetPageInfo(pageIndex uint32) ([]uint64, *bitset.BitSet, bool) {
	lpns := make([]uint64, b.ioUnitInPage)
	copy(lpns, b.lpns[pageIndex])
	bits := b.validBits[pageIndex].Clone()
	return lpns, bits, bits.Any()
}

// Write programs one sub-page. The page must be the IO unit's current write
// cursor; NAND forbids out-of-order and in-place programming.
func (b *Block) Write(pageIndex uint32, lpn uint64, ioUnit uint32, tick uint64) error {
	if ioUnit >= b.ioUnitInPage {
		return fmt.Errorf("block %d: io unit %d out of range", b.index, ioUnit)
	}
	if pageIndex != b.nextWritePageIndex[ioUnit] {
		return fmt.Errorf("block %d: write to page %d but cursor of io unit %d is at %d",
			b.index, pageIndex, ioUnit, b.nextWritePageIndex[ioUnit])
	}
	if pageIndex >= b.pagesInBlock {
		return fmt.Errorf("block %d: write past end of block (page %d)", b.index, pageIndex)
	}
	if !b.erasedBits[pageIndex].Test(uint(ioUnit)) {
		return fmt.Errorf("block %d: program of unerased sub-page %d.%d", b.index, pageIndex, ioUnit)
	}

	if b.nextWritePageIndexMaxIsZero() {
		b.lastWrittenTime = tick
	}

	b.validBits[pageIndex].Set(uint(ioUnit))
	b.erasedBits[pageIndex].Clear(uint(ioUnit))
	b.lpns[pageIndex][ioUnit] = lpn
	b.nextWritePageIndex[ioUnit]++
	b.lastAccessedTime = tick

	return nil
}

func (b *Block) nextWritePageIndexMaxIsZero() bool {
	for _, idx := range b.nextWritePageIndex {
		if idx != 0 {
			return false
		}
	}
	return true
}

// Read touches one valid sub-page, updating the access timestamp. The PAL
// charges the latency separately.
func (b *Block) Read(pageIndex, ioUnit uint32, tick uint64) error {
	if pageIndex >= b.pagesInBlock || ioUnit >= b.ioUnitInPage {
		return fmt.Errorf("block %d: read of %d.%d out of range", b.index, pageIndex, ioUnit)
	}
	if !b.validBits[pageIndex].Test(uint(ioUnit)) {
		return fmt.Errorf("block %d: read of invalid sub-page %d.%d", b.index, pageIndex, ioUnit)
	}
	b.lastAccessedTime = tick
	return nil
}

// Invalidate clears the valid bit of one sub-page. Invalidating an already
// invalid sub-page is a no-op.
func (b *Block) Invalidate(pageIndex, ioUnit uint32) {
	if pageIndex >= b.pagesInBlock || ioUnit >= b.ioUnitInPage {
		return
	}
	b.validBits[pageIndex].Clear(uint(ioUnit))
}

// Erase resets the block. It fails if any sub-page is still valid; the
// caller must copy live data out first.
func (b *Block) Erase() error {
	if b.ValidPageCount() != 0 {
		return fmt.Errorf("block %d: %w: %d valid pages remain", b.index, ErrInvalidErase, b.ValidPageCount())
	}

	for i := uint32(0); i < b.pagesInBlock; i++ {
		b.validBits[i].ClearAll()
		b.erasedBits[i].SetAll()
	}
	for i := range b.nextWritePageIndex {
		b.nextWritePageIndex[i] = 0
	}

	b.eraseCount++
	b.lastWrittenTime = 0
	b.lastAccessedTime = 0

	return nil
}

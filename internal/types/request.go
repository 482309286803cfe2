package types

import "github.com/bits-and-blooms/bitset"

// Opcode tags a host operation submitted to the FTL front-end.
type Opcode uint8

const (
	OpRead Opcode = iota
	OpWrite
	OpTrim
	OpFormat
)

// Request is a host request addressed by logical page number. IOFlag selects
// the sub-page IO units the request touches.
type Request struct {
	Op     Opcode
	LPN    uint64
	IOFlag *bitset.BitSet
}

// NewRequest returns a request with an empty IO flag sized to the sub-page
// parallelism of the device.
func NewRequest(ioUnitInPage uint32) *Request {
	return &Request{IOFlag: bitset.New(uint(ioUnitInPage))}
}

// PALRequest addresses a physical flash operation.
type PALRequest struct {
	BlockIndex uint32
	PageIndex  uint32
	IOFlag     *bitset.BitSet
}

// NewPALRequest returns a physical request with an empty IO flag.
func NewPALRequest(ioUnitInPage uint32) *PALRequest {
	return &PALRequest{IOFlag: bitset.New(uint(ioUnitInPage))}
}

// LPNRange describes a contiguous run of logical pages, used by format.
type LPNRange struct {
	SLPN uint64
	NLP  uint64
}

// Contains reports whether lpn falls inside the range.
func (r LPNRange) Contains(lpn uint64) bool {
	return lpn >= r.SLPN && lpn < r.SLPN+r.NLP
}

// PhysicalAddress is one sub-page mapping target.
type PhysicalAddress struct {
	BlockIndex uint32
	PageIndex  uint32
}

// Status is the host-visible state summary returned by GetStatus.
type Status struct {
	TotalLogicalPages  uint64
	MappedLogicalPages uint64
	FreePhysicalBlocks uint64
}

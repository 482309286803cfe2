package interfaces

import "github.com/wooks1998/simplessd/internal/types"

// PAL is the program-and-load model simulating NAND operation timing.
// Each call advances tick by the latency of the simulated operation.
// Implementations must be deterministic for a given tick input.
type PAL interface {
	Read(req *types.PALRequest, tick *uint64)
	Write(req *types.PALRequest, tick *uint64)
	Erase(req *types.PALRequest, tick *uint64)
}

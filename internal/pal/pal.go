// Package pal models NAND operation timing for the FTL. Latencies are flat
// per operation class, which is enough for the metadata-level simulation the
// FTL core performs.
package pal

import (
	"github.com/wooks1998/simplessd/internal/config"
	"github.com/wooks1998/simplessd/internal/types"
)

// PAL advances the caller's tick by the simulated latency of each flash
// operation. It implements interfaces.PAL.
type PAL struct {
	param        types.Parameter
	readLatency  uint64
	writeLatency uint64
	eraseLatency uint64
}

// New builds the timing model from the configured latency constants.
func New(cfg *config.Config, param types.Parameter) *PAL {
	return &PAL{
		param:        param,
		readLatency:  cfg.Timing.PALReadLatency,
		writeLatency: cfg.Timing.PALWriteLatency,
		eraseLatency: cfg.Timing.PALEraseLatency,
	}
}

// Read advances tick by the page read latency.
func (p *PAL) Read(req *types.PALRequest, tick *uint64) {
	*tick += p.readLatency
}

// Write advances tick by the page program latency.
func (p *PAL) Write(req *types.PALRequest, tick *uint64) {
	*tick += p.writeLatency
}

// Erase advances tick by the block erase latency.
func (p *PAL) Erase(req *types.PALRequest, tick *uint64) {
	*tick += p.eraseLatency
}

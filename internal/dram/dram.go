// Package dram charges the cost of reading and writing FTL metadata held in
// device DRAM, one access per cache line touched.
package dram

import "github.com/wooks1998/simplessd/internal/config"

const lineSize = 64

// DRAM implements interfaces.DRAM with a flat per-line access latency.
type DRAM struct {
	accessLatency uint64
}

// New builds the DRAM timing model.
func New(cfg *config.Config) *DRAM {
	return &DRAM{accessLatency: cfg.Timing.DRAMAccessLatency}
}

func (d *DRAM) lines(bytes uint64) uint64 {
	if bytes == 0 {
		return 0
	}
	return (bytes + lineSize - 1) / lineSize
}

// Read advances tick by the cost of reading bytes of metadata.
func (d *DRAM) Read(bytes uint64, tick *uint64) {
	*tick += d.lines(bytes) * d.accessLatency
}

// Write advances tick by the cost of writing bytes of metadata.
func (d *DRAM) Write(bytes uint64, tick *uint64) {
	*tick += d.lines(bytes) * d.accessLatency
}

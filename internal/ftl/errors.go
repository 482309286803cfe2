package ftl

import "errors"

// Fatal invariant violations. Any of these reaching the caller means the
// simulation state is corrupt and the run must stop.
var (
	// ErrOutOfFreeBlocks is returned when allocation is attempted with an
	// empty free pool.
	ErrOutOfFreeBlocks = errors.New("no free block left")

	// ErrInvalidErase is returned when an erase target still holds valid
	// pages.
	ErrInvalidErase = errors.New("invalid erase")

	// ErrMissingMapping is returned when GC copy-forward finds a valid
	// sub-page without a mapping table entry.
	ErrMissingMapping = errors.New("missing mapping table entry")

	// ErrGCDuringInit is returned when the warmup fill would trigger
	// garbage collection.
	ErrGCDuringInit = errors.New("garbage collection triggered during initialization")

	// ErrDuplicateBlock is returned when a block would appear in both the
	// free pool and the used set.
	ErrDuplicateBlock = errors.New("block present in both free pool and used set")
)

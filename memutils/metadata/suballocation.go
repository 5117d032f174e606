package metadata

import "github.com/besos/kmem/memutils"

// BlockInfo describes a single block within a page, as reported by PageMetadata.VisitAllRegions
// and PageMetadata.VisitFreeList
type BlockInfo struct {
	// Address is the payload address of the block: the address handed to the caller when the
	// block was allocated
	Address memutils.Address
	// Offset is the offset of the block header from the start of the page
	Offset int
	// Size is the payload size in bytes
	Size int
	// RequestedSize is the size passed to Alloc when the block was allocated. It is 0 for
	// free blocks.
	RequestedSize int
	Free          bool
}

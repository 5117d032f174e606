package metadata

import (
	"github.com/besos/kmem/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// PageMetadata manages the free list embedded at the start of a single page. It carves the page's
// body into caller-sized blocks and reclaims them for reuse within that same page. No block ever
// spans or moves between pages.
//
// All state lives inside the page itself: a PageMetadata is a view over the page's bytes and can
// be discarded and reopened with OpenPageMetadata at any time.
type PageMetadata interface {
	// Init must be called exactly once after a page has been granted and before any allocation is
	// made from it. It writes a fresh page header and a single free block spanning the whole body.
	Init()
	// Base returns the address of the page this metadata manages
	Base() memutils.Address
	// Strategy returns the free-list policy this metadata implements
	Strategy() FreeListStrategy

	// Validate performs internal consistency checks on the page: every block reachable by walking
	// the page physically must be well-formed, the blocks must exactly tile the page body, and the
	// free list must contain every free block exactly once. When the implementation is functioning
	// correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of blocks currently handed out from this page
	AllocationCount() int
	// FreeRegionsCount returns the number of blocks on the free list
	FreeRegionsCount() int
	// SumFreeSize returns the number of bytes in the page body that are not held by live
	// allocations or their headers. This is the amount of memory that would be recovered by
	// freeing every allocation in the page.
	SumFreeSize() int
	// LargestFreeBlock returns the largest payload size that a single Alloc call could currently
	// satisfy from this page
	LargestFreeBlock() int
	// MayHaveFreeBlock returns true if an allocation of the provided size could succeed. It never
	// produces false negatives.
	MayHaveFreeBlock(size int) bool
	// IsEmpty returns true if no blocks are currently handed out from this page
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each block in the page, allocated or
	// free, in address order. This walks the entire page and should generally only be done for
	// diagnostic purposes.
	VisitAllRegions(handleBlock func(block BlockInfo) error) error
	// VisitFreeList calls the provided callback once for each block on the free list, in list order
	VisitFreeList(handleBlock func(block BlockInfo) error) error

	// AddDetailedStatistics sums this page's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this page's allocation statistics into the provided object
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with summary information about this page
	BlockJsonData(json *jwriter.ObjectState)
	// CheckCorruption verifies that every free block's payload still carries the poison pattern
	// written when it was freed. Poison is only written when built with the debug_kmem tag.
	CheckCorruption() error

	// Alloc carves a block of at least size bytes out of the page using a first-fit walk of the
	// free list and returns the address of its payload. memutils.ErrNoFit is returned when no
	// free block is large enough, and memutils.ErrRequestTooLarge when no page could ever satisfy
	// the request.
	Alloc(size int) (memutils.Address, error)
	// Free returns the block whose payload begins at addr to the page's free list.
	// memutils.ErrDoubleFree is returned if the block is already free, and memutils.ErrInvalidFree
	// if addr is not the payload address of a block in this page.
	Free(addr memutils.Address) error
	// UsableSize returns the payload size of the live block at addr, which may be larger than the
	// size originally requested
	UsableSize(addr memutils.Address) (int, error)
	// RequestedSize returns the size that was passed to Alloc for the live block at addr
	RequestedSize(addr memutils.Address) (int, error)
}

// NewPageMetadata creates a view over a page's bytes for the requested free-list strategy. The page
// is not modified: call Init on a freshly granted page before allocating from it.
func NewPageMetadata(strategy FreeListStrategy, base memutils.Address, page []byte) (PageMetadata, error) {
	if !base.IsPageAligned() {
		return nil, errors.Wrapf(memutils.ErrMisalignedAddress, "page address 0x%x", uint64(base))
	}
	if len(page) != memutils.PageSize {
		return nil, errors.Errorf("page memory must be %d bytes, but was %d", memutils.PageSize, len(page))
	}

	metadataBase := pageMetadataBase{
		base:     base,
		page:     page,
		strategy: strategy,
	}

	switch strategy {
	case FreeListLIFO:
		return &LIFOFreeList{pageMetadataBase: metadataBase}, nil
	case FreeListAddressOrdered:
		return &AddressOrderedFreeList{pageMetadataBase: metadataBase}, nil
	default:
		return nil, errors.Errorf("unknown free list strategy: %d", strategy)
	}
}

// OpenPageMetadata creates a view over a page that has already been initialized, reading the
// free-list strategy back from the page header.
func OpenPageMetadata(base memutils.Address, page []byte) (PageMetadata, error) {
	if len(page) != memutils.PageSize {
		return nil, errors.Errorf("page memory must be %d bytes, but was %d", memutils.PageSize, len(page))
	}
	if getU32(page, pageMagicField) != pageMagic {
		return nil, errors.Errorf("page at 0x%x does not carry an initialized page header", uint64(base))
	}

	return NewPageMetadata(FreeListStrategy(getU32(page, pageStrategyField)), base, page)
}

// pageMetadataBase holds the behavior shared between the free-list strategies: initialization,
// first-fit allocation with splitting, and the read-only walks.
type pageMetadataBase struct {
	base     memutils.Address
	page     []byte
	strategy FreeListStrategy
}

func (m *pageMetadataBase) Base() memutils.Address     { return m.base }
func (m *pageMetadataBase) Strategy() FreeListStrategy { return m.strategy }

func (m *pageMetadataBase) Init() {
	clear(m.page[:PageHeaderSize])
	putU32(m.page, pageMagicField, pageMagic)
	putU32(m.page, pageStrategyField, uint32(m.strategy))
	m.setLiveCount(0)

	m.writeFreeBlock(PageHeaderSize, MaxBlockSize, noBlock)
	m.setFreeHead(PageHeaderSize)
	memutils.WriteMagicValue(m.payload(PageHeaderSize))
}

func (m *pageMetadataBase) AllocationCount() int {
	return m.liveCount()
}

func (m *pageMetadataBase) IsEmpty() bool {
	return m.liveCount() == 0
}

func (m *pageMetadataBase) FreeRegionsCount() int {
	var count int
	for off := m.freeHead(); off != noBlock; off = m.blockNext(off) {
		count++
	}
	return count
}

func (m *pageMetadataBase) SumFreeSize() int {
	var sum int
	for off := m.freeHead(); off != noBlock; off = m.blockNext(off) {
		sum += m.blockSize(off) + BlockHeaderSize
	}
	return sum
}

func (m *pageMetadataBase) LargestFreeBlock() int {
	var largest int
	for off := m.freeHead(); off != noBlock; off = m.blockNext(off) {
		if size := m.blockSize(off); size > largest {
			largest = size
		}
	}
	return largest
}

func (m *pageMetadataBase) MayHaveFreeBlock(size int) bool {
	return size <= MaxBlockSize && m.LargestFreeBlock() >= memutils.AlignUp(size, BlockAlignment)
}

func (m *pageMetadataBase) blockInfo(off int) BlockInfo {
	return BlockInfo{
		Address:       m.base + memutils.Address(off+BlockHeaderSize),
		Offset:        off,
		Size:          m.blockSize(off),
		RequestedSize: m.blockRequested(off),
		Free:          m.blockState(off) != blockStateAllocated,
	}
}

func (m *pageMetadataBase) VisitAllRegions(handleBlock func(block BlockInfo) error) error {
	for off := PageHeaderSize; off < memutils.PageSize; off += BlockHeaderSize + m.blockSize(off) {
		err := handleBlock(m.blockInfo(off))
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *pageMetadataBase) VisitFreeList(handleBlock func(block BlockInfo) error) error {
	for off := m.freeHead(); off != noBlock; off = m.blockNext(off) {
		err := handleBlock(m.blockInfo(off))
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *pageMetadataBase) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.PageBytes += memutils.PageSize
	stats.HeaderBytes += PageHeaderSize

	for off := PageHeaderSize; off < memutils.PageSize; off += BlockHeaderSize + m.blockSize(off) {
		if m.blockState(off) != blockStateAllocated {
			continue
		}

		stats.AllocationCount++
		stats.AllocationBytes += m.blockSize(off)
		stats.HeaderBytes += BlockHeaderSize
	}
}

func (m *pageMetadataBase) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += memutils.PageSize
	stats.HeaderBytes += PageHeaderSize

	for off := PageHeaderSize; off < memutils.PageSize; off += BlockHeaderSize + m.blockSize(off) {
		if m.blockState(off) == blockStateAllocated {
			stats.AddAllocation(m.blockSize(off))
			stats.HeaderBytes += BlockHeaderSize
		} else {
			stats.AddUnusedRange(m.blockSize(off))
		}
	}
}

func (m *pageMetadataBase) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(memutils.PageSize)
	json.Name("UnusedBytes").Int(m.SumFreeSize())
	json.Name("LargestFreeBlock").Int(m.LargestFreeBlock())
	json.Name("Allocations").Int(m.AllocationCount())
	json.Name("UnusedRanges").Int(m.FreeRegionsCount())
	json.Name("Strategy").String(m.strategy.String())
}

func (m *pageMetadataBase) CheckCorruption() error {
	for off := m.freeHead(); off != noBlock; off = m.blockNext(off) {
		if !memutils.ValidateMagicValue(m.payload(off)) {
			return errors.Errorf("memory corruption detected in the free block at 0x%x", uint64(m.base)+uint64(off))
		}
	}

	return nil
}

func (m *pageMetadataBase) Alloc(size int) (memutils.Address, error) {
	if size < 1 {
		return memutils.NullAddress, errors.Errorf("invalid allocation size: %d", size)
	}
	if size > MaxBlockSize {
		return memutils.NullAddress, errors.Wrapf(memutils.ErrRequestTooLarge, "%d bytes requested, a page holds at most %d", size, MaxBlockSize)
	}

	alignedSize := memutils.AlignUp(size, BlockAlignment)

	prev := noBlock
	for off := m.freeHead(); off != noBlock; prev, off = off, m.blockNext(off) {
		blockSize := m.blockSize(off)
		if blockSize < alignedSize {
			continue
		}

		replacement := m.blockNext(off)
		if remainder := blockSize - alignedSize; remainder > BlockHeaderSize {
			// Split: the tail becomes a new free block that takes this block's place in the list
			splitOff := off + BlockHeaderSize + alignedSize
			m.writeFreeBlock(splitOff, remainder-BlockHeaderSize, replacement)
			replacement = splitOff
			m.setBlockSize(off, alignedSize)
		}

		if prev == noBlock {
			m.setFreeHead(replacement)
		} else {
			m.setBlockNext(prev, replacement)
		}

		m.setBlockNext(off, noBlock)
		m.setBlockState(off, blockStateAllocated)
		m.setBlockRequested(off, size)
		m.setLiveCount(m.liveCount() + 1)

		return m.base + memutils.Address(off+BlockHeaderSize), nil
	}

	return memutils.NullAddress, errors.Wrapf(memutils.ErrNoFit, "%d bytes requested from page 0x%x", size, uint64(m.base))
}

// liveBlockOffset converts a payload address to the offset of its block header, verifying that
// the address refers to a block in this page
func (m *pageMetadataBase) liveBlockOffset(addr memutils.Address) (int, error) {
	if addr.PageBase() != m.base {
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x does not belong to page 0x%x", uint64(addr), uint64(m.base))
	}

	off := addr.PageOffset() - BlockHeaderSize
	if off < PageHeaderSize || (off-PageHeaderSize)%BlockAlignment != 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x is not a block payload address", uint64(addr))
	}

	switch m.blockState(off) {
	case blockStateAllocated:
	case blockStateFree:
		return 0, errors.Wrapf(memutils.ErrDoubleFree, "block at 0x%x", uint64(addr))
	default:
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x does not carry a block header", uint64(addr))
	}

	if size := m.blockSize(off); size > MaxBlockSize || off+BlockHeaderSize+size > memutils.PageSize {
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "block at 0x%x has a corrupt size %d", uint64(addr), size)
	}

	return off, nil
}

func (m *pageMetadataBase) UsableSize(addr memutils.Address) (int, error) {
	off, err := m.liveBlockOffset(addr)
	if err != nil {
		return 0, err
	}
	return m.blockSize(off), nil
}

func (m *pageMetadataBase) RequestedSize(addr memutils.Address) (int, error) {
	off, err := m.liveBlockOffset(addr)
	if err != nil {
		return 0, err
	}
	return m.blockRequested(off), nil
}

// release marks the block at off as free and poisons it, but does not link it into the free list
func (m *pageMetadataBase) release(off int) {
	m.setBlockState(off, blockStateFree)
	m.setBlockRequested(off, 0)
	m.setLiveCount(m.liveCount() - 1)
	memutils.WriteMagicValue(m.payload(off))
}

func (m *pageMetadataBase) validate(addressOrdered bool) error {
	if getU32(m.page, pageMagicField) != pageMagic {
		return errors.Errorf("page at 0x%x does not carry an initialized page header", uint64(m.base))
	}

	if strategy := FreeListStrategy(getU32(m.page, pageStrategyField)); strategy != m.strategy {
		return errors.Errorf("page at 0x%x was initialized for strategy %s but is being managed as %s", uint64(m.base), strategy, m.strategy)
	}

	var isFreeBlock [blockSlots]bool
	var allocCount, freeCount int

	off := PageHeaderSize
	for off < memutils.PageSize {
		size := m.blockSize(off)
		if size%BlockAlignment != 0 {
			return errors.Errorf("block at offset %d has size %d, which is not a multiple of %d", off, size, BlockAlignment)
		}

		if off+BlockHeaderSize+size > memutils.PageSize {
			return errors.Errorf("block at offset %d with size %d runs past the end of the page", off, size)
		}

		switch m.blockState(off) {
		case blockStateAllocated:
			allocCount++
			if m.blockNext(off) != noBlock {
				return errors.Errorf("allocated block at offset %d still links to offset %d", off, m.blockNext(off))
			}
		case blockStateFree:
			freeCount++
			isFreeBlock[off/BlockAlignment] = true
		default:
			return errors.Errorf("block at offset %d has an unknown state 0x%x", off, m.blockState(off))
		}

		off += BlockHeaderSize + size
	}

	if off != memutils.PageSize {
		return errors.Errorf("the blocks in the page add up to %d bytes, but the page is %d bytes", off, memutils.PageSize)
	}

	if allocCount != m.liveCount() {
		return errors.Errorf("the page header counts %d allocations, but the blocks only added up to %d", m.liveCount(), allocCount)
	}

	var freeListCount int
	prev := noBlock
	for off := m.freeHead(); off != noBlock; prev, off = off, m.blockNext(off) {
		if off%BlockAlignment != 0 || off >= memutils.PageSize || !isFreeBlock[off/BlockAlignment] {
			return errors.Errorf("free list links to offset %d, which is not a free block", off)
		}

		// Clearing the slot makes a cycle or a duplicate entry fail the check above
		isFreeBlock[off/BlockAlignment] = false
		freeListCount++

		if addressOrdered && prev != noBlock {
			if off <= prev {
				return errors.Errorf("free list is not in address order: offset %d follows offset %d", off, prev)
			}
			if prev+BlockHeaderSize+m.blockSize(prev) == off {
				return errors.Errorf("free blocks at offsets %d and %d are adjacent but were not merged", prev, off)
			}
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free blocks in the page and the number of blocks in the free list do not match! free list size: %d, physical free blocks: %d", freeListCount, freeCount)
	}

	return nil
}

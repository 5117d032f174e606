// Package pages grants and reclaims whole pages of a memory region, tracking ownership with one bit
// per page.
package pages

import (
	"fmt"

	"github.com/besos/kmem/internal/utils"
	"github.com/besos/kmem/memutils"
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// BitmapPlacement indicates where the page bitmap's storage lives
type BitmapPlacement uint32

const (
	// BitmapPlacementExternal stores the bitmap outside the managed region, so that every page
	// in the region can be granted
	BitmapPlacementExternal BitmapPlacement = iota
	// BitmapPlacementInRegion stores the bitmap at the beginning of the managed region. The pages
	// holding the bitmap are permanently granted to the bitmap itself.
	BitmapPlacementInRegion
)

var bitmapPlacementMapping = map[BitmapPlacement]string{
	BitmapPlacementExternal: "External",
	BitmapPlacementInRegion: "InRegion",
}

func (p BitmapPlacement) String() string {
	return bitmapPlacementMapping[p]
}

const wordBytes = 8

// BitmapAllocator owns the bit-per-page map of a region. Bit i is set if and only if page i has
// been granted to some owner. Pages are always granted lowest index first.
//
// BitmapAllocator is not synchronized: consumers that call it from more than one goroutine must
// provide their own locking.
type BitmapAllocator struct {
	arena     *memutils.Arena
	placement BitmapPlacement
	bits      *bitset.BitSet

	pageCount      int
	reservedCount  int
	allocatedCount int
}

// NewBitmapAllocator creates a BitmapAllocator and initializes it over the provided arena
func NewBitmapAllocator(arena *memutils.Arena, placement BitmapPlacement) (*BitmapAllocator, error) {
	allocator := &BitmapAllocator{}
	err := allocator.Init(arena, placement)
	if err != nil {
		return nil, err
	}
	return allocator, nil
}

// Init sizes the bitmap to the number of whole pages in the arena's region and clears every bit.
// ErrRegionTooSmall is returned if no page would be left to grant.
func (a *BitmapAllocator) Init(arena *memutils.Arena, placement BitmapPlacement) error {
	region := arena.Region()
	pageCount := region.PageCount()
	if pageCount < 1 {
		return errors.Wrapf(memutils.ErrRegionTooSmall, "region of %d bytes is smaller than a page", region.Length)
	}

	wordCount := (pageCount + 63) / 64
	reservedCount := 0

	var words []uint64
	switch placement {
	case BitmapPlacementExternal:
		words = make([]uint64, wordCount)
	case BitmapPlacementInRegion:
		bitmapBytes := wordCount * wordBytes
		reservedCount = memutils.AlignUp(bitmapBytes, memutils.PageSize) / memutils.PageSize
		if reservedCount >= pageCount {
			return errors.Wrapf(memutils.ErrRegionTooSmall, "region of %d pages needs %d pages to hold its own bitmap", pageCount, reservedCount)
		}

		storage := arena.Data()[:bitmapBytes]
		if !utils.IsAlignedFor[uint64](storage) {
			return errors.Errorf("region backing memory is not aligned for bitmap storage")
		}
		words = utils.Slice[byte, uint64](storage)
		clear(words)
	default:
		return errors.Errorf("unknown bitmap placement: %d", placement)
	}

	a.arena = arena
	a.placement = placement
	a.bits = bitset.FromWithLength(uint(pageCount), words)
	a.pageCount = pageCount
	a.reservedCount = reservedCount
	a.allocatedCount = 0

	for index := 0; index < reservedCount; index++ {
		a.bits.Set(uint(index))
	}

	return nil
}

// Placement returns where the bitmap's storage lives
func (a *BitmapAllocator) Placement() BitmapPlacement { return a.placement }

// Arena returns the memory this bitmap governs
func (a *BitmapAllocator) Arena() *memutils.Arena { return a.arena }

// PageCount returns the total number of pages tracked, including reserved pages
func (a *BitmapAllocator) PageCount() int { return a.pageCount }

// ReservedCount returns the number of pages permanently granted to the bitmap's own storage
func (a *BitmapAllocator) ReservedCount() int { return a.reservedCount }

// AllocatedCount returns the number of pages currently granted through AllocatePage
func (a *BitmapAllocator) AllocatedCount() int { return a.allocatedCount }

// FreeCount returns the number of pages that AllocatePage could still grant
func (a *BitmapAllocator) FreeCount() int {
	return a.pageCount - a.reservedCount - a.allocatedCount
}

// PageAddress returns the address of the page at the provided index
func (a *BitmapAllocator) PageAddress(index int) memutils.Address {
	return a.arena.Region().Begin + memutils.Address(index)<<memutils.PageShift
}

// PageIndex converts a page-aligned address within the region to its page index
func (a *BitmapAllocator) PageIndex(addr memutils.Address) (int, error) {
	if !addr.IsPageAligned() {
		return 0, errors.Wrapf(memutils.ErrMisalignedAddress, "page address 0x%x", uint64(addr))
	}

	begin := a.arena.Region().Begin
	if addr < begin {
		return 0, errors.Wrapf(memutils.ErrOutOfRange, "page address 0x%x precedes the region", uint64(addr))
	}

	index := int((addr - begin) >> memutils.PageShift)
	if index >= a.pageCount {
		return 0, errors.Wrapf(memutils.ErrOutOfRange, "page address 0x%x is past the last page", uint64(addr))
	}

	return index, nil
}

// IsAllocated returns true if the page at the provided index is granted, either through
// AllocatePage or because it holds the bitmap
func (a *BitmapAllocator) IsAllocated(index int) bool {
	if index < 0 || index >= a.pageCount {
		return false
	}
	return a.bits.Test(uint(index))
}

// IsReserved returns true if the page at the provided index holds the bitmap's storage
func (a *BitmapAllocator) IsReserved(index int) bool {
	return index >= 0 && index < a.reservedCount
}

// AllocatePage grants the lowest-indexed free page and returns its address. The boolean return is
// false when every page has been granted; this is the only out-of-memory signal at this layer.
func (a *BitmapAllocator) AllocatePage() (memutils.Address, bool) {
	index, found := a.bits.NextClear(0)
	if !found || int(index) >= a.pageCount {
		return memutils.NullAddress, false
	}

	a.bits.Set(index)
	a.allocatedCount++
	return a.PageAddress(int(index)), true
}

// FreePage reclaims a page granted by AllocatePage so it can be granted again. The address must
// be exactly the page's start address.
func (a *BitmapAllocator) FreePage(addr memutils.Address) error {
	index, err := a.PageIndex(addr)
	if err != nil {
		return err
	}

	if a.IsReserved(index) {
		return errors.Wrapf(memutils.ErrInvalidFree, "page %d holds the page bitmap", index)
	}

	if !a.bits.Test(uint(index)) {
		return errors.Wrapf(memutils.ErrDoubleFree, "page %d at 0x%x", index, uint64(addr))
	}

	a.bits.Clear(uint(index))
	a.allocatedCount--
	return nil
}

// VisitAllocatedPages calls the provided callback once for every page granted through
// AllocatePage, in ascending index order. Reserved pages are skipped.
func (a *BitmapAllocator) VisitAllocatedPages(visit func(index int, addr memutils.Address) error) error {
	for index, found := a.bits.NextSet(uint(a.reservedCount)); found; index, found = a.bits.NextSet(index + 1) {
		err := visit(int(index), a.PageAddress(int(index)))
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the bitmap
func (a *BitmapAllocator) Validate() error {
	if a.bits == nil {
		return errors.New("bitmap allocator has not been initialized")
	}

	if int(a.bits.Len()) != a.pageCount {
		return errors.Errorf("bitmap tracks %d pages, but the region holds %d", a.bits.Len(), a.pageCount)
	}

	for index := 0; index < a.reservedCount; index++ {
		if !a.bits.Test(uint(index)) {
			return errors.Errorf("page %d holds the bitmap but is not marked as granted", index)
		}
	}

	setCount := int(a.bits.Count())
	if setCount != a.reservedCount+a.allocatedCount {
		return errors.Errorf("bitmap has %d pages set, but %d are reserved and %d are allocated", setCount, a.reservedCount, a.allocatedCount)
	}

	return nil
}

func (a *BitmapAllocator) String() string {
	return fmt.Sprintf("BitmapAllocator{pages: %d, reserved: %d, allocated: %d, placement: %s}",
		a.pageCount, a.reservedCount, a.allocatedCount, a.placement)
}

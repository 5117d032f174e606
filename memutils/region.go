package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
)

// Address is a location within the managed physical memory region. NullAddress is never a valid
// location, so regions may not begin at address zero.
type Address uint64

const NullAddress Address = 0

const (
	// PageShift is log2(PageSize)
	PageShift = 12
	// PageSize is the size in bytes of the unit of memory tracked by the page bitmap
	PageSize = 1 << PageShift
)

// PageBase masks an address down to the start of the page containing it
func (a Address) PageBase() Address {
	return AlignDown(a, Address(PageSize))
}

// PageOffset returns the offset in bytes of the address from the start of its page
func (a Address) PageOffset() int {
	return int(a & (PageSize - 1))
}

// IsPageAligned returns true if the address falls on a page boundary
func (a Address) IsPageAligned() bool {
	return a&(PageSize-1) == 0
}

// Region is a contiguous range of physical memory handed to the allocator once at boot.
type Region struct {
	Begin  Address
	Length uint64
}

// End returns the first address past the end of the region
func (r Region) End() Address {
	return r.Begin + Address(r.Length)
}

// Contains returns true if the address lies within the region
func (r Region) Contains(addr Address) bool {
	return addr >= r.Begin && addr < r.End()
}

// PageCount returns the number of whole pages in the region
func (r Region) PageCount() int {
	return int(r.Length / PageSize)
}

// Validate verifies that the region can be addressed: it must begin on a non-zero page boundary
// and must not wrap around the address space.
func (r Region) Validate() error {
	if r.Begin == NullAddress {
		return cerrors.Wrap(ErrOutOfRange, "region may not begin at the null address")
	}
	if !r.Begin.IsPageAligned() {
		return cerrors.Wrapf(ErrMisalignedAddress, "region begin 0x%x", uint64(r.Begin))
	}
	if r.Length > math.MaxUint64-uint64(r.Begin) || r.Length > math.MaxInt {
		return cerrors.Wrapf(ErrOutOfRange, "region of length %d starting at 0x%x overflows", r.Length, uint64(r.Begin))
	}
	return nil
}

package memutils

import "github.com/pkg/errors"

var (
	// ErrAllocationExhausted is returned when no free page is available to satisfy a request. The condition
	// may be temporary: frees can make pages available again.
	ErrAllocationExhausted = errors.New("no free page available")
	// ErrRequestTooLarge is returned when a request could never be satisfied by a single page, regardless
	// of how much memory is free.
	ErrRequestTooLarge = errors.New("requested size exceeds the largest block a single page can hold")
	// ErrNoFit is returned by page metadata when no free block in that page is large enough for the request.
	// Consumers should try another page.
	ErrNoFit = errors.New("no free block in the page is large enough")
	// ErrInvalidFree is returned when the address being freed does not belong to a live allocation
	ErrInvalidFree = errors.New("address does not refer to a live allocation")
	// ErrDoubleFree is returned when the address being freed refers to memory that has already been freed
	ErrDoubleFree = errors.New("address has already been freed")
	// ErrRegionTooSmall is returned when a memory region cannot hold a single allocatable page
	ErrRegionTooSmall = errors.New("memory region is too small to hold an allocatable page")
	// ErrMisalignedAddress is returned when an address that must be page-aligned is not
	ErrMisalignedAddress = errors.New("address is not page-aligned")
	// ErrOutOfRange is returned when an address falls outside the managed region
	ErrOutOfRange = errors.New("address is outside the managed region")
	// ErrSizeOverflow is returned when a size calculation overflows
	ErrSizeOverflow = errors.New("size calculation overflows")
)

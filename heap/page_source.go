package heap

import (
	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/pages"
)

//go:generate mockgen -destination mocks/page_source.go -package mocks github.com/besos/kmem/heap PageSource

// PageSource grants and reclaims whole pages on behalf of a Heap. pages.BitmapAllocator is the
// implementation used unless CreateOptions.PageSource is provided.
type PageSource interface {
	// AllocatePage grants a page and returns its address. The boolean return is false when no
	// page is left to grant.
	AllocatePage() (memutils.Address, bool)
	// FreePage reclaims a page previously granted by AllocatePage
	FreePage(addr memutils.Address) error

	// PageCount returns the total number of pages the source governs
	PageCount() int
	// FreeCount returns the number of pages AllocatePage could still grant
	FreeCount() int
	// Validate performs internal consistency checks on the source
	Validate() error
}

var _ PageSource = &pages.BitmapAllocator{}

package metadata

import (
	"github.com/besos/kmem/memutils"
)

// LIFOFreeList is a PageMetadata implementation that pushes freed blocks onto the head of the
// page's free list without merging them with adjacent free blocks.
type LIFOFreeList struct {
	pageMetadataBase
}

var _ PageMetadata = &LIFOFreeList{}

func (m *LIFOFreeList) Validate() error {
	return m.validate(false)
}

func (m *LIFOFreeList) Alloc(size int) (memutils.Address, error) {
	addr, err := m.pageMetadataBase.Alloc(size)
	memutils.DebugValidate(m)
	return addr, err
}

func (m *LIFOFreeList) Free(addr memutils.Address) error {
	off, err := m.liveBlockOffset(addr)
	if err != nil {
		return err
	}

	m.release(off)
	m.setBlockNext(off, m.freeHead())
	m.setFreeHead(off)

	memutils.DebugValidate(m)
	return nil
}

// AddressOrderedFreeList is a PageMetadata implementation that keeps the page's free list sorted by
// address and merges freed blocks with their free neighbors.
type AddressOrderedFreeList struct {
	pageMetadataBase
}

var _ PageMetadata = &AddressOrderedFreeList{}

func (m *AddressOrderedFreeList) Validate() error {
	return m.validate(true)
}

func (m *AddressOrderedFreeList) Alloc(size int) (memutils.Address, error) {
	addr, err := m.pageMetadataBase.Alloc(size)
	memutils.DebugValidate(m)
	return addr, err
}

func (m *AddressOrderedFreeList) Free(addr memutils.Address) error {
	off, err := m.liveBlockOffset(addr)
	if err != nil {
		return err
	}

	m.release(off)

	prev := noBlock
	next := m.freeHead()
	for next != noBlock && next < off {
		prev, next = next, m.blockNext(next)
	}

	// Merge with the following block
	if next != noBlock && m.adjacent(off, next) {
		m.setBlockSize(off, m.blockSize(off)+BlockHeaderSize+m.blockSize(next))
		next = m.blockNext(next)
	}
	m.setBlockNext(off, next)

	// Merge into the preceding block, or link after it
	if prev != noBlock && m.adjacent(prev, off) {
		m.setBlockSize(prev, m.blockSize(prev)+BlockHeaderSize+m.blockSize(off))
		m.setBlockNext(prev, next)
		off = prev
	} else if prev != noBlock {
		m.setBlockNext(prev, off)
	} else {
		m.setFreeHead(off)
	}

	if memutils.DebugPoisonFreed {
		memutils.WriteMagicValue(m.payload(off))
	}

	memutils.DebugValidate(m)
	return nil
}

// adjacent returns true if the block at second begins immediately after the block at first ends
func (m *AddressOrderedFreeList) adjacent(first, second int) bool {
	return first+BlockHeaderSize+m.blockSize(first) == second
}
